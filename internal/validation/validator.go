package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sumandas0/fleetadmin/pkg/utils"
)

// Validator checks input structs before they are turned into records.
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonName)

	v := &Validator{validate: validate}
	v.registerCustomValidators()

	return v
}

// Register adds a string rule under tag. It panics on an invalid tag, like
// the underlying library.
func (v *Validator) Register(tag string, rule func(string) bool) {
	err := v.validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return rule(fl.Field().String())
	})
	if err != nil {
		panic(fmt.Sprintf("failed to register validation %q: %v", tag, err))
	}
}

// Struct validates s and reports failures as a VALIDATION_ERROR AppError
// whose details map each failing field to its rule.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return utils.NewAppError(utils.CodeValidation, "validation failed", err)
	}

	appErr := utils.NewAppError(utils.CodeValidation, describe(verrs), err)
	for _, fe := range verrs {
		appErr.WithDetail(fieldName(fe), fe.Tag())
	}
	return appErr
}

// Var validates a single value against tag.
func (v *Validator) Var(field string, value any, tag string) error {
	if err := v.validate.Var(value, tag); err != nil {
		return utils.NewAppError(utils.CodeValidation, fmt.Sprintf("invalid %s", field), err).
			WithDetail(field, tag)
	}
	return nil
}

func (v *Validator) registerCustomValidators() {
	v.Register("record_id", validRecordID)
}

// validRecordID accepts backend-generated ids (15 alphanumerics) and the
// UUIDs assigned client-side.
func validRecordID(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed '%s'", fieldName(fe), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func fieldName(fe validator.FieldError) string {
	return fe.Field()
}

// jsonName reports fields by their wire name.
func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}
