package edge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/lock"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/validation"
	"github.com/sumandas0/fleetadmin/pkg/utils"
)

const (
	FieldCode     = "code"
	FieldType     = "type"
	FieldRegion   = "region"
	FieldMetadata = "metadata"
)

func Descriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		JSONFields:     []string{FieldMetadata},
		SanitizeFields: []string{"name", "description"},
		FilterBuilder:  records.EqualityFilters(FieldType, FieldRegion),
	}
}

// CreateInput describes a new edge. Code is generated from Type, Region and
// Number when empty.
type CreateInput struct {
	Type        string         `json:"type" validate:"required,lowercase,alpha"`
	Region      string         `json:"region" validate:"required,lowercase,alpha"`
	Number      int            `json:"number" validate:"gte=0"`
	Code        string         `json:"code" validate:"omitempty,edge_code"`
	Name        string         `json:"name" validate:"required,max=255"`
	Description string         `json:"description" validate:"max=4096"`
	Active      *bool          `json:"active"`
	Metadata    map[string]any `json:"metadata"`
}

type Service struct {
	records  *records.Service
	validate *validation.Validator
	locks    *lock.Manager
	logger   zerolog.Logger
}

type Option func(*Service)

// WithLocks shares a lock manager with other services.
func WithLocks(m *lock.Manager) Option {
	return func(s *Service) {
		s.locks = m
	}
}

func NewService(rs *records.Service, logger zerolog.Logger, opts ...Option) *Service {
	v := validation.New()
	v.Register("edge_code", ValidateCode)

	s := &Service{
		records:  rs,
		validate: v,
		logger:   logger.With().Str("component", "edge").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = lock.NewManager(0, logger)
	}
	return s
}

func (s *Service) Records() *records.Service {
	return s.records
}

func (s *Service) List(ctx context.Context, params records.ListParams) (*records.ListResponse, error) {
	return s.records.List(ctx, params)
}

func (s *Service) Get(ctx context.Context, id string, opts ...records.ReadOption) (*records.RecordResponse, error) {
	return s.records.GetByID(ctx, id, opts...)
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*records.RecordResponse, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	code := in.Code
	if code == "" {
		code = GenerateCode(in.Type, in.Region, in.Number)
	}
	if !ValidateCode(code) {
		return nil, invalidCode(code)
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}

	rec := records.Record{
		FieldCode:     code,
		FieldType:     in.Type,
		FieldRegion:   in.Region,
		"name":        in.Name,
		"description": in.Description,
		"active":      active,
	}
	if in.Metadata != nil {
		rec[FieldMetadata] = in.Metadata
	}

	return s.records.Create(ctx, rec)
}

// CreateNext creates an edge under the next free code of its type and
// region, ignoring Code and Number. Allocations for the same type and
// region are serialized.
func (s *Service) CreateNext(ctx context.Context, in CreateInput) (*records.RecordResponse, error) {
	in.Code, in.Number = "", 0
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	resource := "edge-code:" + s.records.Collection() + ":" + in.Type + "-" + in.Region
	lease, err := s.locks.Lock(ctx, resource)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	code, err := s.NextCode(ctx, in.Type, in.Region)
	if err != nil {
		return nil, err
	}
	in.Code = code
	s.logger.Debug().Str("code", code).Msg("allocated edge code")

	return s.Create(ctx, in)
}

func (s *Service) Update(ctx context.Context, id string, changes records.Record) (*records.RecordResponse, error) {
	if code, ok := changes[FieldCode]; ok {
		if c, _ := code.(string); !ValidateCode(c) {
			return nil, invalidCode(c)
		}
	}
	return s.records.Update(ctx, id, changes)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.records.Delete(ctx, id)
}

// UpdateMetadata replaces the edge's metadata, or merges the given keys over
// the stored ones when merge is set.
func (s *Service) UpdateMetadata(ctx context.Context, id string, metadata map[string]any, merge bool) (*records.RecordResponse, error) {
	if id == "" {
		return nil, records.ErrInvalidID
	}

	next := make(map[string]any, len(metadata))
	if merge {
		current, err := s.records.GetByID(ctx, id, records.SkipCache())
		if err != nil {
			return nil, err
		}
		for k, v := range current.Data.Map(FieldMetadata) {
			next[k] = v
		}
	}
	for k, v := range metadata {
		next[k] = v
	}

	return s.records.Update(ctx, id, records.Record{FieldMetadata: next})
}

// NextCode returns the first unused code for a type and region, one past
// the highest sequence number already stored.
func (s *Service) NextCode(ctx context.Context, edgeType, region string) (string, error) {
	prefix := GenerateCode(edgeType, region, 0)
	if prefix == "" {
		return "", utils.NewAppError(utils.CodeInvalidInput, "type and region are required", nil)
	}

	existing, err := s.records.ListAll(ctx, records.ListParams{
		Where:     map[string]string{FieldType: edgeType, FieldRegion: region},
		SkipCache: true,
	})
	if err != nil {
		return "", err
	}

	highest := 0
	for _, rec := range existing {
		t, r, n, ok := ParseCode(rec.String(FieldCode))
		if ok && t == edgeType && r == region && n > highest {
			highest = n
		}
	}
	return GenerateCode(edgeType, region, highest+1), nil
}

func invalidCode(code string) error {
	return utils.NewAppError(utils.CodeValidation, fmt.Sprintf("invalid edge code %q", code), nil).
		WithDetail(FieldCode, "edge_code")
}
