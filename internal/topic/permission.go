package topic

import (
	"context"
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/validation"
	"github.com/sumandas0/fleetadmin/pkg/utils"
)

const (
	FieldName      = "name"
	FieldPublish   = "publish_permissions"
	FieldSubscribe = "subscribe_permissions"

	// FieldRoleID links a client to its permission role.
	FieldRoleID = "role_id"
)

// Descriptor configures the generic record service for permission roles.
// The topic lists are JSON arrays on the wire and are not stringified.
func Descriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		SanitizeFields: []string{FieldName},
		FilterBuilder:  records.EqualityFilters(FieldName),
	}
}

// Kind selects one of the two topic lists of a role.
type Kind string

const (
	KindPublish   Kind = "publish"
	KindSubscribe Kind = "subscribe"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPublish, KindSubscribe:
		return Kind(s), nil
	}
	return "", utils.NewAppError(utils.CodeInvalidInput, "type must be either publish or subscribe", nil).
		WithDetail("type", s)
}

// Field is the record field holding the kind's topic list.
func (k Kind) Field() string {
	return string(k) + "_permissions"
}

// Permission is a typed view of a topic_permissions record.
type Permission struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Publish   []string `json:"publish_permissions" yaml:"publish_permissions"`
	Subscribe []string `json:"subscribe_permissions" yaml:"subscribe_permissions"`
}

func FromRecord(rec records.Record) Permission {
	return Permission{
		ID:        rec.ID(),
		Name:      rec.String(FieldName),
		Publish:   topicsOf(rec, FieldPublish),
		Subscribe: topicsOf(rec, FieldSubscribe),
	}
}

// Allows reports whether any pattern of the given kind covers topic.
func (p Permission) Allows(kind Kind, topic string) bool {
	patterns := p.Publish
	if kind == KindSubscribe {
		patterns = p.Subscribe
	}
	for _, pattern := range patterns {
		if Matches(pattern, topic) {
			return true
		}
	}
	return false
}

type CreateInput struct {
	Name      string   `json:"name" validate:"required,max=255"`
	Publish   []string `json:"publish_permissions"`
	Subscribe []string `json:"subscribe_permissions"`
}

// UpdateInput changes only the fields that are set.
type UpdateInput struct {
	Name      *string
	Publish   []string
	Subscribe []string
}

// PermissionService manages topic permission roles and the clients bound
// to them.
type PermissionService struct {
	records  *records.Service
	clients  *records.Service
	validate *validation.Validator
	logger   zerolog.Logger
}

func NewPermissionService(permissions, clients *records.Service, logger zerolog.Logger) *PermissionService {
	return &PermissionService{
		records:  permissions,
		clients:  clients,
		validate: validation.New(),
		logger:   logger.With().Str("component", "topic_permission").Logger(),
	}
}

func (s *PermissionService) Records() *records.Service {
	return s.records
}

func (s *PermissionService) List(ctx context.Context, params records.ListParams) (*records.ListResponse, error) {
	return s.records.List(ctx, params)
}

func (s *PermissionService) Get(ctx context.Context, id string, opts ...records.ReadOption) (*records.RecordResponse, error) {
	return s.records.GetByID(ctx, id, opts...)
}

// Create stores a new role. Missing lists are stored empty and duplicates
// are dropped.
func (s *PermissionService) Create(ctx context.Context, in CreateInput) (*records.RecordResponse, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	publish, err := normalize(in.Publish)
	if err != nil {
		return nil, err
	}
	subscribe, err := normalize(in.Subscribe)
	if err != nil {
		return nil, err
	}

	return s.records.Create(ctx, records.Record{
		FieldName:      in.Name,
		FieldPublish:   publish,
		FieldSubscribe: subscribe,
	})
}

func (s *PermissionService) Update(ctx context.Context, id string, in UpdateInput) (*records.RecordResponse, error) {
	changes := records.Record{}

	if in.Name != nil {
		if err := s.validate.Var(FieldName, *in.Name, "required,max=255"); err != nil {
			return nil, err
		}
		changes[FieldName] = *in.Name
	}
	if in.Publish != nil {
		topics, err := normalize(in.Publish)
		if err != nil {
			return nil, err
		}
		changes[FieldPublish] = topics
	}
	if in.Subscribe != nil {
		topics, err := normalize(in.Subscribe)
		if err != nil {
			return nil, err
		}
		changes[FieldSubscribe] = topics
	}

	return s.records.Update(ctx, id, changes)
}

func (s *PermissionService) Delete(ctx context.Context, id string) error {
	return s.records.Delete(ctx, id)
}

// AddTopic adds topic to the role's list for kind. A topic already present
// is not written again.
func (s *PermissionService) AddTopic(ctx context.Context, id, topic string, kind Kind) (*records.RecordResponse, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if !ValidateTopic(topic) {
		return nil, invalidTopic(topic)
	}

	current, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return nil, err
	}

	topics := topicsOf(current.Data, kind.Field())
	if mapset.NewThreadUnsafeSet(topics...).Contains(topic) {
		return current, nil
	}

	s.logger.Debug().Str("permission_id", id).Str("kind", string(kind)).Str("topic", topic).Msg("adding topic")
	return s.records.Update(ctx, id, records.Record{kind.Field(): append(topics, topic)})
}

// RemoveTopic drops topic from the role's list for kind. A missing topic is
// a no-op.
func (s *PermissionService) RemoveTopic(ctx context.Context, id, topic string, kind Kind) (*records.RecordResponse, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}

	current, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return nil, err
	}

	topics := topicsOf(current.Data, kind.Field())
	if !mapset.NewThreadUnsafeSet(topics...).Contains(topic) {
		return current, nil
	}

	kept := make([]string, 0, len(topics)-1)
	for _, t := range topics {
		if t != topic {
			kept = append(kept, t)
		}
	}

	s.logger.Debug().Str("permission_id", id).Str("kind", string(kind)).Str("topic", topic).Msg("removing topic")
	return s.records.Update(ctx, id, records.Record{kind.Field(): kept})
}

// ClientsByPermission returns every client bound to the role, ordered by
// username.
func (s *PermissionService) ClientsByPermission(ctx context.Context, permissionID string) ([]records.Record, error) {
	if permissionID == "" {
		return nil, records.ErrInvalidID
	}
	return s.clients.ListAll(ctx, records.ListParams{
		Filter: records.Eq(FieldRoleID, permissionID),
		Sort:   "username",
	})
}

// normalize validates every pattern and drops duplicates, keeping the first
// occurrence's position.
func normalize(topics []string) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(topics))

	for _, t := range topics {
		if !ValidateTopic(t) {
			return nil, invalidTopic(t)
		}
		if seen.Add(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func invalidTopic(topic string) error {
	return utils.NewAppError(utils.CodeValidation, fmt.Sprintf("invalid topic %q", topic), ErrInvalidTopic).
		WithDetail("topic", topic)
}

// topicsOf reads a topic list whether the backend returned a JSON array or
// its text form.
func topicsOf(rec records.Record, field string) []string {
	switch v := rec[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if v != "" && json.Unmarshal([]byte(v), &out) == nil {
			return out
		}
	}
	return []string{}
}
