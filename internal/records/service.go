package records

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/cache"
	"github.com/sumandas0/fleetadmin/internal/observability"
	"github.com/sumandas0/fleetadmin/internal/security"
	"github.com/sumandas0/fleetadmin/internal/session"
	"github.com/sumandas0/fleetadmin/internal/transport"
	"github.com/sumandas0/fleetadmin/pkg/utils"
)

const (
	opList   = "list"
	opGet    = "get"
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
	opUpload = "upload"
)

// ErrInvalidID is returned before any network call when an operation that
// addresses a single record gets an empty id.
var ErrInvalidID = utils.NewAppError(utils.CodeInvalidInput, "record id is required", nil)

// Transport is the slice of the HTTP client a Service needs.
type Transport interface {
	GetList(ctx context.Context, endpoint string, query url.Values) (*transport.Envelope, error)
	GetByID(ctx context.Context, endpoint string, query url.Values) (*transport.Envelope, error)
	Create(ctx context.Context, endpoint string, body any) (*transport.Envelope, error)
	Update(ctx context.Context, endpoint, id string, body any) (*transport.Envelope, error)
	Delete(ctx context.Context, endpoint string) error
	Upload(ctx context.Context, endpoint string, fields map[string]string, files ...transport.File) (*transport.Envelope, error)
}

// Descriptor declares what differs between collections.
type Descriptor struct {
	Collection string
	// JSONFields are stored as text by the backend and exposed as structured
	// values.
	JSONFields []string
	// ExpandFields are requested on reads unless the caller sets Expand.
	ExpandFields []string
	// SanitizeFields are free-text fields cleaned before writes.
	SanitizeFields []string
	// FilterBuilder turns ListParams.Where into filter clauses.
	FilterBuilder func(ListParams) []string
}

type ListParams struct {
	Page      int
	PerPage   int
	Sort      string
	Filter    string
	Expand    string
	SkipCache bool
	Where     map[string]string
}

type ListResponse struct {
	Page       int       `json:"page" yaml:"page"`
	PerPage    int       `json:"perPage" yaml:"perPage"`
	TotalItems int       `json:"totalItems" yaml:"totalItems"`
	TotalPages int       `json:"totalPages" yaml:"totalPages"`
	Items      []Record  `json:"items" yaml:"items"`
	FromCache  bool      `json:"fromCache" yaml:"fromCache"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

type RecordResponse struct {
	Data      Record    `json:"data" yaml:"data"`
	FromCache bool      `json:"fromCache" yaml:"fromCache"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Cached reports whether the response was served from the cache.
func (r *ListResponse) Cached() bool { return r != nil && r.FromCache }

func (r *RecordResponse) Cached() bool { return r != nil && r.FromCache }

type readOptions struct {
	skipCache bool
	expand    string
}

type ReadOption func(*readOptions)

// SkipCache forces a network read. The fresh result still populates the
// cache.
func SkipCache() ReadOption {
	return func(o *readOptions) {
		o.skipCache = true
	}
}

// WithExpand overrides the descriptor's expand list for one read.
func WithExpand(expand string) ReadOption {
	return func(o *readOptions) {
		o.expand = expand
	}
}

// Deps are shared by every record service. Cache, Session, Sanitizer,
// Metrics and Tracing are optional.
type Deps struct {
	Config    *config.Config
	Transport Transport
	Cache     *cache.Manager
	Session   session.Provider
	Sanitizer *security.InputSanitizer
	Metrics   *observability.MetricsManager
	Tracing   *observability.TracingManager
	Logger    zerolog.Logger
}

// Service performs CRUD against one collection with read-through caching,
// organization-scoped creates and JSON field marshaling.
type Service struct {
	desc Descriptor
	deps Deps

	logger zerolog.Logger
	newID  func() (string, error)
}

func NewService(desc Descriptor, deps Deps) *Service {
	if deps.Config == nil {
		deps.Config = config.Default()
	}

	return &Service{
		desc:   desc,
		deps:   deps,
		logger: deps.Logger.With().Str("collection", desc.Collection).Logger(),
		newID:  newRecordID,
	}
}

func newRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Service) Collection() string {
	return s.desc.Collection
}

func (s *Service) Descriptor() Descriptor {
	return s.desc
}

// Endpoint returns the collection's records endpoint, or one record's when id
// is set.
func (s *Service) Endpoint(id string) string {
	return s.deps.Config.CollectionEndpoint(s.desc.Collection, id)
}

func (s *Service) Config() *config.Config {
	return s.deps.Config
}

func (s *Service) List(ctx context.Context, params ListParams) (*ListResponse, error) {
	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opList, s.desc.Collection, "")
	defer span.End()
	start := time.Now()

	query := s.listQuery(params)
	key := cache.Key{
		Collection: s.desc.Collection,
		Operation:  config.OperationList,
		UserID:     s.identity(ctx).UserID,
		Variant:    queryVariant(query),
	}

	if entry, ok := s.lookup(key, params.SkipCache); ok {
		resp, err := s.decodeList(entry.Data)
		if err == nil {
			resp.FromCache = true
			resp.Timestamp = entry.Timestamp
			s.record(opList, "cached", start)
			return resp, nil
		}
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("discarding undecodable cached page")
	}

	env, err := s.deps.Transport.GetList(ctx, s.Endpoint(""), query)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opList, "", err, start)
		return nil, err
	}

	resp, err := s.decodeList(env.Data)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opList, "", err, start)
		return nil, err
	}

	resp.Timestamp = env.Timestamp
	if ts := s.store(key, env.Data); !ts.IsZero() {
		resp.Timestamp = ts
	}

	s.record(opList, "success", start)
	return resp, nil
}

// ListAll walks every page of a list query.
func (s *Service) ListAll(ctx context.Context, params ListParams) ([]Record, error) {
	params.Page = 1
	params.PerPage = s.deps.Config.Pagination.MaxPageSize

	var all []Record
	for {
		resp, err := s.List(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Items...)

		if resp.Page >= resp.TotalPages || len(resp.Items) == 0 {
			return all, nil
		}
		params.Page++
	}
}

func (s *Service) GetByID(ctx context.Context, id string, opts ...ReadOption) (*RecordResponse, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opGet, s.desc.Collection, id)
	defer span.End()
	start := time.Now()

	var ro readOptions
	for _, opt := range opts {
		opt(&ro)
	}

	query := url.Values{}
	expand := ro.expand
	if expand == "" {
		expand = strings.Join(s.desc.ExpandFields, ",")
	}
	if expand != "" {
		query.Set("expand", expand)
	}

	key := cache.Key{
		Collection: s.desc.Collection,
		Operation:  config.OperationDetail,
		RecordID:   id,
		UserID:     s.identity(ctx).UserID,
	}
	if ro.expand != "" {
		key.Variant = queryVariant(query)
	}

	if entry, ok := s.lookup(key, ro.skipCache); ok {
		rec, err := s.decodeRecord(entry.Data)
		if err == nil {
			s.record(opGet, "cached", start)
			return &RecordResponse{Data: rec, FromCache: true, Timestamp: entry.Timestamp}, nil
		}
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("discarding undecodable cached record")
	}

	env, err := s.deps.Transport.GetByID(ctx, s.Endpoint(id), query)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opGet, id, err, start)
		return nil, err
	}

	rec, err := s.decodeRecord(env.Data)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opGet, id, err, start)
		return nil, err
	}

	ts := env.Timestamp
	if stored := s.store(key, env.Data); !stored.IsZero() {
		ts = stored
	}

	s.record(opGet, "success", start)
	return &RecordResponse{Data: rec, Timestamp: ts}, nil
}

// Create persists a new record. The input is not modified.
func (s *Service) Create(ctx context.Context, input Record) (*RecordResponse, error) {
	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opCreate, s.desc.Collection, input.ID())
	defer span.End()
	start := time.Now()

	rec := input.Clone()

	if isBlank(rec["organization_id"]) {
		if org := s.identity(ctx).OrgID; org != "" {
			rec["organization_id"] = org
		} else {
			s.logger.Warn().Str("operation", opCreate).Msg("no organization in session, creating record without organization_id")
		}
	}

	if isBlank(rec["id"]) {
		id, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate record id: %w", err)
		}
		rec["id"] = id
	}

	payload, err := s.prepareWrite(rec)
	if err != nil {
		return nil, err
	}

	env, err := s.deps.Transport.Create(ctx, s.Endpoint(""), payload)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opCreate, rec.ID(), err, start)
		return nil, err
	}

	return s.finishWrite(opCreate, env, start)
}

// Update patches the fields of input onto record id.
func (s *Service) Update(ctx context.Context, id string, input Record) (*RecordResponse, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opUpdate, s.desc.Collection, id)
	defer span.End()
	start := time.Now()

	rec := input.Clone()
	delete(rec, "id")

	payload, err := s.prepareWrite(rec)
	if err != nil {
		return nil, err
	}

	env, err := s.deps.Transport.Update(ctx, s.Endpoint(""), id, payload)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opUpdate, id, err, start)
		return nil, err
	}

	return s.finishWrite(opUpdate, env, start)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opDelete, s.desc.Collection, id)
	defer span.End()
	start := time.Now()

	if err := s.deps.Transport.Delete(ctx, s.Endpoint(id)); err != nil {
		observability.SetSpanError(span, err)
		s.fail(opDelete, id, err, start)
		return err
	}

	s.invalidate(opDelete)
	s.record(opDelete, "success", start)
	return nil
}

// Upload sends files and plain fields to record id as a multipart update.
func (s *Service) Upload(ctx context.Context, id string, fields map[string]string, files ...transport.File) (*RecordResponse, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	ctx, span := s.deps.Tracing.StartRecordOperation(ctx, opUpload, s.desc.Collection, id)
	defer span.End()
	start := time.Now()

	if s.deps.Sanitizer.IsEnabled() {
		files = append([]transport.File(nil), files...)
		for i := range files {
			name, err := s.deps.Sanitizer.SanitizeFilename(files[i].Name)
			if err != nil {
				return nil, utils.NewAppError(utils.CodeInvalidInput, "invalid file name", err)
			}
			files[i].Name = name
		}
	}

	env, err := s.deps.Transport.Upload(ctx, s.Endpoint(id), fields, files...)
	if err != nil {
		observability.SetSpanError(span, err)
		s.fail(opUpload, id, err, start)
		return nil, err
	}

	return s.finishWrite(opUpload, env, start)
}

// ClearCache drops every cached response of the collection, for all users.
func (s *Service) ClearCache(_ context.Context) error {
	if s.deps.Cache == nil {
		return nil
	}
	return s.deps.Cache.InvalidateCollection(s.desc.Collection)
}

// ParseJSONFields applies the descriptor's JSON fields to rec.
func (s *Service) ParseJSONFields(rec Record) Record {
	return ParseJSONFields(rec, s.desc.JSONFields, s.logger)
}

func (s *Service) prepareWrite(rec Record) (Record, error) {
	if s.deps.Sanitizer.IsEnabled() && len(s.desc.SanitizeFields) > 0 {
		if err := s.deps.Sanitizer.SanitizeFields(rec, s.desc.SanitizeFields); err != nil {
			return nil, utils.NewAppError(utils.CodeInvalidInput, "invalid field value", err)
		}
	}

	payload, err := StringifyJSONFields(rec, s.desc.JSONFields)
	if err != nil {
		return nil, utils.NewAppError(utils.CodeInvalidInput, "invalid JSON field", err)
	}
	return payload, nil
}

func (s *Service) finishWrite(op string, env *transport.Envelope, start time.Time) (*RecordResponse, error) {
	s.invalidate(op)

	rec, err := s.decodeRecord(env.Data)
	if err != nil {
		s.fail(op, "", err, start)
		return nil, err
	}

	s.record(op, "success", start)
	return &RecordResponse{Data: rec, Timestamp: env.Timestamp}, nil
}

func (s *Service) listQuery(params ListParams) url.Values {
	pagination := s.deps.Config.Pagination

	page := params.Page
	if page < 1 {
		page = 1
	}
	perPage := params.PerPage
	if perPage < 1 {
		perPage = pagination.DefaultPageSize
	}
	if pagination.MaxPageSize > 0 && perPage > pagination.MaxPageSize {
		perPage = pagination.MaxPageSize
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("perPage", strconv.Itoa(perPage))

	if params.Sort != "" {
		query.Set("sort", params.Sort)
	}

	expand := params.Expand
	if expand == "" {
		expand = strings.Join(s.desc.ExpandFields, ",")
	}
	if expand != "" {
		query.Set("expand", expand)
	}

	var clauses []string
	if params.Filter != "" {
		clauses = append(clauses, "("+params.Filter+")")
	}
	if s.desc.FilterBuilder != nil {
		for _, c := range s.desc.FilterBuilder(params) {
			if c != "" {
				clauses = append(clauses, c)
			}
		}
	}
	if len(clauses) > 0 {
		query.Set("filter", strings.Join(clauses, " && "))
	}

	return query
}

// queryVariant fingerprints a query so different pages and filters get
// their own cache entries.
func queryVariant(query url.Values) string {
	return strconv.FormatUint(xxhash.Sum64String(query.Encode()), 16)
}

type listPayload struct {
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalItems int      `json:"totalItems"`
	TotalPages int      `json:"totalPages"`
	Items      []Record `json:"items"`
}

func (s *Service) decodeList(data json.RawMessage) (*ListResponse, error) {
	var payload listPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", s.desc.Collection, err)
	}

	items := make([]Record, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, s.ParseJSONFields(item))
	}

	return &ListResponse{
		Page:       payload.Page,
		PerPage:    payload.PerPage,
		TotalItems: payload.TotalItems,
		TotalPages: payload.TotalPages,
		Items:      items,
	}, nil
}

func (s *Service) decodeRecord(data json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", s.desc.Collection, err)
	}
	if rec == nil {
		rec = Record{}
	}
	return s.ParseJSONFields(rec), nil
}

func (s *Service) identity(ctx context.Context) session.Identity {
	if s.deps.Session == nil {
		return session.AnonymousIdentity()
	}
	return s.deps.Session.Identity(ctx)
}

func (s *Service) lookup(key cache.Key, skip bool) (*cache.Entry, bool) {
	if s.deps.Cache == nil {
		return nil, false
	}
	return s.deps.Cache.Lookup(key, skip)
}

func (s *Service) store(key cache.Key, data json.RawMessage) time.Time {
	if s.deps.Cache == nil {
		return time.Time{}
	}
	return s.deps.Cache.Store(key, data)
}

// invalidate runs after a successful mutation. A cache failure is logged; the
// mutation already happened.
func (s *Service) invalidate(op string) {
	if err := s.ClearCache(context.Background()); err != nil {
		s.logger.Warn().Err(err).Str("operation", op).Msg("failed to invalidate cache after mutation")
	}
}

func (s *Service) fail(op, id string, err error, start time.Time) {
	s.logger.Error().
		Err(err).
		Str("operation", op).
		Str("record_id", id).
		Msg("record operation failed")
	s.record(op, "error", start)
}

func (s *Service) record(op, status string, start time.Time) {
	s.deps.Metrics.RecordOperation(op, s.desc.Collection, status, time.Since(start))
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	str, ok := v.(string)
	return ok && strings.TrimSpace(str) == ""
}
