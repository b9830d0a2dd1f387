package location

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/lock"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/transport"
	"github.com/sumandas0/fleetadmin/internal/validation"
	"github.com/sumandas0/fleetadmin/pkg/utils"
)

const (
	FieldEdgeID    = "edge_id"
	FieldParentID  = "parent_id"
	FieldCode      = "code"
	FieldPath      = "path"
	FieldMetadata  = "metadata"
	FieldFloorPlan = "floorplan"

	// WhereParentEmpty selects root locations when set to "true".
	WhereParentEmpty = "parent_id_empty"
)

// ErrCircularReference is returned when a parent change would make a
// location its own ancestor.
var ErrCircularReference = utils.NewAppError(utils.CodeCircular, "location cannot be its own ancestor", nil)

// Descriptor configures the generic record service for locations.
func Descriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		JSONFields:     []string{FieldMetadata},
		ExpandFields:   []string{FieldEdgeID, FieldParentID},
		SanitizeFields: []string{"name", "description"},
		FilterBuilder:  filters,
	}
}

func filters(p records.ListParams) []string {
	var clauses []string
	if v := p.Where[FieldEdgeID]; v != "" {
		clauses = append(clauses, records.Eq(FieldEdgeID, v))
	}
	if v := p.Where[FieldParentID]; v != "" {
		clauses = append(clauses, records.Eq(FieldParentID, v))
	}
	if p.Where[WhereParentEmpty] == "true" {
		clauses = append(clauses, records.IsEmpty(FieldParentID))
	}
	return clauses
}

// CreateInput is what a caller supplies for a new location. Code is derived
// from Type and Number when empty; Path is always derived.
type CreateInput struct {
	EdgeID      string         `json:"edge_id" validate:"required,record_id"`
	ParentID    string         `json:"parent_id" validate:"omitempty,record_id"`
	Type        string         `json:"type" validate:"required"`
	Number      string         `json:"number" validate:"required_without=Code"`
	Code        string         `json:"code" validate:"omitempty,location_code"`
	Name        string         `json:"name" validate:"required,max=255"`
	Description string         `json:"description" validate:"max=4096"`
	Metadata    map[string]any `json:"metadata"`
}

type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Node is a location with its children, for tree views.
type Node struct {
	Location records.Record `json:"location" yaml:"location"`
	Children []*Node        `json:"children,omitempty" yaml:"children,omitempty"`
}

// Service adds the hierarchy rules to the generic record service: derived
// code and path, cycle checks on parent changes and subtree path updates.
type Service struct {
	records  *records.Service
	validate *validation.Validator
	locks    *lock.Manager
	logger   zerolog.Logger
	maxDepth int
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
	v.Register("location_code", ValidateCode)

	s := &Service{
		records:  rs,
		validate: v,
		logger:   logger.With().Str("component", "location").Logger(),
		maxDepth: DefaultMaxDepth,
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

// ListByEdge lists the locations of one edge.
func (s *Service) ListByEdge(ctx context.Context, edgeID string, params records.ListParams) (*records.ListResponse, error) {
	params.Where = withWhere(params.Where, FieldEdgeID, edgeID)
	return s.records.List(ctx, params)
}

func (s *Service) Get(ctx context.Context, id string, opts ...records.ReadOption) (*records.RecordResponse, error) {
	return s.records.GetByID(ctx, id, opts...)
}

func (s *Service) ChildLocations(ctx context.Context, parentID string, params records.ListParams) (*records.ListResponse, error) {
	if parentID == "" {
		return nil, records.ErrInvalidID
	}
	params.Where = withWhere(params.Where, FieldParentID, parentID)
	if params.Sort == "" {
		params.Sort = "created"
	}
	return s.records.List(ctx, params)
}

func (s *Service) RootLocations(ctx context.Context, params records.ListParams) (*records.ListResponse, error) {
	params.Where = withWhere(params.Where, WhereParentEmpty, "true")
	if params.Sort == "" {
		params.Sort = "created"
	}
	return s.records.List(ctx, params)
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*records.RecordResponse, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	code := in.Code
	if code == "" {
		code = GenerateCode(in.Type, in.Number)
	}
	if !ValidateCode(code) {
		return nil, utils.NewAppError(utils.CodeValidation, fmt.Sprintf("invalid location code %q", code), nil).
			WithDetail(FieldCode, "location_code")
	}

	parentPath := ""
	if in.ParentID != "" {
		parent, err := s.records.GetByID(ctx, in.ParentID, records.SkipCache())
		if err != nil {
			return nil, fmt.Errorf("failed to load parent location %s: %w", in.ParentID, err)
		}
		parentPath = parent.Data.String(FieldPath)
	}

	rec := records.Record{
		FieldEdgeID:   in.EdgeID,
		FieldParentID: in.ParentID,
		FieldCode:     code,
		FieldPath:     ComputePath(parentPath, code),
		"name":        in.Name,
		"type":        in.Type,
		"description": in.Description,
	}
	if in.Metadata != nil {
		rec[FieldMetadata] = in.Metadata
	}

	return s.records.Create(ctx, rec)
}

// Update applies changes to a location. A new parent is checked for cycles
// first; a new parent or code recomputes the path of the location and of
// every descendant.
func (s *Service) Update(ctx context.Context, id string, changes records.Record) (*records.RecordResponse, error) {
	if id == "" {
		return nil, records.ErrInvalidID
	}

	changes = changes.Clone()
	delete(changes, FieldPath)

	_, parentChanged := changes[FieldParentID]
	_, codeChanged := changes[FieldCode]
	if !parentChanged && !codeChanged {
		return s.records.Update(ctx, id, changes)
	}

	// Subtree rewrites run one at a time per collection.
	lease, err := s.locks.Lock(ctx, "hierarchy:"+s.records.Collection())
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	current, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return nil, err
	}

	parentID := current.Data.String(FieldParentID)
	if parentChanged {
		parentID, _ = changes[FieldParentID].(string)
		changes[FieldParentID] = parentID
	}

	code := current.Data.String(FieldCode)
	if codeChanged {
		code, _ = changes[FieldCode].(string)
		if !ValidateCode(code) {
			return nil, utils.NewAppError(utils.CodeValidation, fmt.Sprintf("invalid location code %q", code), nil).
				WithDetail(FieldCode, "location_code")
		}
	}

	if parentChanged && parentID != "" {
		circular, err := s.IsCircularReference(ctx, id, parentID)
		if err != nil {
			return nil, err
		}
		if circular {
			s.logger.Warn().Str("location_id", id).Str("parent_id", parentID).Msg("rejected parent change: circular reference")
			return nil, ErrCircularReference
		}
	}

	path, err := s.pathUnder(ctx, parentID, code)
	if err != nil {
		return nil, err
	}
	changes[FieldPath] = path

	updated, err := s.records.Update(ctx, id, changes)
	if err != nil {
		return nil, err
	}

	if path != current.Data.String(FieldPath) {
		if err := s.recomputeDescendants(ctx, id, path); err != nil {
			return updated, err
		}
	}

	return updated, nil
}

// MoveLocation reparents a location, "" making it a root.
func (s *Service) MoveLocation(ctx context.Context, id, newParentID string) (*records.RecordResponse, error) {
	return s.Update(ctx, id, records.Record{FieldParentID: newParentID})
}

// UpdateLocationPath rewrites the stored path of one location from parentID
// and its current code. Descendants are left alone.
func (s *Service) UpdateLocationPath(ctx context.Context, id, parentID string) (*records.RecordResponse, error) {
	current, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return nil, err
	}

	path, err := s.pathUnder(ctx, parentID, current.Data.String(FieldCode))
	if err != nil {
		return nil, err
	}

	return s.records.Update(ctx, id, records.Record{FieldPath: path})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.records.Delete(ctx, id)
}

// IsCircularReference walks the stored parent chain of potentialParentID.
// Reads bypass the cache so a concurrent move is not missed.
func (s *Service) IsCircularReference(ctx context.Context, locationID, potentialParentID string) (bool, error) {
	return IsCircularReference(ctx, s.parentOf, locationID, potentialParentID, s.maxDepth)
}

func (s *Service) parentOf(ctx context.Context, id string) (string, error) {
	resp, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return "", err
	}
	return resp.Data.String(FieldParentID), nil
}

// Tree returns the location forest of an edge, children ordered by code.
// Locations whose parent is not on the edge are treated as roots.
func (s *Service) Tree(ctx context.Context, edgeID string) ([]*Node, error) {
	if edgeID == "" {
		return nil, records.ErrInvalidID
	}

	all, err := s.records.ListAll(ctx, records.ListParams{Where: map[string]string{FieldEdgeID: edgeID}})
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*Node, len(all))
	for _, rec := range all {
		nodes[rec.ID()] = &Node{Location: rec}
	}

	var roots []*Node
	for _, rec := range all {
		node := nodes[rec.ID()]
		parent, ok := nodes[rec.String(FieldParentID)]
		if !ok || parent == node {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	// Locations on or below a stored parent cycle hang under no root. One
	// node of each cycle is detached from its parent and shown as a root.
	reached := make(map[*Node]bool, len(nodes))
	for _, root := range roots {
		markReached(root, reached)
	}
	for _, rec := range all {
		if reached[nodes[rec.ID()]] {
			continue
		}

		cut := nodes[rec.ID()]
		seen := make(map[*Node]bool)
		for !seen[cut] {
			seen[cut] = true
			cut = nodes[cut.Location.String(FieldParentID)]
		}
		s.logger.Warn().
			Str("edge_id", edgeID).
			Str("location_id", cut.Location.ID()).
			Str("parent_id", cut.Location.String(FieldParentID)).
			Msg("location is on a circular parent chain")

		parent := nodes[cut.Location.String(FieldParentID)]
		parent.Children = removeNode(parent.Children, cut)
		roots = append(roots, cut)
		markReached(cut, reached)
	}

	sortNodes(roots)
	return roots, nil
}

func markReached(node *Node, reached map[*Node]bool) {
	if reached[node] {
		return
	}
	reached[node] = true
	for _, child := range node.Children {
		markReached(child, reached)
	}
}

func removeNode(nodes []*Node, target *Node) []*Node {
	kept := nodes[:0]
	for _, n := range nodes {
		if n != target {
			kept = append(kept, n)
		}
	}
	return kept
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Location.String(FieldCode) < nodes[j].Location.String(FieldCode)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// UploadFloorPlan attaches an image to the location's floorplan field.
func (s *Service) UploadFloorPlan(ctx context.Context, id, filename string, r io.Reader) (*records.RecordResponse, error) {
	return s.records.Upload(ctx, id, nil, transport.File{Field: FieldFloorPlan, Name: filename, Reader: r})
}

// FloorPlanURL returns the file URL of a location's floor plan, or "" when it
// has none.
func (s *Service) FloorPlanURL(loc records.Record) string {
	filename := loc.String(FieldFloorPlan)
	if loc.ID() == "" || filename == "" {
		return ""
	}
	return s.records.Config().FileURL(s.records.Collection(), loc.ID(), filename)
}

// UpdateCoordinates merges lat/lng into metadata.coordinates, keeping any
// other keys already there.
func (s *Service) UpdateCoordinates(ctx context.Context, id string, coords Coordinates) (*records.RecordResponse, error) {
	current, err := s.records.GetByID(ctx, id, records.SkipCache())
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]any)
	for k, v := range current.Data.Map(FieldMetadata) {
		metadata[k] = v
	}

	merged := make(map[string]any)
	if existing, ok := metadata["coordinates"].(map[string]any); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	merged["lat"] = coords.Lat
	merged["lng"] = coords.Lng
	metadata["coordinates"] = merged

	return s.records.Update(ctx, id, records.Record{FieldMetadata: metadata})
}

func (s *Service) pathUnder(ctx context.Context, parentID, code string) (string, error) {
	if parentID == "" {
		return ComputePath("", code), nil
	}

	parent, err := s.records.GetByID(ctx, parentID, records.SkipCache())
	if err != nil {
		return "", fmt.Errorf("failed to load parent location %s: %w", parentID, err)
	}
	return ComputePath(parent.Data.String(FieldPath), code), nil
}

// recomputeDescendants rewrites the paths below rootID breadth first.
func (s *Service) recomputeDescendants(ctx context.Context, rootID, rootPath string) error {
	type pending struct {
		id   string
		path string
	}

	queue := []pending{{id: rootID, path: rootPath}}
	visited := map[string]struct{}{rootID: {}}
	updated := 0

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		children, err := s.records.ListAll(ctx, records.ListParams{
			Where:     map[string]string{FieldParentID: next.id},
			SkipCache: true,
		})
		if err != nil {
			return fmt.Errorf("failed to list children of %s: %w", next.id, err)
		}

		for _, child := range children {
			if _, seen := visited[child.ID()]; seen {
				continue
			}
			visited[child.ID()] = struct{}{}

			path := ComputePath(next.path, child.String(FieldCode))
			if path != child.String(FieldPath) {
				if _, err := s.records.Update(ctx, child.ID(), records.Record{FieldPath: path}); err != nil {
					return fmt.Errorf("failed to update path of %s: %w", child.ID(), err)
				}
				updated++
			}
			queue = append(queue, pending{id: child.ID(), path: path})
		}
	}

	if updated > 0 {
		s.logger.Debug().Str("location_id", rootID).Int("updated", updated).Msg("recomputed descendant paths")
	}
	return nil
}

func withWhere(where map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(where)+1)
	for k, v := range where {
		out[k] = v
	}
	out[key] = value
	return out
}
