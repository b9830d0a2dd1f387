// Package session resolves who is calling and for which organization. The
// resolved identity segments cache keys and stamps organization_id on
// created records.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/kv"
)

// Anonymous is the user id used when no session can be resolved.
const Anonymous = "anonymous"

// Keys under which the session is persisted.
const (
	KeyToken               = "token"
	KeyAuth                = "auth"
	KeyCurrentOrganization = "currentOrganization"
)

// Identity is the resolved caller. OrgID is empty when unknown.
type Identity struct {
	UserID string `json:"user_id" yaml:"user_id"`
	OrgID  string `json:"org_id" yaml:"org_id"`
}

func AnonymousIdentity() Identity {
	return Identity{UserID: Anonymous}
}

// Provider yields the identity for the current call.
type Provider interface {
	Identity(ctx context.Context) Identity
}

// Static always returns the same identity.
type Static Identity

func (s Static) Identity(context.Context) Identity {
	return Identity(s)
}

// AuthRecord is the persisted login: token plus the authenticated user.
type AuthRecord struct {
	Token        string         `json:"token,omitempty"`
	CurrentOrgID string         `json:"currentOrgId,omitempty"`
	User         map[string]any `json:"user,omitempty"`
}

// StoreResolver reads the persisted session on every call, so a login or
// organization switch in another process is picked up immediately.
type StoreResolver struct {
	store  kv.Store
	logger zerolog.Logger
}

func NewStoreResolver(store kv.Store, logger zerolog.Logger) *StoreResolver {
	return &StoreResolver{store: store, logger: logger}
}

// Token returns the persisted session token, or "".
func (r *StoreResolver) Token() string {
	value, ok, err := r.store.Get(KeyToken)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read session token")
		return ""
	}
	if !ok {
		return ""
	}
	return string(value)
}

// Identity tries, in order, the auth record, the token payload and the
// persisted current organization. Each source is best effort.
func (r *StoreResolver) Identity(_ context.Context) Identity {
	token := r.Token()
	if token == "" {
		return AnonymousIdentity()
	}

	id := AnonymousIdentity()

	if auth, ok := r.readAuth(); ok {
		switch {
		case auth.CurrentOrgID != "":
			id.OrgID = auth.CurrentOrgID
		default:
			id.OrgID = stringField(auth.User, "current_organization_id")
		}
		if userID := stringField(auth.User, "id"); userID != "" {
			id.UserID = userID
		}
	}

	if id.OrgID == "" {
		id.OrgID = r.orgFromToken(token)
	}

	if id.OrgID == "" {
		id.OrgID = r.storedOrganization()
	}

	return id
}

func (r *StoreResolver) readAuth() (AuthRecord, bool) {
	var auth AuthRecord

	raw, ok, err := r.store.Get(KeyAuth)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read auth record")
		return auth, false
	}
	if !ok {
		return auth, false
	}

	if err := json.Unmarshal(raw, &auth); err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse auth record")
		return auth, false
	}
	return auth, true
}

func (r *StoreResolver) orgFromToken(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return ""
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to decode token payload")
		return ""
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse token payload")
		return ""
	}

	return stringField(claims, "current_organization_id")
}

func (r *StoreResolver) storedOrganization() string {
	raw, ok, err := r.store.Get(KeyCurrentOrganization)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read current organization")
		return ""
	}
	if !ok {
		return ""
	}

	var org map[string]any
	if err := json.Unmarshal(raw, &org); err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse current organization")
		return ""
	}
	return stringField(org, "id")
}

// decodeSegment accepts both the unpadded URL alphabet JWTs use and padded
// standard base64.
func decodeSegment(segment string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return b, nil
	}
	if m := len(segment) % 4; m != 0 {
		segment += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(segment)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
