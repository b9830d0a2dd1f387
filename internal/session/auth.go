package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/transport"
	"github.com/sumandas0/fleetadmin/pkg/utils"
)

type authResponse struct {
	Token  string         `json:"token"`
	Record map[string]any `json:"record"`
}

// Authenticator logs in against the auth collection and persists the result
// where StoreResolver reads it.
type Authenticator struct {
	client     *transport.Client
	store      kv.Store
	collection string
	logger     zerolog.Logger
}

// NewAuthenticator authenticates against {basePath}/collections/{collection}.
func NewAuthenticator(client *transport.Client, store kv.Store, basePath, collection string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		client:     client,
		store:      store,
		collection: fmt.Sprintf("%s/collections/%s", basePath, collection),
		logger:     logger,
	}
}

func (a *Authenticator) Login(ctx context.Context, identity, password string) (*AuthRecord, error) {
	if identity == "" || password == "" {
		return nil, utils.NewAppError(utils.CodeInvalidInput, "identity and password are required", nil)
	}

	env, err := a.client.Create(ctx, a.collection+"/auth-with-password", map[string]string{
		"identity": identity,
		"password": password,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("identity", identity).Msg("login failed")
		return nil, err
	}

	return a.persist(env)
}

// Refresh exchanges the current token for a new one.
func (a *Authenticator) Refresh(ctx context.Context) (*AuthRecord, error) {
	env, err := a.client.Create(ctx, a.collection+"/auth-refresh", nil)
	if err != nil {
		a.logger.Error().Err(err).Msg("token refresh failed")
		return nil, err
	}

	return a.persist(env)
}

// Logout forgets the session. Missing keys are not an error.
func (a *Authenticator) Logout() error {
	for _, key := range []string{KeyToken, KeyAuth, KeyCurrentOrganization} {
		if err := a.store.Delete(key); err != nil {
			return fmt.Errorf("failed to clear %s: %w", key, err)
		}
	}
	return nil
}

// SetOrganization makes org the active organization for later writes.
func (a *Authenticator) SetOrganization(org map[string]any) error {
	id, _ := org["id"].(string)
	if id == "" {
		return utils.NewAppError(utils.CodeInvalidInput, "organization id is required", nil)
	}

	raw, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("failed to encode organization: %w", err)
	}
	if err := a.store.Set(KeyCurrentOrganization, raw); err != nil {
		return fmt.Errorf("failed to store organization: %w", err)
	}

	auth, ok := NewStoreResolver(a.store, a.logger).readAuth()
	if !ok {
		return nil
	}
	auth.CurrentOrgID = id
	return a.writeAuth(auth)
}

func (a *Authenticator) persist(env *transport.Envelope) (*AuthRecord, error) {
	var resp authResponse
	if err := env.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, utils.NewAppError(utils.CodeUnauthorized, "auth response carried no token", nil)
	}

	auth := AuthRecord{
		Token: resp.Token,
		User:  resp.Record,
	}
	if previous, ok := NewStoreResolver(a.store, a.logger).readAuth(); ok {
		auth.CurrentOrgID = previous.CurrentOrgID
	}

	if err := a.store.Set(KeyToken, []byte(resp.Token)); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	if err := a.writeAuth(auth); err != nil {
		return nil, err
	}

	a.logger.Info().Str("user_id", stringField(resp.Record, "id")).Msg("session stored")
	return &auth, nil
}

func (a *Authenticator) writeAuth(auth AuthRecord) error {
	raw, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to encode auth record: %w", err)
	}
	if err := a.store.Set(KeyAuth, raw); err != nil {
		return fmt.Errorf("failed to store auth record: %w", err)
	}
	return nil
}
