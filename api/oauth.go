package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

// ProviderIdentity is the externally verified identity returned by a
// completed OAuth exchange.
type ProviderIdentity struct {
	Subject  string
	Username string
	Email    string
}

// IdentityProvider starts and completes third-party logins.
type IdentityProvider interface {
	// AuthURL returns the provider's authorization URL and the state
	// token guarding the callback.
	AuthURL(ctx context.Context, provider, redirectURL string) (url, state string, err error)

	// Exchange validates the callback code and state and resolves the
	// external identity.
	Exchange(ctx context.Context, code, state string) (ProviderIdentity, error)
}

const oauthStateTTL = 10 * time.Minute

// StubProvider implements the login flow without a real upstream: it
// issues single-use states in the KV store and treats the callback code
// as the verified username. Real provider integrations replace it
// behind the same interface.
type StubProvider struct {
	kv      *db.KV
	baseURL string
}

// NewStubProvider creates the stand-in provider. baseURL is the address
// the auth URL points back at, normally the service's own callback.
func NewStubProvider(kv *db.KV, baseURL string) *StubProvider {
	return &StubProvider{kv: kv, baseURL: baseURL}
}

func oauthStateKey(state string) string { return "oauth:state:" + state }

func (p *StubProvider) AuthURL(ctx context.Context, provider, redirectURL string) (string, string, error) {
	if provider == "" {
		return "", "", common.NewValidation("provider is required")
	}
	state := uuid.New().String()
	if err := p.kv.Set(ctx, oauthStateKey(state), provider, oauthStateTTL); err != nil {
		return "", "", common.NewTransient(err, "failed to persist oauth state")
	}
	url := fmt.Sprintf("%s/auth/callback?provider=%s&state=%s", p.baseURL, provider, state)
	if redirectURL != "" {
		url += "&redirect_url=" + redirectURL
	}
	return url, state, nil
}

func (p *StubProvider) Exchange(ctx context.Context, code, state string) (ProviderIdentity, error) {
	if code == "" || state == "" {
		return ProviderIdentity{}, common.NewValidation("code and state are required")
	}
	// Single use: GETDEL consumes the state whether or not the exchange
	// succeeds afterwards.
	_, ok, err := p.kv.GetDel(ctx, oauthStateKey(state))
	if err != nil {
		return ProviderIdentity{}, common.NewTransient(err, "failed to verify oauth state")
	}
	if !ok {
		return ProviderIdentity{}, common.NewAuth("unknown or expired oauth state")
	}

	username := code
	email := code
	if !strings.Contains(email, "@") {
		email = code + "@external.invalid"
	}
	return ProviderIdentity{Subject: code, Username: username, Email: email}, nil
}
