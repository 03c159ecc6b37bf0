package connectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"weft/pkg/storage"
	"weft/pkg/vault"
)

type staticTokens struct {
	tok vault.Token
	err error
}

func (s *staticTokens) Exchange(context.Context, vault.OAuthConfig, string, string) (vault.Token, error) {
	return s.tok, s.err
}
func (s *staticTokens) Refresh(context.Context, vault.OAuthConfig, string) (vault.Token, error) {
	return s.tok, s.err
}

func slackRegistration() Registration {
	return Registration{
		Name:             "slack",
		AuthorizationURL: "https://slack.example.com/authorize",
		TokenURL:         "https://slack.example.com/oauth/token",
		ClientID:         "cid",
		ClientSecret:     "secret",
		Scope:            "chat:write",
	}
}

func defaults() vault.OAuthConfig {
	return vault.OAuthConfig{
		ExpiryBuffer:     time.Second,
		InitialBackoff:   time.Millisecond,
		BackoffIncrement: 2,
		WaitCountLimit:   2,
		ErrorLimit:       1,
	}
}

func TestRegistryRegisterAndSeal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(slackRegistration()))

	err := r.Register(slackRegistration())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register(Registration{Name: "broken"})) // no token_url

	r.Seal()
	hub := slackRegistration()
	hub.Name = "hubspot"
	assert.Error(t, r.Register(hub))
	assert.Equal(t, []string{"slack"}, r.Names())
}

func TestRegistryManifest(t *testing.T) {
	r := NewRegistry()
	err := r.LoadManifest([]byte(`
connectors:
  - name: slack
    authorization_url: https://slack.example.com/authorize
    token_url: https://slack.example.com/oauth/token
    client_id: cid
    client_secret: secret
    scope: chat:write
    error_limit: 7
  - name: hubspot
    authorization_url: https://hubspot.example.com/authorize
    token_url: https://hubspot.example.com/oauth/token
    client_id: cid2
    client_secret: secret2
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"hubspot", "slack"}, r.Names())

	reg, ok := r.Get("slack")
	require.True(t, ok)
	cfg := reg.OAuthConfig(defaults())
	assert.Equal(t, 7, cfg.ErrorLimit)
	assert.Equal(t, 2, cfg.WaitCountLimit) // platform default preserved
	assert.Equal(t, "chat:write", cfg.Scope)
}

func newProxy(t *testing.T, tokens vault.TokenSource) (*Proxy, *vault.Vault) {
	t.Helper()
	log := zap.NewNop().Sugar()
	v := vault.New(storage.NewMemory(), tokens, log, nil)
	r := NewRegistry()
	require.NoError(t, r.Register(slackRegistration()))
	return NewProxy(r, v, defaults(), log), v
}

func TestProxyResolvesValidClient(t *testing.T) {
	ctx := context.Background()
	p, v := newProxy(t, &staticTokens{})
	_, err := v.Store(ctx, "slack", "t1", vault.Token{AccessToken: "tok", TokenType: "Bearer", ExpiresIn: 3600})
	require.NoError(t, err)

	res := p.ClientFor(ctx, "slack", "t1")
	require.True(t, res.OK())
	client, ok := res.Client.(*BearerClient)
	require.True(t, ok)
	assert.Equal(t, "tok", client.AccessToken)
	assert.Equal(t, "Bearer", client.TokenType)
}

func TestProxyNeedsReauthWhenNeverAuthorized(t *testing.T) {
	p, _ := newProxy(t, &staticTokens{})
	res := p.ClientFor(context.Background(), "slack", "t-unknown")
	assert.Equal(t, ResolutionNeedsReauth, res.Kind)
	assert.ErrorIs(t, res.Err, vault.ErrCredentialNotFound)
}

func TestProxyNeedsReauthAfterRefreshBudget(t *testing.T) {
	ctx := context.Background()
	p, v := newProxy(t, &staticTokens{err: errors.New("invalid_grant")})
	// Expires inside the 1s expiry buffer, so the proxy must refresh.
	_, err := v.Store(ctx, "slack", "t1", vault.Token{AccessToken: "stale", RefreshToken: "r", ExpiresIn: 1})
	require.NoError(t, err)

	res := p.ClientFor(ctx, "slack", "t1")
	assert.Equal(t, ResolutionNeedsReauth, res.Kind)
	assert.ErrorIs(t, res.Err, vault.ErrReauthorizationRequired)
}

func TestProxyUnregisteredConnector(t *testing.T) {
	p, _ := newProxy(t, &staticTokens{})
	res := p.ClientFor(context.Background(), "salesforce", "t1")
	assert.Equal(t, ResolutionTransient, res.Kind)
	assert.Error(t, res.Err)
}

func TestProxyCustomFactory(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	v := vault.New(storage.NewMemory(), &staticTokens{}, log, nil)
	r := NewRegistry()
	require.NoError(t, r.Register(slackRegistration()))

	type slackSDK struct{ token string }
	r.RegisterFactory("slack", func(_ Registration, rec vault.Record) (any, error) {
		return &slackSDK{token: rec.AccessToken}, nil
	})
	p := NewProxy(r, v, defaults(), log)

	_, err := v.Store(ctx, "slack", "t1", vault.Token{AccessToken: "tok", ExpiresIn: 3600})
	require.NoError(t, err)

	res := p.ClientFor(ctx, "slack", "t1")
	require.True(t, res.OK())
	sdk, ok := res.Client.(*slackSDK)
	require.True(t, ok)
	assert.Equal(t, "tok", sdk.token)
}

func TestProxyAuthorizeURL(t *testing.T) {
	p, _ := newProxy(t, &staticTokens{})
	u, ok := p.AuthorizeURL("slack", "st", "https://cb.example.com")
	require.True(t, ok)
	assert.Contains(t, u, "https://slack.example.com/authorize?")

	_, ok = p.AuthorizeURL("nope", "st", "")
	assert.False(t, ok)
}
