package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Token is the token endpoint response shape (RFC 6749 §5.1).
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// TokenSource talks to a connector's token endpoint. Tests swap in a fake.
type TokenSource interface {
	Exchange(ctx context.Context, cfg OAuthConfig, code, redirectURI string) (Token, error)
	Refresh(ctx context.Context, cfg OAuthConfig, refreshToken string) (Token, error)
}

// HTTPTokenSource posts form-encoded grants to the configured token URL.
type HTTPTokenSource struct {
	Client *http.Client
}

func NewHTTPTokenSource(client *http.Client) *HTTPTokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTokenSource{Client: client}
}

func (s *HTTPTokenSource) Exchange(ctx context.Context, cfg OAuthConfig, code, redirectURI string) (Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"redirect_uri":  {redirectURI},
	}
	return s.post(ctx, cfg.TokenURL, form)
}

func (s *HTTPTokenSource) Refresh(ctx context.Context, cfg OAuthConfig, refreshToken string) (Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	return s.post(ctx, cfg.TokenURL, form)
}

func (s *HTTPTokenSource) post(ctx context.Context, tokenURL string, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 256))
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("token endpoint returned malformed JSON: %w", err)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("token endpoint response missing access_token")
	}
	return tok, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Exchange runs the authorization-code exchange and persists the result as
// the tenant's credential record.
func (v *Vault) Exchange(ctx context.Context, cfg OAuthConfig, connector, tenant, code, redirectURI string) (Record, error) {
	tok, err := v.tokens.Exchange(ctx, cfg, code, redirectURI)
	if err != nil {
		return Record{}, err
	}
	return v.Store(ctx, connector, tenant, tok)
}

// AuthorizeURL builds the web authorization URL that starts the flow.
func AuthorizeURL(cfg OAuthConfig, state, redirectURI string) string {
	params := url.Values{
		"response_type": {"code"},
		"scope":         {cfg.Scope},
		"state":         {state},
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {redirectURI},
	}
	if cfg.Audience != "" {
		params.Set("audience", cfg.Audience)
	}
	u := cfg.AuthorizationURL + "?" + params.Encode()
	if cfg.ExtraParams != "" {
		u += "&" + cfg.ExtraParams
	}
	return u
}
