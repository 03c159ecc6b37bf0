package connectors

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"weft/pkg/vault"
)

// Registration is the static, deploy-time configuration for one connector:
// OAuth endpoints, client credentials, and refresh policy overrides.
// Immutable during request processing.
type Registration struct {
	Name             string `yaml:"name"`
	AuthorizationURL string `yaml:"authorization_url"`
	TokenURL         string `yaml:"token_url"`
	RevocationURL    string `yaml:"revocation_url,omitempty"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	Scope            string `yaml:"scope,omitempty"`
	Audience         string `yaml:"audience,omitempty"`
	ExtraParams      string `yaml:"extra_params,omitempty"`

	// Zero values fall back to the platform-wide defaults.
	ExpiryBufferMS     int     `yaml:"expiry_buffer_ms,omitempty"`
	InitialBackoffMS   int     `yaml:"initial_backoff_ms,omitempty"`
	BackoffIncrement   float64 `yaml:"backoff_increment,omitempty"`
	WaitCountLimit     int     `yaml:"wait_count_limit,omitempty"`
	ErrorLimit         int     `yaml:"error_limit,omitempty"`
}

// OAuthConfig merges the registration with platform defaults into the shape
// the vault consumes.
func (r Registration) OAuthConfig(defaults vault.OAuthConfig) vault.OAuthConfig {
	cfg := defaults
	cfg.AuthorizationURL = r.AuthorizationURL
	cfg.TokenURL = r.TokenURL
	cfg.RevocationURL = r.RevocationURL
	cfg.ClientID = r.ClientID
	cfg.ClientSecret = r.ClientSecret
	cfg.Scope = r.Scope
	cfg.Audience = r.Audience
	cfg.ExtraParams = r.ExtraParams
	if r.ExpiryBufferMS > 0 {
		cfg.ExpiryBuffer = time.Duration(r.ExpiryBufferMS) * time.Millisecond
	}
	if r.InitialBackoffMS > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMS) * time.Millisecond
	}
	if r.BackoffIncrement > 0 {
		cfg.BackoffIncrement = r.BackoffIncrement
	}
	if r.WaitCountLimit > 0 {
		cfg.WaitCountLimit = r.WaitCountLimit
	}
	if r.ErrorLimit > 0 {
		cfg.ErrorLimit = r.ErrorLimit
	}
	return cfg
}

// Factory turns a registration plus a live credential into a ready-to-use
// client object. The shape of the client is connector-specific and opaque to
// the platform.
type Factory func(reg Registration, rec vault.Record) (any, error)

// BearerClient is the fallback client when no factory is registered: a plain
// HTTP client carrying the tenant's access token.
type BearerClient struct {
	AccessToken string
	TokenType   string
	HTTP        *http.Client
}

func defaultFactory(_ Registration, rec vault.Record) (any, error) {
	return &BearerClient{AccessToken: rec.AccessToken, TokenType: rec.TokenType, HTTP: http.DefaultClient}, nil
}

// Registry holds connector registrations and their client factories. Sealed
// once the handler manager publishes; reads after that need no locking.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Registration
	factories map[string]Factory
	sealed    bool
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Registration{}, factories: map[string]Factory{}}
}

func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("connectors: registration missing name")
	}
	if reg.TokenURL == "" {
		return fmt.Errorf("connectors: registration %q missing token_url", reg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("connectors: registry sealed, cannot register %q", reg.Name)
	}
	if _, exists := r.byName[reg.Name]; exists {
		return fmt.Errorf("connectors: %q already registered", reg.Name)
	}
	r.byName[reg.Name] = reg
	return nil
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Seal freezes the registry; called once at publish time.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

func (r *Registry) factory(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[name]; ok {
		return f
	}
	return defaultFactory
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// manifest is the YAML document shape for deploy-time registration.
type manifest struct {
	Connectors []Registration `yaml:"connectors"`
}

// LoadManifest parses a YAML manifest and registers every connector in it.
func (r *Registry) LoadManifest(data []byte) error {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("connectors: parsing manifest: %w", err)
	}
	for _, reg := range m.Connectors {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// LoadManifestFile reads and registers a manifest from disk.
func (r *Registry) LoadManifestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("connectors: reading manifest: %w", err)
	}
	return r.LoadManifest(data)
}
