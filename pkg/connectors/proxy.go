package connectors

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"weft/pkg/vault"
)

// ResolutionKind tags the outcome of a client resolution so handler code is
// forced to branch explicitly instead of catching exceptions.
type ResolutionKind int

const (
	// ResolutionOK carries a ready client with a token valid at time of
	// return.
	ResolutionOK ResolutionKind = iota
	// ResolutionNeedsReauth means the tenant never authorized, or the
	// refresh budget is exhausted; the tenant must complete the OAuth flow
	// again.
	ResolutionNeedsReauth
	// ResolutionTransient covers infrastructure failures worth retrying on
	// a later invocation.
	ResolutionTransient
)

// Resolution is the tagged result of ClientFor.
type Resolution struct {
	Kind   ResolutionKind
	Client any
	Record vault.Record
	Err    error
}

func (r Resolution) OK() bool { return r.Kind == ResolutionOK }

// Proxy exchanges a tenant identity for a live, authorized client, hiding
// the OAuth mechanics from handler code.
type Proxy struct {
	registry *Registry
	vault    *vault.Vault
	defaults vault.OAuthConfig
	log      *zap.SugaredLogger
}

func NewProxy(registry *Registry, v *vault.Vault, defaults vault.OAuthConfig, log *zap.SugaredLogger) *Proxy {
	return &Proxy{registry: registry, vault: v, defaults: defaults, log: log}
}

// ClientFor resolves an authorized client for (connector, tenant). A valid
// stored token is served without a refresh round-trip; an expired one is
// refreshed first.
func (p *Proxy) ClientFor(ctx context.Context, connector, tenant string) Resolution {
	reg, ok := p.registry.Get(connector)
	if !ok {
		// Dependency validation happens at startup, so this is a wiring
		// bug rather than a tenant problem.
		return Resolution{Kind: ResolutionTransient, Err: errors.New("connectors: " + connector + " is not registered")}
	}

	rec, err := p.vault.Ensure(ctx, reg.OAuthConfig(p.defaults), connector, tenant)
	switch {
	case err == nil:
	case errors.Is(err, vault.ErrCredentialNotFound),
		errors.Is(err, vault.ErrReauthorizationRequired):
		return Resolution{Kind: ResolutionNeedsReauth, Err: err}
	default:
		return Resolution{Kind: ResolutionTransient, Err: err}
	}

	client, err := p.registry.factory(connector)(reg, rec)
	if err != nil {
		p.log.Errorw("connector factory failed", "connector", connector, "err", err)
		return Resolution{Kind: ResolutionTransient, Err: err}
	}
	return Resolution{Kind: ResolutionOK, Client: client, Record: rec}
}

// AuthorizeURL builds the authorization URL for a connector, used by
// handlers presenting a reauthorization prompt.
func (p *Proxy) AuthorizeURL(connector, state, redirectURI string) (string, bool) {
	reg, ok := p.registry.Get(connector)
	if !ok {
		return "", false
	}
	return vault.AuthorizeURL(reg.OAuthConfig(p.defaults), state, redirectURI), true
}
