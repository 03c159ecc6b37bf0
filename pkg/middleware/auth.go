package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"weft/pkg/config"
	"weft/pkg/runtime"
)

type callerCtxKey struct{}

// CallerFrom returns the authenticated caller attached by Authenticate, if
// any.
func CallerFrom(ctx context.Context) runtime.Caller {
	if c, ok := ctx.Value(callerCtxKey{}).(runtime.Caller); ok {
		return c
	}
	return runtime.Caller{}
}

// WithCaller attaches a caller to the context; for transports that
// authenticate out of band.
func WithCaller(ctx context.Context, c runtime.Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, c)
}

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu   sync.RWMutex
	sets map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

// Authenticate parses a bearer token when one is present and attaches the
// resulting caller to the request context. It never rejects on its own:
// per-route security is enforced at dispatch, so an absent or invalid token
// just yields an unauthenticated caller.
func Authenticate(cfg config.Config, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	cache := &jwksCache{}
	jwksTTL := 6 * time.Hour
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			raw := strings.TrimSpace(authz[len("Bearer "):])

			if cfg.Issuer == "" || cfg.JWKSURL == "" {
				log.Warnw("bearer token presented but auth is not configured")
				next.ServeHTTP(w, r)
				return
			}
			set, err := cache.get(r.Context(), cfg.JWKSURL, jwksTTL)
			if err != nil {
				log.Errorw("jwks fetch failed", "url", cfg.JWKSURL, "err", err)
				next.ServeHTTP(w, r)
				return
			}

			parseOpts := []jwt.ParseOption{
				jwt.WithKeySet(set),
				jwt.WithIssuer(strings.TrimRight(cfg.Issuer, "/")),
				jwt.WithValidate(true),
				jwt.WithVerify(true),
			}
			if cfg.Audience != "" {
				parseOpts = append(parseOpts, jwt.WithAudience(cfg.Audience))
			}
			jt, err := jwt.Parse([]byte(raw), parseOpts...)
			if err != nil {
				log.Debugw("bearer token rejected", "err", err)
				next.ServeHTTP(w, r)
				return
			}

			caller := runtime.Caller{
				Subject:       jt.Subject(),
				Authenticated: true,
				Permissions:   permissionsFrom(jt),
			}
			ctx := context.WithValue(r.Context(), callerCtxKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// permissionsFrom reads the permissions claim, a list of {action, resource}
// objects.
func permissionsFrom(jt jwt.Token) []runtime.Access {
	raw, ok := jt.Get("permissions")
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []runtime.Access
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
