// Package vault persists and refreshes OAuth credentials per (connector,
// tenant) pair. Records live behind the storage client; concurrent
// refreshers coordinate through the storage etag, never an in-process lock,
// because competing invocations may run in separate processes.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"weft/pkg/metrics"
	"weft/pkg/storage"
)

var (
	ErrCredentialNotFound      = errors.New("vault: credential not found")
	ErrReauthorizationRequired = errors.New("vault: reauthorization required")
)

// RefreshFailedError reports an exhausted refresh budget; the credential is
// still present and a later invocation may retry.
type RefreshFailedError struct {
	Connector string
	Attempts  int
	Err       error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("vault: refresh for %s failed after %d attempts: %v", e.Connector, e.Attempts, e.Err)
}
func (e *RefreshFailedError) Unwrap() error { return e.Err }

type Status string

const (
	StatusAuthorized     Status = "authorized"
	StatusRefreshError   Status = "refresh_error"
	StatusReauthRequired Status = "reauthorization_required"
)

// Record is the stored credential state for one (connector, tenant) pair.
type Record struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token,omitempty"`
	TokenType         string    `json:"token_type,omitempty"`
	Scope             string    `json:"scope,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	Status            Status    `json:"status"`
	RefreshErrorCount int       `json:"refresh_error_count,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Valid reports whether the access token is usable at now, honoring the
// expiry buffer: a token inside the buffer is treated as expired.
func (r Record) Valid(now time.Time, buffer time.Duration) bool {
	if r.AccessToken == "" {
		return false
	}
	return r.ExpiresAt.IsZero() || r.ExpiresAt.After(now.Add(buffer))
}

// OAuthConfig is the per-connector endpoint and policy configuration the
// vault needs. It is supplied by the connector registry on every call so the
// vault itself stays connector-agnostic.
type OAuthConfig struct {
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string
	ClientID         string
	ClientSecret     string
	Scope            string
	Audience         string
	ExtraParams      string

	ExpiryBuffer     time.Duration
	InitialBackoff   time.Duration
	BackoffIncrement float64
	WaitCountLimit   int
	ErrorLimit       int
}

type Vault struct {
	store   storage.Client
	tokens  TokenSource
	log     *zap.SugaredLogger
	metrics *metrics.Collector

	group singleflight.Group
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(store storage.Client, tokens TokenSource, log *zap.SugaredLogger, m *metrics.Collector) *Vault {
	return &Vault{
		store:   store,
		tokens:  tokens,
		log:     log,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func identityKey(connector, tenant string) string {
	return "connector/" + url.PathEscape(connector) + "/identity/" + url.PathEscape(tenant)
}

// Get returns the stored credential record without refreshing it.
func (v *Vault) Get(ctx context.Context, connector, tenant string) (Record, error) {
	rec, _, err := v.load(ctx, connector, tenant)
	return rec, err
}

func (v *Vault) load(ctx context.Context, connector, tenant string) (Record, string, error) {
	entry, err := v.store.Get(ctx, identityKey(connector, tenant))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, "", ErrCredentialNotFound
	}
	if err != nil {
		return Record{}, "", err
	}
	var rec Record
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return Record{}, "", fmt.Errorf("vault: corrupt credential record: %w", err)
	}
	return rec, entry.ETag, nil
}

func (v *Vault) save(ctx context.Context, connector, tenant string, rec Record, expectedTag string) (string, error) {
	rec.UpdatedAt = v.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	entry, err := v.store.Put(ctx, identityKey(connector, tenant), data, storage.PutOptions{
		ExpectedTag: expectedTag,
		Tags:        map[string]string{"connector": connector, "status": string(rec.Status)},
	})
	if err != nil {
		return "", err
	}
	return entry.ETag, nil
}

// Store records a freshly exchanged token set, overwriting whatever was
// there. Used after a completed authorization flow; refresh goes through
// Ensure.
func (v *Vault) Store(ctx context.Context, connector, tenant string, tok Token) (Record, error) {
	rec := recordFromToken(tok, Record{}, v.now())
	if _, err := v.save(ctx, connector, tenant, rec, ""); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the credential and anything stored beneath it. This is the
// tenant-removal flow; automatic refresh never deletes records.
func (v *Vault) Delete(ctx context.Context, connector, tenant string) error {
	err := v.store.Delete(ctx, identityKey(connector, tenant), storage.DeleteOptions{Recursive: true})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCredentialNotFound
	}
	return err
}

// Ensure returns a credential with a valid access token, refreshing it first
// when expired or inside the expiry buffer. Within one process concurrent
// calls for the same pair collapse into a single refresh; across processes
// the conditional write decides the winner and losers re-read the winning
// record.
func (v *Vault) Ensure(ctx context.Context, cfg OAuthConfig, connector, tenant string) (Record, error) {
	out, err, _ := v.group.Do(identityKey(connector, tenant), func() (any, error) {
		return v.ensure(ctx, cfg, connector, tenant)
	})
	if err != nil {
		return Record{}, err
	}
	return out.(Record), nil
}

func (v *Vault) ensure(ctx context.Context, cfg OAuthConfig, connector, tenant string) (Record, error) {
	rec, etag, err := v.load(ctx, connector, tenant)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusReauthRequired {
		return Record{}, ErrReauthorizationRequired
	}
	if rec.Valid(v.now(), cfg.ExpiryBuffer) {
		return rec, nil
	}
	if rec.RefreshToken == "" {
		// Nothing to refresh with; only a new authorization flow can help.
		rec.Status = StatusReauthRequired
		if _, err := v.save(ctx, connector, tenant, rec, etag); err != nil && !errors.Is(err, storage.ErrPreconditionFailed) {
			return Record{}, err
		}
		return Record{}, ErrReauthorizationRequired
	}
	return v.refresh(ctx, cfg, connector, tenant, rec, etag)
}

func (v *Vault) refresh(ctx context.Context, cfg OAuthConfig, connector, tenant string, rec Record, etag string) (Record, error) {
	backoff := cfg.InitialBackoff
	attempts := 0
	var lastErr error

	for attempts < cfg.WaitCountLimit {
		attempts++

		tok, err := v.tokens.Refresh(ctx, cfg, rec.RefreshToken)
		if err == nil {
			next := recordFromToken(tok, rec, v.now())
			_, saveErr := v.save(ctx, connector, tenant, next, etag)
			if saveErr == nil {
				v.metrics.Refresh(connector, "ok")
				return next, nil
			}
			if errors.Is(saveErr, storage.ErrPreconditionFailed) {
				// Another process refreshed first; its record wins.
				current, curTag, loadErr := v.load(ctx, connector, tenant)
				if loadErr != nil {
					return Record{}, loadErr
				}
				if current.Valid(v.now(), cfg.ExpiryBuffer) {
					v.metrics.Refresh(connector, "lost_race")
					return current, nil
				}
				rec, etag = current, curTag
				continue
			}
			return Record{}, saveErr
		}

		lastErr = err
		rec.RefreshErrorCount++
		rec.Status = StatusRefreshError
		if rec.RefreshErrorCount > cfg.ErrorLimit {
			rec.Status = StatusReauthRequired
			if _, werr := v.save(ctx, connector, tenant, rec, ""); werr != nil {
				v.log.Warnw("vault: recording reauth state failed", "connector", connector, "err", werr)
			}
			v.metrics.Refresh(connector, "reauth_required")
			return Record{}, ErrReauthorizationRequired
		}
		if newTag, werr := v.save(ctx, connector, tenant, rec, etag); werr == nil {
			etag = newTag
		} else if errors.Is(werr, storage.ErrPreconditionFailed) {
			current, curTag, loadErr := v.load(ctx, connector, tenant)
			if loadErr == nil {
				if current.Valid(v.now(), cfg.ExpiryBuffer) {
					v.metrics.Refresh(connector, "lost_race")
					return current, nil
				}
				rec, etag = current, curTag
			}
		}

		v.log.Warnw("vault: token refresh attempt failed",
			"connector", connector, "attempt", rec.RefreshErrorCount, "limit", cfg.ErrorLimit, "err", err)
		if attempts < cfg.WaitCountLimit {
			if serr := v.sleep(ctx, backoff); serr != nil {
				return Record{}, serr
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffIncrement)
		}
	}

	v.metrics.Refresh(connector, "failed")
	return Record{}, &RefreshFailedError{Connector: connector, Attempts: attempts, Err: lastErr}
}

func recordFromToken(tok Token, prev Record, now time.Time) Record {
	rec := Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		Status:       StatusAuthorized,
	}
	// Token endpoints may omit the refresh token on rotation; keep the one
	// we already hold.
	if rec.RefreshToken == "" {
		rec.RefreshToken = prev.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		rec.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return rec
}
