// Package storage provides the tenant-scoped key/value access contract used
// both by the platform (credential records) and by handler code (arbitrary
// application data). Keys form a slash-separated hierarchy; writes carry an
// opaque etag for optimistic concurrency.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("storage: item not found")
	ErrPreconditionFailed = errors.New("storage: etag precondition failed")
	ErrNotEmpty           = errors.New("storage: key prefix is not empty")
	ErrRootDelete         = errors.New("storage: refusing to delete the storage root without forceRecursive")
	ErrBadContinuation    = errors.New("storage: malformed continuation token")
)

// Entry is the stored wire shape: data plus tags, an opaque etag, and an
// optional expiry.
type Entry struct {
	Data    json.RawMessage   `json:"data"`
	Tags    map[string]string `json:"tags,omitempty"`
	ETag    string            `json:"etag"`
	Expires time.Time         `json:"expires,omitempty"`
}

// Item is an Entry together with the key it lives under; returned by List.
type Item struct {
	Key string `json:"storageId"`
	Entry
}

// Page is one page of a lexicographically ordered listing. Next is an opaque
// continuation token; empty means the listing is complete.
type Page struct {
	Items []Item `json:"items"`
	Next  string `json:"next,omitempty"`
}

type PutOptions struct {
	// ExpectedTag, when non-empty, makes the write conditional: it fails
	// with ErrPreconditionFailed unless the stored etag matches.
	ExpectedTag string
	Tags        map[string]string
	Expires     time.Time
}

type DeleteOptions struct {
	// Recursive removes every key under the prefix. Without it, deleting a
	// key that still has children fails with ErrNotEmpty.
	Recursive bool
	// ForceRecursive is additionally required to wipe an entire namespace
	// (empty key).
	ForceRecursive bool
	ExpectedTag    string
}

type ListOptions struct {
	Count int
	Next  string
}

// Client is the narrow storage contract. All implementations order List
// results lexicographically by key and reject stale conditional writes.
type Client interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, data json.RawMessage, opts PutOptions) (Entry, error)
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	List(ctx context.Context, prefix string, opts ListOptions) (Page, error)
}

const defaultListCount = 25

// NormalizeKey trims surrounding slashes and collapses empty segments so that
// "a/b", "/a/b" and "a/b/" address the same item.
func NormalizeKey(key string) string {
	parts := strings.Split(key, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

func expired(e Entry, now time.Time) bool {
	return !e.Expires.IsZero() && !e.Expires.After(now)
}
