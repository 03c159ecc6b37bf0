package storage

import (
	"context"
	"encoding/json"
	"net/url"
)

// scopedClient prefixes every key with the account/subscription namespace on
// the server side. Handler code never sees or supplies the prefix, so a
// request context can only ever reach its own partition.
type scopedClient struct {
	inner  Client
	prefix string
}

// Scoped returns a Client confined to the (accountID, subscriptionID)
// namespace of inner. IDs are URL-escaped so they cannot smuggle separators.
func Scoped(inner Client, accountID, subscriptionID string) Client {
	return &scopedClient{
		inner: inner,
		prefix: "account/" + url.PathEscape(accountID) +
			"/subscription/" + url.PathEscape(subscriptionID) + "/root",
	}
}

func (s *scopedClient) qualify(key string) string {
	key = NormalizeKey(key)
	if key == "" {
		return s.prefix
	}
	return s.prefix + "/" + key
}

func (s *scopedClient) Get(ctx context.Context, key string) (Entry, error) {
	return s.inner.Get(ctx, s.qualify(key))
}

func (s *scopedClient) Put(ctx context.Context, key string, data json.RawMessage, opts PutOptions) (Entry, error) {
	return s.inner.Put(ctx, s.qualify(key), data, opts)
}

func (s *scopedClient) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	if NormalizeKey(key) == "" && !opts.ForceRecursive {
		return ErrRootDelete
	}
	if NormalizeKey(key) == "" {
		opts.Recursive = true
	}
	return s.inner.Delete(ctx, s.qualify(key), opts)
}

func (s *scopedClient) List(ctx context.Context, prefix string, opts ListOptions) (Page, error) {
	page, err := s.inner.List(ctx, s.qualify(prefix), opts)
	if err != nil {
		return Page{}, err
	}
	// Strip the namespace so callers see the keys they wrote.
	for i := range page.Items {
		page.Items[i].Key = trimScope(page.Items[i].Key, s.prefix)
	}
	return page, nil
}

func trimScope(key, prefix string) string {
	if key == prefix {
		return ""
	}
	if len(key) > len(prefix) && key[:len(prefix)+1] == prefix+"/" {
		return key[len(prefix)+1:]
	}
	return key
}
