package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memClient is the in-memory backend used for dev bring-up and tests. It
// honors the same etag and prefix semantics as the Postgres backend.
type memClient struct {
	mu    sync.RWMutex
	items map[string]Entry
	now   func() time.Time
}

func NewMemory() Client {
	return &memClient{items: map[string]Entry{}, now: time.Now}
}

func (m *memClient) Get(_ context.Context, key string) (Entry, error) {
	key = NormalizeKey(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok || expired(e, m.now()) {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *memClient) Put(_ context.Context, key string, data json.RawMessage, opts PutOptions) (Entry, error) {
	key = NormalizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.items[key]
	if exists && expired(current, m.now()) {
		exists = false
	}
	if opts.ExpectedTag != "" {
		if !exists || current.ETag != opts.ExpectedTag {
			return Entry{}, ErrPreconditionFailed
		}
	}
	e := Entry{
		Data:    append(json.RawMessage(nil), data...),
		Tags:    cloneTags(opts.Tags),
		ETag:    uuid.NewString(),
		Expires: opts.Expires,
	}
	m.items[key] = e
	return cloneEntry(e), nil
}

func (m *memClient) Delete(_ context.Context, key string, opts DeleteOptions) error {
	key = NormalizeKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		if !opts.ForceRecursive {
			return ErrRootDelete
		}
		m.items = map[string]Entry{}
		return nil
	}

	prefix := key + "/"
	hasChildren := false
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			hasChildren = true
			break
		}
	}
	current, exists := m.items[key]

	if hasChildren && !opts.Recursive && !opts.ForceRecursive {
		return ErrNotEmpty
	}
	if !exists && !hasChildren {
		return ErrNotFound
	}
	if exists && opts.ExpectedTag != "" && current.ETag != opts.ExpectedTag {
		return ErrPreconditionFailed
	}

	delete(m.items, key)
	if opts.Recursive || opts.ForceRecursive {
		for k := range m.items {
			if strings.HasPrefix(k, prefix) {
				delete(m.items, k)
			}
		}
	}
	return nil
}

func (m *memClient) List(_ context.Context, prefix string, opts ListOptions) (Page, error) {
	prefix = NormalizeKey(prefix)
	count := opts.Count
	if count <= 0 {
		count = defaultListCount
	}
	after, err := decodeNext(opts.Next)
	if err != nil {
		return Page{}, err
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for k, e := range m.items {
		if expired(e, m.now()) {
			continue
		}
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+"/") {
			if after == "" || k > after {
				keys = append(keys, k)
			}
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	page := Page{Items: []Item{}}
	for _, k := range keys {
		if len(page.Items) == count {
			page.Next = encodeNext(page.Items[len(page.Items)-1].Key)
			break
		}
		m.mu.RLock()
		e := m.items[k]
		m.mu.RUnlock()
		page.Items = append(page.Items, Item{Key: k, Entry: cloneEntry(e)})
	}
	return page, nil
}

func encodeNext(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeNext(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrBadContinuation
	}
	return string(b), nil
}

func cloneEntry(e Entry) Entry {
	out := e
	out.Data = append(json.RawMessage(nil), e.Data...)
	out.Tags = cloneTags(e.Tags)
	return out
}

func cloneTags(t map[string]string) map[string]string {
	if t == nil {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
