package entry

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"weft/pkg/storage"
)

// storageItem is the wire shape of one stored entry.
type storageItem struct {
	Key     string            `json:"key,omitempty"`
	Data    json.RawMessage   `json:"data"`
	Tags    map[string]string `json:"tags,omitempty"`
	ETag    string            `json:"etag"`
	Expires string            `json:"expires,omitempty"`
}

type storagePage struct {
	Items []storageItem `json:"items"`
	Next  string        `json:"next,omitempty"`
}

func toItem(key string, e storage.Entry) storageItem {
	item := storageItem{Key: key, Data: e.Data, Tags: e.Tags, ETag: e.ETag}
	if !e.Expires.IsZero() {
		item.Expires = e.Expires.UTC().Format(time.RFC3339)
	}
	return item
}

// storageGet serves a single entry, or a page when the key ends with "/*".
func (a *Adapter) storageGet(w http.ResponseWriter, r *http.Request) {
	store := a.scopedStore(r)
	key := chi.URLParam(r, "*")

	if strings.HasSuffix(key, "*") {
		a.storageList(w, r, store, strings.TrimSuffix(key, "*"))
		return
	}

	entry, err := store.Get(r.Context(), key)
	if err != nil {
		a.storageError(w, err)
		return
	}
	w.Header().Set("ETag", entry.ETag)
	writeJSON(w, http.StatusOK, toItem(key, entry))
}

func (a *Adapter) storageList(w http.ResponseWriter, r *http.Request, store storage.Client, prefix string) {
	opts := storage.ListOptions{Next: r.URL.Query().Get("next")}
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			writeProblem(w, http.StatusBadRequest, "bad-request", "count must be a positive integer")
			return
		}
		opts.Count = n
	}

	page, err := store.List(r.Context(), prefix, opts)
	if err != nil {
		a.storageError(w, err)
		return
	}
	out := storagePage{Items: make([]storageItem, 0, len(page.Items)), Next: page.Next}
	for _, it := range page.Items {
		out.Items = append(out.Items, toItem(it.Key, it.Entry))
	}
	writeJSON(w, http.StatusOK, out)
}

// storagePut writes an entry. An If-Match header makes the write
// conditional on the current etag.
func (a *Adapter) storagePut(w http.ResponseWriter, r *http.Request) {
	store := a.scopedStore(r)
	key := chi.URLParam(r, "*")

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad-request", "unreadable request body")
		return
	}
	var body struct {
		Data    json.RawMessage   `json:"data"`
		Tags    map[string]string `json:"tags"`
		Expires string            `json:"expires"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Data) == 0 {
		writeProblem(w, http.StatusBadRequest, "bad-request", "body must carry a data field")
		return
	}

	opts := storage.PutOptions{
		ExpectedTag: strings.Trim(r.Header.Get("If-Match"), `"`),
		Tags:        body.Tags,
	}
	if body.Expires != "" {
		t, err := time.Parse(time.RFC3339, body.Expires)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "bad-request", "expires must be an RFC3339 timestamp")
			return
		}
		opts.Expires = t
	}

	entry, err := store.Put(r.Context(), key, body.Data, opts)
	if err != nil {
		a.storageError(w, err)
		return
	}
	w.Header().Set("ETag", entry.ETag)
	writeJSON(w, http.StatusOK, toItem(key, entry))
}

// storageDelete removes a key, or a subtree with ?recursive=true. Deleting
// the partition root additionally requires forceRecursive.
func (a *Adapter) storageDelete(w http.ResponseWriter, r *http.Request) {
	store := a.scopedStore(r)
	key := chi.URLParam(r, "*")

	q := r.URL.Query()
	opts := storage.DeleteOptions{
		Recursive:      q.Get("recursive") == "true",
		ForceRecursive: q.Get("forceRecursive") == "true",
		ExpectedTag:    strings.Trim(r.Header.Get("If-Match"), `"`),
	}
	if err := store.Delete(r.Context(), key, opts); err != nil {
		a.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not-found", "no such storage key")
	case errors.Is(err, storage.ErrPreconditionFailed):
		writeProblem(w, http.StatusPreconditionFailed, "precondition-failed", "etag mismatch")
	case errors.Is(err, storage.ErrNotEmpty):
		writeProblem(w, http.StatusConflict, "not-empty", "key prefix is not empty")
	case errors.Is(err, storage.ErrRootDelete):
		writeProblem(w, http.StatusConflict, "root-delete", "deleting the root requires forceRecursive")
	case errors.Is(err, storage.ErrBadContinuation):
		writeProblem(w, http.StatusBadRequest, "bad-request", "malformed continuation token")
	default:
		a.log.Errorw("storage operation failed", "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
