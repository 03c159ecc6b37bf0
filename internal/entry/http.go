// Package entry normalizes the hosting transport into the runtime's request
// shape. The adapters are pure translation; routing, security, and business
// logic all live behind the dispatcher.
package entry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"weft/pkg/middleware"
	"weft/pkg/problems"
	"weft/pkg/runtime"
	"weft/pkg/storage"
	"weft/pkg/tasks"
)

// maxBodyBytes bounds inbound payloads before they reach handler code.
const maxBodyBytes = 1 << 20

// Dispatcher is the published runtime surface the adapters translate onto.
// Satisfied by the handler manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *runtime.Request) runtime.Response
	Invoke(ctx context.Context, kind runtime.Kind, name string, req *runtime.Request) runtime.EventResult
	TaskConfigFor(kind runtime.Kind, name string) (runtime.TaskConfig, bool)
}

type Adapter struct {
	dispatcher Dispatcher
	store      runtime.StorageProvider
	limiter    tasks.Limiter
	log        *zap.SugaredLogger
}

func NewAdapter(d Dispatcher, store runtime.StorageProvider, limiter tasks.Limiter, log *zap.SugaredLogger) *Adapter {
	return &Adapter{dispatcher: d, store: store, limiter: limiter, log: log}
}

// Mount attaches the account/subscription-scoped surface to a chi router:
// the dispatch catch-all, the event invocation endpoint, and the storage
// API.
func (a *Adapter) Mount(r chi.Router) {
	r.Route("/v1/account/{accountID}/subscription/{subscriptionID}", func(r chi.Router) {
		r.Post("/event", a.handleEvent)
		r.Route("/storage", func(r chi.Router) {
			r.Get("/*", a.storageGet)
			r.Put("/*", a.storagePut)
			r.Delete("/*", a.storageDelete)
		})
		r.HandleFunc("/*", a.handleDispatch)
	})
}

// handleDispatch translates a raw HTTP request into a normalized dispatch
// and writes the structured response back.
func (a *Adapter) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad-request", "unreadable request body")
		return
	}

	req := &runtime.Request{
		Method:         r.Method,
		Path:           "/" + chi.URLParam(r, "*"),
		Headers:        r.Header,
		Query:          r.URL.Query(),
		Body:           body,
		AccountID:      chi.URLParam(r, "accountID"),
		SubscriptionID: chi.URLParam(r, "subscriptionID"),
		Caller:         middleware.CallerFrom(r.Context()),
	}
	writeResponse(w, a.dispatcher.Dispatch(r.Context(), req))
}

func writeResponse(w http.ResponseWriter, resp runtime.Response) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.BodyEncoding != "" {
		w.Header().Set("X-Body-Encoding", resp.BodyEncoding)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeProblem(w http.ResponseWriter, status int, slug, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slug),
		"title":  title,
		"status": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// scopedStore builds the storage client for the request's partition.
func (a *Adapter) scopedStore(r *http.Request) storage.Client {
	return a.store(chi.URLParam(r, "accountID"), chi.URLParam(r, "subscriptionID"))
}
