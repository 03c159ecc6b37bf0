package entry

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"weft/pkg/middleware"
	"weft/pkg/runtime"
	"weft/pkg/tasks"
)

// Invocation is the serverless-style event envelope posted to the event
// endpoint, or passed directly when the adapter is used as a library.
type Invocation struct {
	Kind     runtime.Kind      `json:"kind"`
	Name     string            `json:"name"`
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	TenantID string            `json:"tenantId,omitempty"`
}

// handleEvent dispatches a cron/queue/event invocation. The response is
// always the structured result; only transport-level failures (bad JSON,
// full task channel) get a non-200 status.
func (a *Adapter) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "bad-request", "unreadable request body")
		return
	}
	var inv Invocation
	if err := json.Unmarshal(body, &inv); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad-request", "invocation is not valid JSON")
		return
	}
	if inv.Name == "" {
		writeProblem(w, http.StatusBadRequest, "bad-request", "invocation name is required")
		return
	}
	switch inv.Kind {
	case runtime.KindCron, runtime.KindQueue, runtime.KindEvent:
	default:
		writeProblem(w, http.StatusBadRequest, "bad-request", "invocation kind must be cron, queue, or event")
		return
	}

	res, err := a.InvokeEvent(r, inv)
	if errors.Is(err, tasks.ErrChannelBusy) {
		writeProblem(w, http.StatusTooManyRequests, "channel-busy", "task channel at capacity")
		return
	}
	if err != nil {
		a.log.Errorw("event admission failed", "name", inv.Name, "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InvokeEvent admits the invocation through its task channel, when the
// route declares one, and dispatches it.
func (a *Adapter) InvokeEvent(r *http.Request, inv Invocation) (runtime.EventResult, error) {
	ctx := r.Context()
	if cfg, ok := a.dispatcher.TaskConfigFor(inv.Kind, inv.Name); ok && a.limiter != nil {
		release, err := a.limiter.Acquire(ctx, inv.Name, cfg)
		if err != nil {
			return runtime.EventResult{}, err
		}
		defer release()
	}

	method := inv.Method
	if method == "" {
		if inv.Kind == runtime.KindCron {
			method = runtime.MethodCron
		} else {
			method = runtime.MethodEvent
		}
	}
	headers := http.Header{}
	for k, v := range inv.Headers {
		headers.Set(k, v)
	}
	req := &runtime.Request{
		Method:         method,
		Path:           inv.Name,
		Headers:        headers,
		Body:           inv.Body,
		AccountID:      chi.URLParam(r, "accountID"),
		SubscriptionID: chi.URLParam(r, "subscriptionID"),
		TenantID:       inv.TenantID,
		Caller:         middleware.CallerFrom(r.Context()),
	}
	return a.dispatcher.Invoke(ctx, inv.Kind, inv.Name, req), nil
}
