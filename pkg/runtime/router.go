package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"weft/pkg/metrics"
	"weft/pkg/problems"
)

type segment struct {
	literal string
	param   string // non-empty for ":name" segments
}

type compiledRoute struct {
	Route
	segments []segment
	filter   *jmespath.JMESPath
}

// Options carries the router's injected collaborators. Metrics and Policy
// may be nil.
type Options struct {
	Log        *zap.SugaredLogger
	Metrics    *metrics.Collector
	Clients    ClientProvider
	Storage    StorageProvider
	Policy     PolicyEvaluator
	Middleware []Middleware
}

// Router dispatches normalized requests against an immutable compiled route
// table. It holds no durable state of its own.
type Router struct {
	opts   Options
	routes []*compiledRoute
}

// NewRouter validates and compiles the route table. The table is fixed for
// the router's lifetime; registration happens before, in the handler
// manager.
func NewRouter(routes []Route, opts Options) (*Router, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	r := &Router{opts: opts}
	for _, rt := range routes {
		cr, err := compile(rt)
		if err != nil {
			return nil, err
		}
		r.routes = append(r.routes, cr)
	}
	return r, nil
}

// Routes returns a copy of the table for publication surfaces (OpenAPI).
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, cr := range r.routes {
		out = append(out, cr.Route)
	}
	return out
}

func compile(rt Route) (*compiledRoute, error) {
	if rt.Handler == nil {
		return nil, fmt.Errorf("runtime: route %s %s has no handler", rt.Method, rt.Path)
	}
	if rt.Kind == "" {
		rt.Kind = KindHTTP
	}
	if err := validateSecurity(rt); err != nil {
		return nil, err
	}

	cr := &compiledRoute{Route: rt}
	switch rt.Kind {
	case KindHTTP:
		if !strings.HasPrefix(rt.Path, "/") {
			return nil, fmt.Errorf("runtime: http route path %q must start with /", rt.Path)
		}
		if rt.Filter != "" {
			return nil, fmt.Errorf("runtime: http route %q cannot carry an event filter", rt.Path)
		}
		for _, s := range strings.Split(strings.Trim(rt.Path, "/"), "/") {
			if s == "" {
				continue
			}
			if strings.HasPrefix(s, ":") {
				cr.segments = append(cr.segments, segment{param: s[1:]})
			} else {
				cr.segments = append(cr.segments, segment{literal: s})
			}
		}
	case KindCron, KindQueue, KindEvent:
		if rt.Path == "" {
			return nil, fmt.Errorf("runtime: %s route missing event name", rt.Kind)
		}
		if rt.Filter != "" {
			f, err := jmespath.Compile(rt.Filter)
			if err != nil {
				return nil, fmt.Errorf("runtime: route %q filter: %w", rt.Path, err)
			}
			cr.filter = f
		}
	default:
		return nil, fmt.Errorf("runtime: unknown route kind %q", rt.Kind)
	}
	return cr, nil
}

func validateSecurity(rt Route) error {
	auth := rt.Security.Authentication
	switch auth {
	case "", AuthNone, AuthOptional, AuthRequired:
	default:
		return fmt.Errorf("runtime: route %q has invalid authentication %q", rt.Path, auth)
	}
	if len(rt.Security.Authorization) > 0 && auth != AuthRequired {
		return fmt.Errorf("runtime: route %q declares authorization without required authentication", rt.Path)
	}
	if auth == AuthRequired && len(rt.Security.Authorization) == 0 {
		return fmt.Errorf("runtime: route %q requires authentication but declares no authorization", rt.Path)
	}
	return nil
}

// match finds the best-matching HTTP route: literal segments beat parameter
// segments position by position; ties go to registration order. For a fixed
// table the result is fully deterministic.
func (r *Router) match(method, path string) (*compiledRoute, map[string]string) {
	segs := pathSegments(path)
	var best *compiledRoute
	var bestParams map[string]string
	for _, cr := range r.routes {
		if cr.Kind != KindHTTP || cr.Method != method {
			continue
		}
		params, ok := matchSegments(cr.segments, segs)
		if !ok {
			continue
		}
		if best == nil || moreLiteral(cr.segments, best.segments) {
			best, bestParams = cr, params
		}
	}
	return best, bestParams
}

func matchSegments(pattern []segment, segs []string) (map[string]string, bool) {
	if len(pattern) != len(segs) {
		return nil, false
	}
	params := map[string]string{}
	for i, p := range pattern {
		if p.param != "" {
			params[p.param] = segs[i]
			continue
		}
		if p.literal != segs[i] {
			return nil, false
		}
	}
	return params, true
}

func moreLiteral(a, b []segment) bool {
	for i := range a {
		aLit := a[i].param == ""
		bLit := b[i].param == ""
		if aLit != bLit {
			return aLit
		}
	}
	return false
}

// Dispatch routes an HTTP-kind request and runs its handler. Routing and
// authorization failures surface as statuses; handler errors become a 5xx.
func (r *Router) Dispatch(ctx context.Context, req *Request) Response {
	start := time.Now()
	cr, params := r.match(req.Method, req.Path)
	if cr == nil {
		r.opts.Metrics.Dispatch(string(KindHTTP), "no_route", time.Since(start))
		return problemResponse(http.StatusNotFound, "no-route", "not found")
	}

	if resp, denied := r.authorize(ctx, cr, req, params); denied {
		r.opts.Metrics.Dispatch(string(KindHTTP), "denied", time.Since(start))
		return resp
	}

	c := r.newContext(ctx, req, params)
	err := r.run(c, cr.Handler)
	outcome := "ok"
	resp := r.respond(c, err)
	if err != nil {
		outcome = "handler_error"
	}
	r.opts.Metrics.Dispatch(string(KindHTTP), outcome, time.Since(start))
	return resp
}

// DispatchEvent routes a cron/queue/event invocation by exact name. The
// returned result always carries the outcome; handler failures are captured,
// never raised, so the event pipeline completes regardless (the upstream
// scheduler owns any retry policy).
func (r *Router) DispatchEvent(ctx context.Context, kind Kind, name string, req *Request) EventResult {
	start := time.Now()
	meta := EventMeta{Kind: kind, Name: name, TenantID: req.TenantID}

	var cr *compiledRoute
	for _, cand := range r.routes {
		if cand.Kind == kind && cand.Path == name {
			cr = cand
			break
		}
	}
	if cr == nil {
		r.opts.Metrics.Dispatch(string(kind), "no_route", time.Since(start))
		return EventResult{Ctx: meta, Error: &EventError{Message: "no route registered for event", Status: http.StatusNotFound}}
	}

	// Event routes carry the same security shape as HTTP ones; a denied
	// invocation surfaces as a structured error, never a handler run.
	params := map[string]string{}
	if req.TenantID != "" {
		params["tenantId"] = req.TenantID
	}
	if _, denied := r.authorize(ctx, cr, req, params); denied {
		r.opts.Metrics.Dispatch(string(kind), "denied", time.Since(start))
		return EventResult{Ctx: meta, Error: &EventError{Message: "forbidden", Status: http.StatusForbidden}}
	}

	if cr.filter != nil {
		var payload any
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &payload); err != nil {
				r.opts.Metrics.Dispatch(string(kind), "bad_payload", time.Since(start))
				return EventResult{Ctx: meta, Error: &EventError{Message: "event payload is not valid JSON", Status: http.StatusBadRequest}}
			}
		}
		got, err := cr.filter.Search(payload)
		if err != nil || !truthy(got) {
			r.opts.Metrics.Dispatch(string(kind), "filtered", time.Since(start))
			return EventResult{Ctx: meta, Skipped: true}
		}
	}

	c := r.newContext(ctx, req, params)
	err := r.run(c, cr.Handler)
	r.opts.Metrics.Dispatch(string(kind), eventOutcome(err), time.Since(start))
	if err != nil {
		ee := &EventError{Message: err.Error(), Status: http.StatusInternalServerError}
		var se *StatusError
		if errors.As(err, &se) {
			ee.Status = se.Status
			ee.Message = se.Message
		}
		return EventResult{Ctx: meta, Error: ee, Result: c.Body}
	}
	return EventResult{Ctx: meta, Result: c.Body}
}

func eventOutcome(err error) string {
	if err != nil {
		return "handler_error"
	}
	return "ok"
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}

// authorize enforces the route's declared security. Denials carry no detail
// so callers cannot enumerate resources.
func (r *Router) authorize(ctx context.Context, cr *compiledRoute, req *Request, params map[string]string) (Response, bool) {
	if cr.Security.Authentication == AuthRequired {
		if !req.Caller.Authenticated {
			return problemResponse(http.StatusForbidden, "forbidden", "forbidden"), true
		}
		for _, need := range cr.Security.Authorization {
			resource := substituteResource(need.Resource, params)
			if !Authorized(req.Caller.Permissions, need.Action, resource) {
				return problemResponse(http.StatusForbidden, "forbidden", "forbidden"), true
			}
		}
	}
	if cr.Policy != "" && r.opts.Policy != nil {
		allowed, err := r.opts.Policy.Evaluate(ctx, cr.Policy, map[string]any{
			"method":   req.Method,
			"path":     req.Path,
			"params":   params,
			"tenantId": req.TenantID,
			"subject":  req.Caller.Subject,
		})
		if err != nil {
			r.opts.Log.Errorw("route policy evaluation failed", "path", cr.Path, "err", err)
			return problemResponse(http.StatusForbidden, "forbidden", "forbidden"), true
		}
		if !allowed {
			return problemResponse(http.StatusForbidden, "forbidden", "forbidden"), true
		}
	}
	return Response{}, false
}

// substituteResource expands {param} placeholders in a declared resource
// with the matched path parameters.
func substituteResource(resource string, params map[string]string) string {
	for k, v := range params {
		resource = strings.ReplaceAll(resource, "{"+k+"}", v)
	}
	return resource
}

func (r *Router) newContext(ctx context.Context, req *Request, params map[string]string) *Context {
	c := &Context{
		ctx:     ctx,
		Request: req,
		Params:  params,
		Log:     r.opts.Log,
		proxy:   r.opts.Clients,
	}
	if r.opts.Storage != nil {
		c.store = r.opts.Storage(req.AccountID, req.SubscriptionID)
	}
	return c
}

// run sends the context through the middleware pipeline into the handler,
// converting panics into errors.
func (r *Router) run(c *Context, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.opts.Log.Errorw("handler panic", "err", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	chain := h
	for i := len(r.opts.Middleware) - 1; i >= 0; i-- {
		mw := r.opts.Middleware[i]
		next := chain
		chain = func(c *Context) error {
			return mw(c, func() error { return next(c) })
		}
	}
	return chain(c)
}

// respond converts the handler's context mutations (or error) into the
// structured response shape.
func (r *Router) respond(c *Context, err error) Response {
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return problemResponse(se.Status, "handler-error", se.Message)
		}
		r.opts.Log.Errorw("handler failed", "path", c.Request.Path, "err", err)
		return problemResponse(http.StatusInternalServerError, "internal", "internal error")
	}

	status := c.Status
	if status == 0 {
		if c.Body == nil {
			status = http.StatusNoContent
		} else {
			status = http.StatusOK
		}
	}
	resp := Response{Status: status, Headers: c.header}
	if c.Body == nil {
		return resp
	}

	switch body := c.Body.(type) {
	case []byte:
		resp.Body = []byte(base64.StdEncoding.EncodeToString(body))
		resp.BodyEncoding = "base64"
	case string:
		resp.Body = []byte(body)
	default:
		data, merr := json.Marshal(body)
		if merr != nil {
			r.opts.Log.Errorw("response marshal failed", "path", c.Request.Path, "err", merr)
			return problemResponse(http.StatusInternalServerError, "internal", "internal error")
		}
		resp.Body = data
		if resp.Headers == nil {
			resp.Headers = http.Header{}
		}
		if resp.Headers.Get("Content-Type") == "" {
			resp.Headers.Set("Content-Type", "application/json")
		}
	}
	return resp
}

func problemResponse(status int, slug, title string) Response {
	body, _ := json.Marshal(map[string]any{
		"type":   problems.Type(slug),
		"title":  title,
		"status": status,
	})
	h := http.Header{}
	h.Set("Content-Type", "application/problem+json")
	return Response{Status: status, Headers: h, Body: body}
}
