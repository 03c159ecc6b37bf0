// Package runtime routes normalized inbound requests (HTTP calls, cron
// ticks, queued events) to registered handler functions and invokes them
// with a populated request context. The compiled route table is immutable
// after publish and shared across concurrent invocations without locking.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"weft/pkg/connectors"
	"weft/pkg/storage"
)

type Kind string

const (
	KindHTTP  Kind = "http"
	KindCron  Kind = "cron"
	KindQueue Kind = "queue"
	KindEvent Kind = "event"
)

// Pseudo-verbs used only for internal dispatch; never exposed externally.
const (
	MethodCron  = "CRON"
	MethodEvent = "EVENT"
)

const (
	AuthNone     = "none"
	AuthOptional = "optional"
	AuthRequired = "required"
)

// Access is one granted or required (action, resource) pair.
type Access struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

type Security struct {
	// Authentication is one of none|optional|required; empty means none.
	Authentication string   `json:"authentication,omitempty"`
	Authorization  []Access `json:"authorization,omitempty"`
}

// TaskConfig bounds the task channel backing an event route.
type TaskConfig struct {
	MaxPending int `json:"maxPending"`
	MaxRunning int `json:"maxRunning"`
}

// Handler is a registered function bound to a Route.
type Handler func(c *Context) error

// Route is one entry in the compiled table. Registered once at startup,
// immutable thereafter.
type Route struct {
	Kind     Kind
	Method   string
	Path     string // URL path for http; event name otherwise
	Summary  string
	Security Security
	Task     *TaskConfig
	// Filter is an optional JMESPath expression over the decoded event
	// payload; event-kind routes only. Non-matching events are skipped.
	Filter  string
	Policy  string // optional Rego module gating dispatch
	Handler Handler
}

// Caller is the authenticated principal attached to a request, if any.
type Caller struct {
	Subject       string
	Permissions   []Access
	Authenticated bool
}

// Request is the normalized inbound invocation the entry point adapters
// produce.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte

	AccountID      string
	SubscriptionID string
	TenantID       string
	Caller         Caller
}

// Response is the structured result of an HTTP-kind dispatch.
type Response struct {
	Status       int         `json:"status"`
	Headers      http.Header `json:"headers,omitempty"`
	Body         []byte      `json:"body,omitempty"`
	BodyEncoding string      `json:"bodyEncoding,omitempty"`
}

// EventMeta identifies the invocation an EventResult belongs to.
type EventMeta struct {
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	TenantID string `json:"tenantId,omitempty"`
}

type EventError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// EventResult is the structured outcome of a cron/queue dispatch. Handler
// failures are captured here rather than raised, so event delivery is
// decoupled from handler correctness.
type EventResult struct {
	Error   *EventError `json:"error,omitempty"`
	Result  any         `json:"result,omitempty"`
	Ctx     EventMeta   `json:"ctx"`
	Skipped bool        `json:"skipped,omitempty"`
}

// StatusError lets a handler choose its HTTP status; any other error becomes
// a 500.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Message) }

func NewStatusError(status int, msg string) error {
	return &StatusError{Status: status, Message: msg}
}

// ClientProvider resolves a connector client for a tenant; implemented by
// the handler manager.
type ClientProvider interface {
	ClientFor(ctx context.Context, connector, tenant string) connectors.Resolution
}

// StorageProvider returns the storage client confined to one
// account/subscription partition.
type StorageProvider func(accountID, subscriptionID string) storage.Client

// PolicyEvaluator gates dispatch with a route's Rego module, when present.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, module string, input map[string]any) (bool, error)
}

// Next continues the middleware chain.
type Next func() error

// Middleware is one stage of the statically typed pipeline wrapped around
// every handler.
type Middleware func(c *Context, next Next) error

// Context is the ephemeral per-invocation state handed to middleware and
// handlers. Never shared across invocations.
type Context struct {
	ctx     context.Context
	Request *Request
	Params  map[string]string
	Log     *zap.SugaredLogger

	Status int
	Body   any
	header http.Header

	proxy ClientProvider
	store storage.Client
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) Header() http.Header {
	if c.header == nil {
		c.header = http.Header{}
	}
	return c.header
}

// Tenant is the resolved tenant id: the caller-supplied one, else the
// tenantId path parameter.
func (c *Context) Tenant() string {
	if c.Request.TenantID != "" {
		return c.Request.TenantID
	}
	return c.Params["tenantId"]
}

// Client resolves an authorized connector client scoped to this tenant.
func (c *Context) Client(connector string) connectors.Resolution {
	if c.proxy == nil {
		return connectors.Resolution{Kind: connectors.ResolutionTransient,
			Err: errors.New("runtime: no connector provider configured")}
	}
	return c.proxy.ClientFor(c.ctx, connector, c.Tenant())
}

// Storage is the tenant-partitioned storage client for this invocation.
func (c *Context) Storage() storage.Client { return c.store }

// JSON sets a JSON response body and status.
func (c *Context) JSON(status int, body any) {
	c.Status = status
	c.Body = body
	c.Header().Set("Content-Type", "application/json")
}
