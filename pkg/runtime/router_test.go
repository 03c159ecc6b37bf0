package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(body any) Handler {
	return func(c *Context) error {
		c.JSON(http.StatusOK, body)
		return nil
	}
}

func httpRoute(method, path string, h Handler) Route {
	return Route{Kind: KindHTTP, Method: method, Path: path, Handler: h}
}

func newRouter(t *testing.T, opts Options, routes ...Route) *Router {
	t.Helper()
	r, err := NewRouter(routes, opts)
	require.NoError(t, err)
	return r
}

func get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path, AccountID: "acc", SubscriptionID: "sub"}
}

func TestRouteValidation(t *testing.T) {
	h := okHandler("ok")

	_, err := NewRouter([]Route{{Kind: KindHTTP, Method: "GET", Path: "/a"}}, Options{})
	assert.ErrorContains(t, err, "no handler")

	_, err = NewRouter([]Route{{Kind: KindHTTP, Method: "GET", Path: "a", Handler: h}}, Options{})
	assert.ErrorContains(t, err, "must start with /")

	_, err = NewRouter([]Route{{Kind: KindHTTP, Method: "GET", Path: "/a",
		Filter: "x", Handler: h}}, Options{})
	assert.ErrorContains(t, err, "event filter")

	_, err = NewRouter([]Route{{Kind: KindEvent, Path: "built", Filter: "!!!", Handler: h}}, Options{})
	assert.ErrorContains(t, err, "filter")

	// Authorization without required authentication is a contradiction.
	_, err = NewRouter([]Route{{Kind: KindHTTP, Method: "GET", Path: "/a", Handler: h,
		Security: Security{Authentication: AuthOptional,
			Authorization: []Access{{Action: "a", Resource: "/"}}}}}, Options{})
	assert.ErrorContains(t, err, "authorization without required authentication")

	// Required authentication with nothing to check is equally suspect.
	_, err = NewRouter([]Route{{Kind: KindHTTP, Method: "GET", Path: "/a", Handler: h,
		Security: Security{Authentication: AuthRequired}}}, Options{})
	assert.ErrorContains(t, err, "no authorization")
}

func TestMatchLiteralBeatsParam(t *testing.T) {
	var hit string
	mark := func(name string) Handler {
		return func(c *Context) error {
			hit = name
			c.JSON(http.StatusOK, map[string]string{"route": name, "id": c.Params["tenantId"]})
			return nil
		}
	}
	r := newRouter(t, Options{},
		httpRoute("GET", "/tenant/:tenantId", mark("param")),
		httpRoute("GET", "/tenant/health", mark("literal")),
	)

	resp := r.Dispatch(context.Background(), get("/tenant/health"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "literal", hit)

	resp = r.Dispatch(context.Background(), get("/tenant/abc"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "param", hit)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "abc", body["id"])
}

func TestDispatchDeterministicAcrossOrder(t *testing.T) {
	mark := func(name string) Handler {
		return func(c *Context) error { c.JSON(http.StatusOK, name); return nil }
	}
	a := httpRoute("GET", "/x/:p", mark("param"))
	b := httpRoute("GET", "/x/fixed", mark("literal"))

	for _, routes := range [][]Route{{a, b}, {b, a}} {
		r := newRouter(t, Options{}, routes...)
		resp := r.Dispatch(context.Background(), get("/x/fixed"))
		assert.Equal(t, "literal", string(resp.Body))
	}
}

func TestDispatchNoRoute(t *testing.T) {
	r := newRouter(t, Options{}, httpRoute("GET", "/a", okHandler("ok")))

	resp := r.Dispatch(context.Background(), get("/missing"))
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = r.Dispatch(context.Background(), &Request{Method: "POST", Path: "/a"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func instanceRoute() Route {
	return Route{
		Kind: KindHTTP, Method: "GET", Path: "/instance/:tenantId",
		Security: Security{
			Authentication: AuthRequired,
			Authorization:  []Access{{Action: "instance:get", Resource: "/tenant/{tenantId}"}},
		},
		Handler: okHandler(map[string]string{"ok": "true"}),
	}
}

func TestDispatchAuthorizedCaller(t *testing.T) {
	r := newRouter(t, Options{}, instanceRoute())
	req := get("/instance/abc")
	req.Caller = Caller{
		Subject:       "usr-1",
		Authenticated: true,
		Permissions:   []Access{{Action: "instance:*", Resource: "/tenant/"}},
	}
	resp := r.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestDispatchDeniedWithoutDetail(t *testing.T) {
	r := newRouter(t, Options{}, instanceRoute())

	// Exact action granted, but only for a different tenant's resource.
	req := get("/instance/abc")
	req.Caller = Caller{
		Subject:       "usr-2",
		Authenticated: true,
		Permissions:   []Access{{Action: "instance:get", Resource: "/tenant/other"}},
	}
	resp := r.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.NotContains(t, string(resp.Body), "instance:get")
	assert.NotContains(t, string(resp.Body), "tenant")

	// Unauthenticated caller on a required route.
	resp = r.Dispatch(context.Background(), get("/instance/abc"))
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestDispatchAllAuthorizationEntriesRequired(t *testing.T) {
	rt := instanceRoute()
	rt.Security.Authorization = append(rt.Security.Authorization,
		Access{Action: "storage:get", Resource: "/tenant/{tenantId}"})
	r := newRouter(t, Options{}, rt)

	req := get("/instance/abc")
	req.Caller = Caller{
		Authenticated: true,
		Permissions:   []Access{{Action: "instance:get", Resource: "/tenant/abc"}},
	}
	resp := r.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	req.Caller.Permissions = append(req.Caller.Permissions,
		Access{Action: "storage:*", Resource: "/"})
	resp = r.Dispatch(context.Background(), req)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestDispatchTenantWriteGrants(t *testing.T) {
	rt := Route{
		Kind: KindHTTP, Method: "POST", Path: "/api/tenant/:tenantId/test",
		Security: Security{
			Authentication: AuthRequired,
			Authorization:  []Access{{Action: "instance:put", Resource: "/tenant/{tenantId}"}},
		},
		Handler: okHandler(map[string]string{"ok": "true"}),
	}
	r := newRouter(t, Options{}, rt)

	req := func(perms ...Access) *Request {
		return &Request{Method: "POST", Path: "/api/tenant/abc/test",
			Caller: Caller{Authenticated: true, Permissions: perms}}
	}

	// A wildcard action over the tenant subtree is sufficient.
	resp := r.Dispatch(context.Background(),
		req(Access{Action: "instance:*", Resource: "/tenant/"}))
	assert.Equal(t, http.StatusOK, resp.Status)

	// A read-only grant over the same subtree is not.
	resp = r.Dispatch(context.Background(),
		req(Access{Action: "instance:get", Resource: "/tenant/"}))
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestDispatchStatusError(t *testing.T) {
	r := newRouter(t, Options{}, httpRoute("GET", "/teapot", func(c *Context) error {
		return NewStatusError(http.StatusTeapot, "short and stout")
	}))
	resp := r.Dispatch(context.Background(), get("/teapot"))
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Contains(t, string(resp.Body), "short and stout")
}

func TestDispatchHandlerPanic(t *testing.T) {
	r := newRouter(t, Options{}, httpRoute("GET", "/boom", func(c *Context) error {
		panic("kaboom")
	}))
	resp := r.Dispatch(context.Background(), get("/boom"))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotContains(t, string(resp.Body), "kaboom")
}

func TestDispatchBinaryBody(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	r := newRouter(t, Options{}, httpRoute("GET", "/blob", func(c *Context) error {
		c.Status = http.StatusOK
		c.Body = raw
		return nil
	}))
	resp := r.Dispatch(context.Background(), get("/blob"))
	assert.Equal(t, "base64", resp.BodyEncoding)
	assert.Equal(t, "AAH+/w==", string(resp.Body))
}

func TestDispatchNoBodyIsNoContent(t *testing.T) {
	r := newRouter(t, Options{}, httpRoute("DELETE", "/thing", func(c *Context) error {
		return nil
	}))
	resp := r.Dispatch(context.Background(), &Request{Method: "DELETE", Path: "/thing"})
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestMiddlewareOrderAndShortCircuit(t *testing.T) {
	var order []string
	mw := func(name string, block bool) Middleware {
		return func(c *Context, next Next) error {
			order = append(order, name)
			if block {
				return NewStatusError(http.StatusTooManyRequests, "busy")
			}
			return next()
		}
	}

	r := newRouter(t, Options{Middleware: []Middleware{mw("outer", false), mw("inner", false)}},
		httpRoute("GET", "/a", func(c *Context) error {
			order = append(order, "handler")
			c.JSON(http.StatusOK, "ok")
			return nil
		}))
	resp := r.Dispatch(context.Background(), get("/a"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)

	order = nil
	r = newRouter(t, Options{Middleware: []Middleware{mw("outer", false), mw("gate", true)}},
		httpRoute("GET", "/a", func(c *Context) error {
			order = append(order, "handler")
			return nil
		}))
	resp = r.Dispatch(context.Background(), get("/a"))
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, []string{"outer", "gate"}, order)
}

func TestDispatchEventEnforcesSecurity(t *testing.T) {
	var ran bool
	r := newRouter(t, Options{}, Route{
		Kind: KindQueue, Method: MethodEvent, Path: "provision",
		Security: Security{
			Authentication: AuthRequired,
			Authorization:  []Access{{Action: "instance:put", Resource: "/tenant/{tenantId}"}},
		},
		Handler: func(c *Context) error { ran = true; return nil },
	})

	invoke := func(caller Caller) EventResult {
		return r.DispatchEvent(context.Background(), KindQueue, "provision",
			&Request{Method: MethodEvent, Path: "provision", TenantID: "abc", Caller: caller})
	}

	// No credentials at all: denied as a structured error, handler untouched.
	res := invoke(Caller{})
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusForbidden, res.Error.Status)
	assert.False(t, ran)

	// A grant scoped to another tenant does not cover this invocation.
	res = invoke(Caller{Authenticated: true,
		Permissions: []Access{{Action: "instance:put", Resource: "/tenant/other"}}})
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusForbidden, res.Error.Status)
	assert.False(t, ran)

	res = invoke(Caller{Authenticated: true,
		Permissions: []Access{{Action: "instance:*", Resource: "/tenant/abc"}}})
	require.Nil(t, res.Error)
	assert.True(t, ran)
}

func TestDispatchEventPolicyGate(t *testing.T) {
	rt := Route{
		Kind: KindEvent, Method: MethodEvent, Path: "audit",
		Security: Security{
			Authentication: AuthRequired,
			Authorization:  []Access{{Action: "audit:run", Resource: "/"}},
		},
		Policy:  "package gate",
		Handler: func(c *Context) error { return nil },
	}
	req := &Request{Method: MethodEvent, Path: "audit",
		Caller: Caller{Authenticated: true, Permissions: []Access{{Action: "audit:*", Resource: "/"}}}}

	r := newRouter(t, Options{Policy: allowPolicy{allow: false}}, rt)
	res := r.DispatchEvent(context.Background(), KindEvent, "audit", req)
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusForbidden, res.Error.Status)

	r = newRouter(t, Options{Policy: allowPolicy{allow: true}}, rt)
	res = r.DispatchEvent(context.Background(), KindEvent, "audit", req)
	assert.Nil(t, res.Error)
}

func TestDispatchEventCapturesFailure(t *testing.T) {
	r := newRouter(t, Options{},
		Route{Kind: KindCron, Method: MethodCron, Path: "sweep", Handler: func(c *Context) error {
			return errors.New("downstream unavailable")
		}})

	res := r.DispatchEvent(context.Background(), KindCron, "sweep",
		&Request{Method: MethodCron, Path: "sweep", TenantID: "t1"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "downstream unavailable", res.Error.Message)
	assert.Equal(t, http.StatusInternalServerError, res.Error.Status)
	assert.Equal(t, KindCron, res.Ctx.Kind)
	assert.Equal(t, "sweep", res.Ctx.Name)
	assert.Equal(t, "t1", res.Ctx.TenantID)
}

func TestDispatchEventPanicCaptured(t *testing.T) {
	r := newRouter(t, Options{},
		Route{Kind: KindEvent, Method: MethodEvent, Path: "built", Handler: func(c *Context) error {
			panic("bad handler")
		}})
	res := r.DispatchEvent(context.Background(), KindEvent, "built",
		&Request{Method: MethodEvent, Path: "built"})
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "handler panic")
}

func TestDispatchEventSuccessAndResult(t *testing.T) {
	r := newRouter(t, Options{},
		Route{Kind: KindQueue, Method: MethodEvent, Path: "sync", Handler: func(c *Context) error {
			c.Body = map[string]int{"synced": 3}
			return nil
		}})
	res := r.DispatchEvent(context.Background(), KindQueue, "sync",
		&Request{Method: MethodEvent, Path: "sync"})
	require.Nil(t, res.Error)
	assert.Equal(t, map[string]int{"synced": 3}, res.Result)
}

func TestDispatchEventNoRoute(t *testing.T) {
	r := newRouter(t, Options{})
	res := r.DispatchEvent(context.Background(), KindEvent, "ghost",
		&Request{Method: MethodEvent, Path: "ghost"})
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusNotFound, res.Error.Status)
}

func TestDispatchEventFilter(t *testing.T) {
	var calls int
	r := newRouter(t, Options{},
		Route{Kind: KindQueue, Method: MethodEvent, Path: "orders",
			Filter: "kind == 'order.created'",
			Handler: func(c *Context) error {
				calls++
				return nil
			}})

	res := r.DispatchEvent(context.Background(), KindQueue, "orders",
		&Request{Method: MethodEvent, Path: "orders", Body: []byte(`{"kind":"order.created"}`)})
	assert.Nil(t, res.Error)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, calls)

	res = r.DispatchEvent(context.Background(), KindQueue, "orders",
		&Request{Method: MethodEvent, Path: "orders", Body: []byte(`{"kind":"order.deleted"}`)})
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, calls)

	res = r.DispatchEvent(context.Background(), KindQueue, "orders",
		&Request{Method: MethodEvent, Path: "orders", Body: []byte(`not json`)})
	require.NotNil(t, res.Error)
	assert.Equal(t, http.StatusBadRequest, res.Error.Status)
}

type allowPolicy struct{ allow bool }

func (p allowPolicy) Evaluate(context.Context, string, map[string]any) (bool, error) {
	return p.allow, nil
}

func TestDispatchPolicyGate(t *testing.T) {
	rt := instanceRoute()
	rt.Policy = "package gate\nallow := true"
	req := func() *Request {
		r := get("/instance/abc")
		r.Caller = Caller{
			Authenticated: true,
			Permissions:   []Access{{Action: "instance:*", Resource: "/"}},
		}
		return r
	}

	r := newRouter(t, Options{Policy: allowPolicy{allow: true}}, rt)
	assert.Equal(t, http.StatusOK, r.Dispatch(context.Background(), req()).Status)

	r = newRouter(t, Options{Policy: allowPolicy{allow: false}}, rt)
	assert.Equal(t, http.StatusForbidden, r.Dispatch(context.Background(), req()).Status)
}

func TestDispatchPolicyGateOnAnonymousRoute(t *testing.T) {
	rt := httpRoute("GET", "/open", okHandler("ok"))
	rt.Policy = "package gate"

	r := newRouter(t, Options{Policy: allowPolicy{allow: false}}, rt)
	assert.Equal(t, http.StatusForbidden, r.Dispatch(context.Background(), get("/open")).Status)

	r = newRouter(t, Options{Policy: allowPolicy{allow: true}}, rt)
	assert.Equal(t, http.StatusOK, r.Dispatch(context.Background(), get("/open")).Status)
}
