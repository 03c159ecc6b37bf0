// Package manager wires handler modules into a published runtime. Startup is
// two-phase: modules register connectors and routes first, then the manager
// resolves declared dependencies and publishes the immutable route table.
// Nothing dispatches until publish succeeds.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"weft/pkg/connectors"
	"weft/pkg/metrics"
	"weft/pkg/runtime"
)

// Module is one unit of handler registration. Connectors lists the
// third-party services the module configures; Dependencies names the
// connectors it requires at dispatch time, whether registered by itself or
// by another module.
type Module interface {
	Name() string
	Connectors() []connectors.Registration
	Dependencies() []string
	Routes() []runtime.Route
}

// MissingDependency is one unresolved (module, connector) pair.
type MissingDependency struct {
	Module    string
	Connector string
}

// MissingDependencyError reports every unresolved dependency at once, so a
// misconfigured deployment surfaces the full list in a single failure.
type MissingDependencyError struct {
	Missing []MissingDependency
}

func (e *MissingDependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, m.Module+" -> "+m.Connector)
	}
	return "manager: unresolved connector dependencies: " + strings.Join(parts, ", ")
}

var (
	ErrPublished    = errors.New("manager: already published")
	ErrNotPublished = errors.New("manager: not published")
)

// StartupEvent is dispatched once after publish, for modules that register a
// handler for it.
const StartupEvent = "startup"

type Options struct {
	Log        *zap.SugaredLogger
	Metrics    *metrics.Collector
	Registry   *connectors.Registry
	Proxy      *connectors.Proxy
	Storage    runtime.StorageProvider
	Policy     runtime.PolicyEvaluator
	Middleware []runtime.Middleware
	Version    string
}

type Manager struct {
	opts    Options
	mu      sync.Mutex
	modules []Module
	router  *runtime.Router
}

func New(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Manager{opts: opts}
}

// Register adds a module's connectors and queues its routes. Must happen
// before Publish.
func (m *Manager) Register(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.router != nil {
		return ErrPublished
	}
	for _, reg := range mod.Connectors() {
		if err := m.opts.Registry.Register(reg); err != nil {
			return fmt.Errorf("manager: module %s: %w", mod.Name(), err)
		}
	}
	m.modules = append(m.modules, mod)
	return nil
}

// Publish resolves dependencies, seals the registry, compiles the route
// table, and fires the startup event. After a successful publish the table
// is immutable.
func (m *Manager) Publish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.router != nil {
		return ErrPublished
	}

	if err := m.resolve(); err != nil {
		return err
	}
	m.opts.Registry.Seal()

	routes := []runtime.Route{m.healthRoute()}
	for _, mod := range m.modules {
		routes = append(routes, mod.Routes()...)
	}

	router, err := runtime.NewRouter(routes, runtime.Options{
		Log:        m.opts.Log,
		Metrics:    m.opts.Metrics,
		Clients:    m,
		Storage:    m.opts.Storage,
		Policy:     m.opts.Policy,
		Middleware: m.opts.Middleware,
	})
	if err != nil {
		return err
	}
	m.router = router

	m.startup(ctx)
	m.opts.Log.Infow("runtime published",
		"modules", len(m.modules), "routes", len(routes),
		"connectors", m.opts.Registry.Names())
	return nil
}

// resolve checks every declared dependency against the sealed-to-be registry
// and collects all misses.
func (m *Manager) resolve() error {
	var missing []MissingDependency
	for _, mod := range m.modules {
		for _, dep := range mod.Dependencies() {
			if _, ok := m.opts.Registry.Get(dep); !ok {
				missing = append(missing, MissingDependency{Module: mod.Name(), Connector: dep})
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Module != missing[j].Module {
			return missing[i].Module < missing[j].Module
		}
		return missing[i].Connector < missing[j].Connector
	})
	return &MissingDependencyError{Missing: missing}
}

func (m *Manager) healthRoute() runtime.Route {
	version := m.opts.Version
	return runtime.Route{
		Kind:    runtime.KindHTTP,
		Method:  http.MethodGet,
		Path:    "/api/health",
		Summary: "Runtime health",
		Handler: func(c *runtime.Context) error {
			c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
			return nil
		},
	}
}

// startup dispatches the startup event. A failing startup handler is logged,
// not fatal; modules without one are silently skipped.
func (m *Manager) startup(ctx context.Context) {
	res := m.router.DispatchEvent(ctx, runtime.KindEvent, StartupEvent, &runtime.Request{
		Method: runtime.MethodEvent,
		Path:   StartupEvent,
	})
	if res.Error != nil && res.Error.Status != http.StatusNotFound {
		m.opts.Log.Errorw("startup event failed", "err", res.Error.Message)
	}
}

// Dispatch routes an HTTP request through the published table.
func (m *Manager) Dispatch(ctx context.Context, req *runtime.Request) runtime.Response {
	router := m.published()
	if router == nil {
		return runtime.Response{Status: http.StatusServiceUnavailable}
	}
	return router.Dispatch(ctx, req)
}

// Invoke dispatches a cron/queue/event invocation by name.
func (m *Manager) Invoke(ctx context.Context, kind runtime.Kind, name string, req *runtime.Request) runtime.EventResult {
	router := m.published()
	if router == nil {
		return runtime.EventResult{
			Ctx:   runtime.EventMeta{Kind: kind, Name: name},
			Error: &runtime.EventError{Message: "runtime not published", Status: http.StatusServiceUnavailable},
		}
	}
	return router.DispatchEvent(ctx, kind, name, req)
}

// Routes returns the published table, for the OpenAPI surface.
func (m *Manager) Routes() ([]runtime.Route, error) {
	router := m.published()
	if router == nil {
		return nil, ErrNotPublished
	}
	return router.Routes(), nil
}

// TaskConfigFor looks up the task channel bounds of an event route.
func (m *Manager) TaskConfigFor(kind runtime.Kind, name string) (runtime.TaskConfig, bool) {
	router := m.published()
	if router == nil {
		return runtime.TaskConfig{}, false
	}
	for _, rt := range router.Routes() {
		if rt.Kind == kind && rt.Path == name && rt.Task != nil {
			return *rt.Task, true
		}
	}
	return runtime.TaskConfig{}, false
}

// ClientFor resolves a connector client for a tenant through the proxy.
func (m *Manager) ClientFor(ctx context.Context, connector, tenant string) connectors.Resolution {
	return m.opts.Proxy.ClientFor(ctx, connector, tenant)
}

func (m *Manager) published() *runtime.Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.router
}
