// cmd/runtime-service/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weft/internal/entry"
	"weft/internal/manager"
	"weft/pkg/config"
	"weft/pkg/connectors"
	"weft/pkg/db"
	"weft/pkg/logger"
	"weft/pkg/metrics"
	"weft/pkg/middleware"
	"weft/pkg/openapi"
	"weft/pkg/policy"
	"weft/pkg/storage"
	"weft/pkg/tasks"
	"weft/pkg/vault"
)

var version = "dev"

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	col := metrics.New(prometheus.DefaultRegisterer)

	var backend storage.Client
	if pool != nil {
		if err := storage.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("storage schema", "err", err)
		}
		backend = storage.NewPostgres(pool, log)
	} else {
		backend = storage.NewMemory()
	}
	backend = storage.Instrument(backend, col)

	tokens := vault.NewHTTPTokenSource(&http.Client{Timeout: cfg.TokenEndpointTimeout})
	v := vault.New(backend, tokens, log, col)

	registry := connectors.NewRegistry()
	if cfg.ConnectorManifest != "" {
		if err := registry.LoadManifestFile(cfg.ConnectorManifest); err != nil {
			log.Fatalw("connector manifest", "path", cfg.ConnectorManifest, "err", err)
		}
		log.Infow("connector manifest loaded", "connectors", registry.Names())
	}

	defaults := vault.OAuthConfig{
		ExpiryBuffer:     cfg.AccessTokenExpiryBuffer,
		InitialBackoff:   cfg.RefreshInitialBackoff,
		BackoffIncrement: cfg.RefreshBackoffIncrement,
		WaitCountLimit:   cfg.RefreshWaitCountLimit,
		ErrorLimit:       cfg.RefreshErrorLimit,
	}
	proxy := connectors.NewProxy(registry, v, defaults, log)

	store := func(accountID, subscriptionID string) storage.Client {
		return storage.Scoped(backend, accountID, subscriptionID)
	}

	mgr := manager.New(manager.Options{
		Log:      log,
		Metrics:  col,
		Registry: registry,
		Proxy:    proxy,
		Storage:  store,
		Policy:   policy.NewService(log),
		Version:  version,
	})
	for _, mod := range handlerModules() {
		if err := mgr.Register(mod); err != nil {
			log.Fatalw("module registration", "module", mod.Name(), "err", err)
		}
	}
	if err := mgr.Publish(context.Background()); err != nil {
		log.Fatalw("publish", "err", err)
	}

	adapter := entry.NewAdapter(mgr, store, tasks.NewLimiter(rdb, log), log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.Authenticate(cfg, log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	routes, err := mgr.Routes()
	if err != nil {
		log.Fatalw("routes", "err", err)
	}
	r.Get("/openapi.json", openapi.ServeHandler("weft-runtime", version, routes))
	adapter.Mount(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infof("runtime listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("shutdown", "err", err)
	}
	if pool != nil {
		pool.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

// handlerModules lists the compiled-in handler modules. Deployments add
// integrations here; the empty runtime still serves health, storage, and
// the OpenAPI surface.
func handlerModules() []manager.Module {
	return nil
}
