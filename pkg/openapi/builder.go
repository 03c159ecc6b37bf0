package openapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"weft/pkg/runtime"
)

// Build produces a minimal OpenAPI 3.1 document for the HTTP routes in a
// published table. Cron and event routes are internal and never surfaced.
func Build(serviceName, version string, routes []runtime.Route) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		if rt.Kind != runtime.KindHTTP {
			continue
		}
		path := docPath(rt.Path)
		if _, ok := paths[path]; !ok {
			paths[path] = map[string]any{}
		}
		m := map[string]any{
			"summary": rt.Summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if len(rt.Security.Authorization) > 0 {
			m["x-required-access"] = rt.Security.Authorization
		}
		paths[path].(map[string]any)[strings.ToLower(rt.Method)] = m
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
	}
}

// docPath converts ":param" segments to the "{param}" form OpenAPI uses.
func docPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

// ServeHandler serves the built document as JSON.
func ServeHandler(serviceName, version string, routes []runtime.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Build(serviceName, version, routes))
	}
}
