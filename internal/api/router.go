package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/ghodss/yaml"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/onkernel/cdp-mux-proxy/internal/logger"
	"github.com/onkernel/cdp-mux-proxy/internal/ratelimit"
)

// isSensitive reports whether r hits a route that gets the stricter
// rate limit per spec §6: connect/disconnect, since those drive Chrome's
// own target lifecycle rather than just reading buffered state.
func isSensitive(r *http.Request) bool {
	if r.URL.Path == "/api/connect" {
		return true
	}
	return r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/connection/")
}

func isExempt(r *http.Request) bool {
	return r.URL.Path == "/api/health" || r.URL.Path == "/api/status"
}

// Deps bundles everything Router needs to wire the chi mux: the handler
// set, the two rate limiters spec §6 calls for, the OpenAPI document bytes
// to validate and serve, and an activity hook the auto-shutdown timer uses.
type Deps struct {
	API           *ProxyAPI
	WS            http.Handler
	OpenAPIYAML   []byte
	MaxBodyBytes  int64
	GlobalLimiter *ratelimit.Limiter
	SensitiveRate *ratelimit.Limiter
	OnActivity    func()
	Logger        *slog.Logger
}

// Router builds the chi mux implementing spec §6's HTTP and WebSocket
// surface, validating the OpenAPI document at startup per the teacher's
// fail-fast-on-bad-config posture.
func Router(deps Deps) (http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(deps.OpenAPIYAML)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		chiMiddleware.Logger,
		requestLoggerMiddleware(deps.Logger),
		securityHeaders,
		methodAllowlist,
		requireJSONContentType,
		maxBodyBytes(deps.MaxBodyBytes),
		activityMiddleware(deps.OnActivity),
	)
	r.Use(deps.GlobalLimiter.Middleware(isExempt))
	r.Use(sensitiveLimiterMiddleware(deps.SensitiveRate))

	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", deps.API.Connect)
		r.Delete("/connection/{id}", deps.API.Disconnect)
		r.Get("/connections", deps.API.ListConnections)
		r.Post("/execute/{id}", deps.API.Execute)
		r.Get("/console/{id}", deps.API.Console)
		r.Get("/network/{id}", deps.API.Network)
		r.Get("/health", deps.API.Health)
		r.Get("/health/{id}", deps.API.HealthDetail)
		r.Get("/status", deps.API.Status)
	})

	r.Get("/spec.yaml", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oai.openapi")
		_, _ = w.Write(deps.OpenAPIYAML)
	})
	r.Get("/spec.json", func(w http.ResponseWriter, req *http.Request) {
		jsonData, err := yaml.YAMLToJSON(deps.OpenAPIYAML)
		if err != nil {
			http.Error(w, "failed to convert YAML to JSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jsonData)
	})

	r.Get("/ws/{connectionID}", deps.WS.ServeHTTP)

	return r, nil
}

// sensitiveLimiterMiddleware applies the stricter per-route rate limit to
// POST /api/connect and DELETE /api/connection/{id}.
func sensitiveLimiterMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSensitive(r) && !limiter.Allow(ratelimit.ClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"success":false,"error":{"code":429,"message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLoggerMiddleware attaches the process logger to each request's
// context, the way the composition root hands every handler a logger
// instead of a package-level global. A nil logger (e.g. in tests that don't
// care) falls back to slog.Default() via logger.FromContext.
func requestLoggerMiddleware(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l != nil {
				r = r.WithContext(logger.AddToContext(r.Context(), l))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// activityMiddleware calls onActivity for every request except the
// rate-limit-exempt health/status endpoints, resetting the server's
// auto-shutdown timer per spec §6 (health/status are meant to be pollable
// without keeping the process alive forever; see SPEC_FULL.md §6).
func activityMiddleware(onActivity func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if onActivity != nil && !isExempt(r) {
				onActivity()
			}
			next.ServeHTTP(w, r)
		})
	}
}
