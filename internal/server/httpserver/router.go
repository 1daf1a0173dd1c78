package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Route mounts an RPC handler under a path prefix.
type Route struct {
	Prefix  string
	Handler http.Handler

	// Admin routes are subject to the admin allow list.
	Admin bool
}

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Routes are the connect service handlers.
	Routes []Route

	// Metrics serves GET /metrics. Nil disables the endpoint.
	Metrics http.Handler

	// Ready reports readiness for GET /ready. Nil means always ready.
	Ready func() error

	// AdminAllowList is the IP/CIDR allow list of admin routes. Empty
	// allows everyone.
	AdminAllowList []string

	// RateLimit is the per-IP request rate of admin routes. Zero disables
	// limiting.
	RateLimit int

	// Logger for request logging.
	Logger *slog.Logger
}

// NewRouter creates the member HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := []Middleware{RequestID(), Recover(cfg.Logger), AccessLog(cfg.Logger)}

	mux := http.NewServeMux()
	mux.Handle("GET /health", Chain(http.HandlerFunc(handleHealth), RequestID(), Recover(cfg.Logger)))
	mux.Handle("GET /ready", Chain(readyHandler(cfg.Ready), RequestID(), Recover(cfg.Logger)))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics, RequestID(), Recover(cfg.Logger)))
	}

	for _, route := range cfg.Routes {
		mws := base
		if route.Admin {
			mws = append(append([]Middleware(nil), base...), NetworkACL(cfg.AdminAllowList, cfg.Logger))
			if cfg.RateLimit > 0 {
				mws = append(mws, RateLimit(cfg.RateLimit, 0))
			}
		}
		mux.Handle(route.Prefix, Chain(route.Handler, mws...))
	}
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func readyHandler(ready func() error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not_ready",
					"reason": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
