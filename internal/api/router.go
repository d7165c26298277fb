package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// HealthFunc reports the health of one dependency
type HealthFunc func(ctx context.Context) error

// RouterConfig holds everything the HTTP router serves
type RouterConfig struct {
	Rules   *RuleHandler
	Devices *DeviceHandler
	Logs    *LogHandler
	Hub     *Hub // nil disables /ws
	Metrics http.Handler
	Health  map[string]HealthFunc
	// AllowedOrigins for CORS; empty allows localhost only
	AllowedOrigins []string
	Version        string
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components"`
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(cfg.Health, cfg.Version))

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// The websocket stays outside the timeout middleware
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		if cfg.Rules != nil {
			r.Mount("/rules", cfg.Rules.Routes())
		}
		if cfg.Devices != nil {
			r.Mount("/devices", cfg.Devices.Routes())
		}
		if cfg.Logs != nil {
			r.Mount("/logs", cfg.Logs.Routes())
		}
	})

	return r
}

func handleHealth(checks map[string]HealthFunc, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:     "healthy",
			Version:    version,
			Components: make(map[string]string, len(checks)),
		}

		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				resp.Status = "degraded"
				resp.Components[name] = "error: " + err.Error()
				continue
			}
			resp.Components[name] = "ok"
		}

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		JSON(w, status, resp)
	}
}
