package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/af-corp/companion-gateway/internal/auth"
	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/cors"
	"github.com/af-corp/companion-gateway/internal/httputil"
	"github.com/af-corp/companion-gateway/internal/telemetry"
)

// ChatPath is the single chat endpoint.
const ChatPath = "/chat"

// RouterConfig carries what NewRouter wires together.
type RouterConfig struct {
	Config   func() *config.Config
	Verifier auth.Verifier
	Handler  *Handler
	Metrics  *telemetry.Metrics
	Version  string
}

// NewRouter assembles the request pipeline: request id, panic recovery and
// CORS for every route, then the concurrency cap and identity check in front
// of the chat handler. The concurrency cap is sized once at construction.
func NewRouter(rc RouterConfig) http.Handler {
	cfg := rc.Config()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(httputil.Recoverer)
	r.Use(cors.Middleware(func() config.CORSConfig { return rc.Config().CORS }))

	r.MethodNotAllowed(httputil.WriteMethodNotAllowed)

	r.Get("/healthz", healthHandler(rc.Version))

	r.Group(func(r chi.Router) {
		if cfg.Server.MaxConcurrent > 0 {
			r.Use(middleware.ThrottleBacklog(cfg.Server.MaxConcurrent, cfg.Server.MaxBacklog, cfg.Server.BacklogTimeout))
		}
		r.Use(auth.Middleware(rc.Verifier, func() config.IdentityConfig { return rc.Config().Identity }, rc.Metrics))
		r.Post(ChatPath, rc.Handler.Chat)
	})

	return r
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": version,
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
