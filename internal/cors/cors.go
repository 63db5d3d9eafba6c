// Package cors sets cross-origin headers on every response and answers
// preflight requests.
package cors

import (
	"net/http"
	"strings"

	"github.com/af-corp/companion-gateway/internal/config"
)

// Middleware adds CORS headers to every response and short-circuits OPTIONS
// with an empty 204. The config is read per request so reloads apply.
func Middleware(cfg func() config.CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := cfg()
			h := w.Header()

			if origin := allowOrigin(r.Header.Get("Origin"), c.AllowedOrigins); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					h.Add("Vary", "Origin")
				}
			}
			if len(c.AllowedHeaders) > 0 {
				h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
			}
			if len(c.AllowedMethods) > 0 {
				h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value, or "" when the
// request origin is not permitted.
func allowOrigin(origin string, allowed []string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
	}
	if origin == "" {
		return ""
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}
