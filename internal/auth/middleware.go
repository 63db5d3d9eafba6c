package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/httputil"
	"github.com/af-corp/companion-gateway/internal/telemetry"
)

const bearerPrefix = "Bearer "

// Middleware returns a chi middleware that authenticates requests via a Bearer
// identity token. A missing or non-Bearer header is a 401; a token the
// verifier rejects is a 500 unless RejectInvalidWith401 is set.
func Middleware(verifier Verifier, cfg func() config.IdentityConfig, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				if metrics != nil {
					metrics.RecordAuthFailure("missing_header")
				}
				httputil.WriteMissingAuth(w)
				return
			}
			token := authHeader[len(bearerPrefix):]

			info, err := verifier.Verify(r.Context(), token)
			if err != nil {
				reason := FailureReason(err)
				slog.Warn("identity verification failed",
					"request_id", reqID,
					"reason", reason,
					"token_prefix", safePrefix(token),
					"error", err,
				)
				if metrics != nil {
					metrics.RecordAuthFailure(reason)
				}
				if cfg().RejectInvalidWith401 && IsTokenError(err) {
					httputil.WriteText(w, http.StatusUnauthorized, "Invalid auth")
					return
				}
				httputil.WriteServerError(w)
				return
			}

			ctx := ContextWithAuth(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// safePrefix returns a safe-to-log prefix of a token (never the full token).
func safePrefix(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}
