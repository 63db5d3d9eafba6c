package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Caller-visible error messages.
const (
	MsgMessagesRequired  = "messages required"
	MsgMissingCredential = "OPENAI_API_KEY not set"
	MsgUpstreamError     = "upstream error"
	MsgServerError       = "server error"
	MsgMissingAuth       = "Missing auth"
	MsgMethodNotAllowed  = "Method not allowed"
)

// APIError is the JSON error body: {"error": "..."}.
type APIError struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, APIError{Error: message})
}

// WriteText writes a plain-text body.
func WriteText(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}

func WriteBadRequestError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

func WriteServerError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, MsgServerError)
}

func WriteUpstreamError(w http.ResponseWriter) {
	WriteError(w, http.StatusBadGateway, MsgUpstreamError)
}

func WriteMissingAuth(w http.ResponseWriter) {
	WriteText(w, http.StatusUnauthorized, MsgMissingAuth)
}

func WriteMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteText(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
}

// Recoverer turns a panic anywhere below it into the generic server error.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic in request pipeline",
				"request_id", w.Header().Get("X-Request-ID"),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			WriteServerError(w)
		}()
		next.ServeHTTP(w, r)
	})
}
