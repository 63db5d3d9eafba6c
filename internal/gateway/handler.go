package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/companion-gateway/internal/auth"
	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/httputil"
	"github.com/af-corp/companion-gateway/internal/telemetry"
	"github.com/af-corp/companion-gateway/internal/types"
	"github.com/af-corp/companion-gateway/internal/upstream"
	"github.com/af-corp/companion-gateway/internal/usage"
)

// Completer sends one shaped request to the chat-completion provider.
// *upstream.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *types.UpstreamChatRequest) (*types.ChatReply, error)
}

// Handler holds dependencies for the chat endpoint.
type Handler struct {
	cfg      func() *config.Config
	upstream Completer
	usage    usage.Recorder
	metrics  *telemetry.Metrics
}

func NewHandler(cfg func() *config.Config, completer Completer, recorder usage.Recorder, metrics *telemetry.Metrics) *Handler {
	if recorder == nil {
		recorder = usage.NopRecorder{}
	}
	return &Handler{
		cfg:      cfg,
		upstream: completer,
		usage:    recorder,
		metrics:  metrics,
	}
}

// Chat handles POST /chat. CORS, the method gate and authentication have
// already run by the time it is called.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	start := time.Now()
	cfg := h.cfg()

	var uid string
	if info, ok := auth.AuthFromContext(r.Context()); ok {
		uid = info.UID
	}

	reader := r.Body
	if cfg.Server.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, cfg.Server.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		slog.Error("failed to read request body", "request_id", reqID, "error", err)
		h.record(http.StatusInternalServerError, "", start, types.TokenCounts{})
		httputil.WriteServerError(w)
		return
	}
	defer r.Body.Close()

	req, messages, ok := parseChatRequest(body)
	if !ok {
		h.record(http.StatusBadRequest, "", start, types.TokenCounts{})
		httputil.WriteBadRequestError(w, httputil.MsgMessagesRequired)
		return
	}

	upReq, err := buildUpstreamRequest(req, messages, cfg.Upstream)
	if err != nil {
		slog.Error("failed to build upstream request", "request_id", reqID, "error", err)
		h.record(http.StatusInternalServerError, "", start, types.TokenCounts{})
		httputil.WriteServerError(w)
		return
	}
	model := upReq.ModelName()

	upStart := time.Now()
	reply, err := h.upstream.Complete(r.Context(), upReq)
	upMs := float64(time.Since(upStart).Milliseconds())

	if err != nil {
		h.writeUpstreamFailure(w, reqID, model, start, upMs, err)
		return
	}
	h.recordUpstream("2xx", upMs)

	tokens := reply.Tokens()
	if err := h.usage.Record(r.Context(), usage.Entry{
		RequestID:        reqID,
		UID:              uid,
		Model:            model,
		PromptTokens:     tokens.PromptTokens,
		CompletionTokens: tokens.CompletionTokens,
		TotalTokens:      tokens.TotalTokens,
	}); err != nil {
		slog.Warn("failed to record usage", "request_id", reqID, "error", err)
	}

	h.record(http.StatusOK, model, start, tokens)
	slog.Info("chat completed",
		"request_id", reqID,
		"model", model,
		"messages", len(upReq.Messages),
		"total_tokens", tokens.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	httputil.WriteJSON(w, http.StatusOK, reply)
}

func (h *Handler) writeUpstreamFailure(w http.ResponseWriter, reqID, model string, start time.Time, upMs float64, err error) {
	var statusErr *upstream.StatusError

	switch {
	case errors.Is(err, upstream.ErrMissingCredential):
		slog.Error("upstream credential not configured", "request_id", reqID)
		h.record(http.StatusInternalServerError, model, start, types.TokenCounts{})
		httputil.WriteInternalError(w, httputil.MsgMissingCredential)

	case errors.As(err, &statusErr):
		slog.Error("upstream error",
			"request_id", reqID,
			"status", statusErr.StatusCode,
			"body", statusErr.Body,
		)
		h.recordUpstream(strconv.Itoa(statusErr.StatusCode), upMs)
		h.record(http.StatusBadGateway, model, start, types.TokenCounts{})
		httputil.WriteUpstreamError(w)

	case errors.Is(err, upstream.ErrTimeout):
		slog.Error("upstream timeout", "request_id", reqID, "error", err)
		h.recordUpstream("timeout", upMs)
		h.record(http.StatusBadGateway, model, start, types.TokenCounts{})
		httputil.WriteUpstreamError(w)

	default:
		slog.Error("upstream request failed", "request_id", reqID, "error", err)
		h.recordUpstream("error", upMs)
		h.record(http.StatusInternalServerError, model, start, types.TokenCounts{})
		httputil.WriteServerError(w)
	}
}

func (h *Handler) record(status int, model string, start time.Time, tokens types.TokenCounts) {
	if h.metrics == nil {
		return
	}
	if model == "" {
		model = "none"
	}
	h.metrics.RecordRequest(telemetry.RequestLabels{
		Status:           strconv.Itoa(status),
		Model:            model,
		DurationMs:       float64(time.Since(start).Milliseconds()),
		PromptTokens:     tokens.PromptTokens,
		CompletionTokens: tokens.CompletionTokens,
	})
}

func (h *Handler) recordUpstream(status string, durationMs float64) {
	if h.metrics != nil {
		h.metrics.RecordUpstream(status, durationMs)
	}
}
