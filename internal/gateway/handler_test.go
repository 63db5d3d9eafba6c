package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/companion-gateway/internal/auth"
	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/telemetry"
	"github.com/af-corp/companion-gateway/internal/types"
	"github.com/af-corp/companion-gateway/internal/upstream"
	"github.com/af-corp/companion-gateway/internal/usage"
)

// stubVerifier implements auth.Verifier for testing.
type stubVerifier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubVerifier) Verify(_ context.Context, token string) (*auth.AuthInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &auth.AuthInfo{UID: "user-1"}, nil
}

// fakeProvider is an OpenAI-style upstream that records what it receives.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	lastBody []byte
	lastAuth string
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.calls++
	p.lastBody = body
	p.lastAuth = r.Header.Get("Authorization")
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		respond(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"total_tokens":12}}`))
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) sent(t *testing.T) types.UpstreamChatRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var req types.UpstreamChatRequest
	if err := json.Unmarshal(p.lastBody, &req); err != nil {
		t.Fatalf("decode upstream body: %v", err)
	}
	return req
}

// stubRecorder implements usage.Recorder for testing.
type stubRecorder struct {
	mu      sync.Mutex
	entries []usage.Entry
	err     error
}

func (s *stubRecorder) Record(_ context.Context, e usage.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

type testEnv struct {
	cfg      *config.Config
	provider *fakeProvider
	verifier *stubVerifier
	recorder *stubRecorder
	metrics  *telemetry.Metrics
	router   http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	provider := &fakeProvider{}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Upstream.BaseURL = srv.URL
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.Timeout = 5 * time.Second
	cfg.Identity.ProjectID = "companion-test"
	for _, m := range mutate {
		m(cfg)
	}
	cfgFn := func() *config.Config { return cfg }

	env := &testEnv{
		cfg:      cfg,
		provider: provider,
		verifier: &stubVerifier{},
		recorder: &stubRecorder{},
		metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
	}

	client := upstream.NewClient(func() config.UpstreamConfig { return cfgFn().Upstream }, srv.Client())
	handler := NewHandler(cfgFn, client, env.recorder, env.metrics)
	env.router = NewRouter(RouterConfig{
		Config:   cfgFn,
		Verifier: env.verifier,
		Handler:  handler,
		Metrics:  env.metrics,
		Version:  "test",
	})
	return env
}

func (e *testEnv) do(method, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, ChatPath, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) chat(body string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, body, map[string]string{
		"Authorization": "Bearer good-token",
		"Content-Type":  "application/json",
	})
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", w.Body.String(), err)
	}
	return body["error"]
}

func assertCORS(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected Access-Control-Allow-Origin *, got %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Headers") != "authorization, content-type" {
		t.Errorf("unexpected Access-Control-Allow-Headers %q", h.Get("Access-Control-Allow-Headers"))
	}
	if h.Get("Access-Control-Allow-Methods") != "POST, OPTIONS" {
		t.Errorf("unexpected Access-Control-Allow-Methods %q", h.Get("Access-Control-Allow-Methods"))
	}
}

const validBody = `{"messages":[{"role":"user","content":"I had a rough day"}]}`

func TestChat_Preflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodOptions, "", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
	assertCORS(t, w)
	if env.provider.callCount() != 0 {
		t.Error("preflight must not reach the upstream")
	}
	if env.verifier.calls != 0 {
		t.Error("preflight must not reach the verifier")
	}
}

func TestChat_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		w := env.do(method, validBody, map[string]string{"Authorization": "Bearer good-token"})

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, w.Code)
		}
		if w.Body.String() != "Method not allowed" {
			t.Errorf("%s: unexpected body %q", method, w.Body.String())
		}
		assertCORS(t, w)
	}
	if env.verifier.calls != 0 {
		t.Error("method gate must run before authentication")
	}
}

func TestChat_MissingAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"", "Basic abc", "bearer abc", "Token abc"} {
		headers := map[string]string{}
		if header != "" {
			headers["Authorization"] = header
		}
		w := env.do(http.MethodPost, validBody, headers)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, w.Code)
		}
		if w.Body.String() != "Missing auth" {
			t.Errorf("header %q: unexpected body %q", header, w.Body.String())
		}
		assertCORS(t, w)
	}
	if env.provider.callCount() != 0 {
		t.Error("unauthenticated requests must not reach the upstream")
	}
}

func TestChat_VerificationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.verifier.err = auth.ErrTokenExpired

	w := env.chat(validBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "server error" {
		t.Errorf("expected 'server error', got %q", got)
	}
	if env.provider.callCount() != 0 {
		t.Error("rejected tokens must not reach the upstream")
	}
}

func TestChat_VerificationFailureWith401(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Identity.RejectInvalidWith401 = true })
	env.verifier.err = auth.ErrInvalidToken

	w := env.chat(validBody)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChat_MessagesRequired(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"absent", `{"model":"gpt-4o"}`},
		{"null", `{"messages":null}`},
		{"string", `{"messages":"hello"}`},
		{"object", `{"messages":{"role":"user","content":"hi"}}`},
		{"number", `{"messages":3}`},
		{"empty array", `{"messages":[]}`},
		{"empty body", ``},
		{"malformed json", `{"messages":[`},
		{"top-level array", `[{"role":"user","content":"hi"}]`},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.chat(tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if got := errorBody(t, w); got != "messages required" {
				t.Errorf("expected 'messages required', got %q", got)
			}
			assertCORS(t, w)
		})
	}
	if env.provider.callCount() != 0 {
		t.Error("invalid requests must not reach the upstream")
	}
}

func TestChat_TruncatesToLast40AndPrependsPersona(t *testing.T) {
	env := newTestEnv(t)

	msgs := make([]string, 45)
	for i := range msgs {
		msgs[i] = fmt.Sprintf(`{"role":"user","content":"m%d"}`, i)
	}
	w := env.chat(`{"messages":[` + strings.Join(msgs, ",") + `]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	sent := env.provider.sent(t)
	if len(sent.Messages) != 41 {
		t.Fatalf("expected 41 upstream messages, got %d", len(sent.Messages))
	}
	if sent.Messages[0].Role != "system" || sent.Messages[0].Content != config.DefaultPersona {
		t.Errorf("expected persona first, got %+v", sent.Messages[0])
	}
	if sent.Messages[1].Content != "m5" {
		t.Errorf("expected oldest kept message m5, got %q", sent.Messages[1].Content)
	}
	if sent.Messages[40].Content != "m44" {
		t.Errorf("expected newest message m44 last, got %q", sent.Messages[40].Content)
	}
}

func TestChat_DefaultsAndOverrides(t *testing.T) {
	env := newTestEnv(t)

	if w := env.chat(validBody); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sent := env.provider.sent(t)
	if string(sent.Model) != `"gpt-4o-mini"` || string(sent.Temperature) != `0.8` {
		t.Errorf("expected defaults gpt-4o-mini/0.8, got %s/%s", sent.Model, sent.Temperature)
	}

	if w := env.chat(`{"messages":[{"role":"user","content":"x"}],"model":"gpt-4o","temperature":0}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sent = env.provider.sent(t)
	if string(sent.Model) != `"gpt-4o"` || string(sent.Temperature) != `0` {
		t.Errorf("expected overrides gpt-4o/0, got %s/%s", sent.Model, sent.Temperature)
	}

	env.provider.mu.Lock()
	gotAuth := env.provider.lastAuth
	env.provider.mu.Unlock()
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected server credential upstream, got %q", gotAuth)
	}
}

func TestChat_UnusualModelAndTemperatureForwarded(t *testing.T) {
	tests := []struct {
		name      string
		extra     string
		wantModel string
		wantTemp  string
	}{
		{"numeric model", `"model":5`, `5`, `0.8`},
		{"string temperature", `"temperature":"0.5"`, `"gpt-4o-mini"`, `"0.5"`},
		{"explicit nulls", `"model":null,"temperature":null`, `null`, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.chat(`{"messages":[{"role":"user","content":"hi"}],` + tt.extra + `}`)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if env.provider.callCount() != 1 {
				t.Fatalf("expected one upstream call, got %d", env.provider.callCount())
			}
			sent := env.provider.sent(t)
			if string(sent.Model) != tt.wantModel || string(sent.Temperature) != tt.wantTemp {
				t.Errorf("upstream got model=%s temperature=%s, want %s/%s", sent.Model, sent.Temperature, tt.wantModel, tt.wantTemp)
			}
		})
	}
}

func TestChat_ProviderRejectsModelIsUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid type for 'model'"}}`))
	}

	w := env.chat(`{"messages":[{"role":"user","content":"hi"}],"model":5}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "upstream error" {
		t.Errorf("expected 'upstream error', got %q", got)
	}
}

func TestChat_CallerSystemMessagePreserved(t *testing.T) {
	env := newTestEnv(t)
	w := env.chat(`{"messages":[{"role":"system","content":"answer in French"},{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	sent := env.provider.sent(t)
	if len(sent.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sent.Messages))
	}
	if sent.Messages[1].Role != "system" || sent.Messages[1].Content != "answer in French" {
		t.Errorf("expected caller system message kept, got %+v", sent.Messages[1])
	}
}

func TestChat_MessagesForwardedVerbatim(t *testing.T) {
	env := newTestEnv(t)
	w := env.chat(`{"messages":[{"role":"user","content":"hi","name":"sam"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	env.provider.mu.Lock()
	body := string(env.provider.lastBody)
	env.provider.mu.Unlock()
	if !strings.Contains(body, `{"role":"user","content":"hi","name":"sam"}`) {
		t.Errorf("expected caller message forwarded unchanged, got %s", body)
	}
}

func TestChat_MissingCredential(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Upstream.APIKey = "" })

	w := env.chat(validBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "OPENAI_API_KEY not set" {
		t.Errorf("expected 'OPENAI_API_KEY not set', got %q", got)
	}
	if env.provider.callCount() != 0 {
		t.Error("no upstream call should be made without a credential")
	}
}

func TestChat_UpstreamNonSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"secret upstream detail"}}`))
	}

	w := env.chat(validBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "upstream error" {
		t.Errorf("expected 'upstream error', got %q", got)
	}
	if strings.Contains(w.Body.String(), "secret upstream detail") {
		t.Error("upstream diagnostics must not leak to the caller")
	}
	assertCORS(t, w)
}

func TestChat_Success(t *testing.T) {
	env := newTestEnv(t)

	w := env.chat(validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var reply struct {
		Content string          `json:"content"`
		Usage   json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "hi" {
		t.Errorf("expected content 'hi', got %q", reply.Content)
	}
	if string(reply.Usage) != `{"total_tokens":12}` {
		t.Errorf("expected usage relayed, got %s", reply.Usage)
	}
	assertCORS(t, w)
}

func TestChat_MissingChoicesDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}

	w := env.chat(validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"content":"","usage":null}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestChat_NonObjectUpstreamBodyDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["unexpected"]`))
	}

	w := env.chat(validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"content":"","usage":null}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestChat_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.chat(validBody)
	second := env.chat(validBody)
	if first.Code != second.Code || first.Body.String() != second.Body.String() {
		t.Errorf("replayed request differs:\n%d %s\n%d %s", first.Code, first.Body, second.Code, second.Body)
	}
}

func TestChat_UpstreamTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Upstream.Timeout = 20 * time.Millisecond })
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}

	w := env.chat(validBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "upstream error" {
		t.Errorf("expected 'upstream error', got %q", got)
	}
}

func TestChat_MalformedUpstreamBody(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}

	w := env.chat(validBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "server error" {
		t.Errorf("expected 'server error', got %q", got)
	}
}

func TestChat_TransportFailure(t *testing.T) {
	env := newTestEnv(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env.cfg.Upstream.BaseURL = dead.URL

	w := env.chat(validBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "server error" {
		t.Errorf("expected 'server error', got %q", got)
	}
}

func TestChat_RecordsUsage(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`))
	}

	w := env.do(http.MethodPost, validBody, map[string]string{
		"Authorization": "Bearer good-token",
		"X-Request-ID":  "req-fixed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") != "req-fixed" {
		t.Errorf("expected request id echoed, got %q", w.Header().Get("X-Request-ID"))
	}

	if len(env.recorder.entries) != 1 {
		t.Fatalf("expected 1 usage entry, got %d", len(env.recorder.entries))
	}
	e := env.recorder.entries[0]
	if e.UID != "user-1" || e.RequestID != "req-fixed" || e.Model != "gpt-4o-mini" {
		t.Errorf("unexpected entry identity: %+v", e)
	}
	if e.PromptTokens != 9 || e.CompletionTokens != 3 || e.TotalTokens != 12 {
		t.Errorf("unexpected entry tokens: %+v", e)
	}
}

func TestChat_UsageFailureDoesNotChangeResponse(t *testing.T) {
	env := newTestEnv(t)
	env.recorder.err = errors.New("database down")

	w := env.chat(validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestChat_NoUsageOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}

	env.chat(validBody)
	if len(env.recorder.entries) != 0 {
		t.Errorf("expected no usage entries, got %d", len(env.recorder.entries))
	}
}

func TestChat_RecordsMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.chat(validBody)
	env.chat(`{"messages":[]}`)

	assertCounter(t, env.metrics.RequestTotal, 1, "200", "gpt-4o-mini")
	assertCounter(t, env.metrics.RequestTotal, 1, "400", "none")
	assertCounter(t, env.metrics.TokensTotal, 0, "gpt-4o-mini", "prompt")
}

func assertCounter(t *testing.T, vec *prometheus.CounterVec, want float64, labels ...string) {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("get metric %v: %v", labels, err)
	}
	var m dto.Metric
	counter.Write(&m)
	if got := m.Counter.GetValue(); got != want {
		t.Errorf("counter %v = %v, want %v", labels, got, want)
	}
}

// panicCompleter simulates an unexpected failure inside the pipeline.
type panicCompleter struct{}

func (panicCompleter) Complete(context.Context, *types.UpstreamChatRequest) (*types.ChatReply, error) {
	panic("boom")
}

func TestChat_PanicIsServerError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfgFn := func() *config.Config { return cfg }
	router := NewRouter(RouterConfig{
		Config:   cfgFn,
		Verifier: &stubVerifier{},
		Handler:  NewHandler(cfgFn, panicCompleter{}, nil, nil),
	})

	req := httptest.NewRequest(http.MethodPost, ChatPath, strings.NewReader(validBody))
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := errorBody(t, w); got != "server error" {
		t.Errorf("expected 'server error', got %q", got)
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxBodyBytes = 16 })

	w := env.chat(validBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if env.provider.callCount() != 0 {
		t.Error("oversized requests must not reach the upstream")
	}
}

func TestChat_ConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)

	env := newTestEnv(t, func(c *config.Config) {
		c.Server.MaxConcurrent = 1
		c.Server.MaxBacklog = 0
		c.Server.BacklogTimeout = 10 * time.Millisecond
	})
	env.provider.respond = func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		w.Write([]byte(`{"choices":[{"message":{"content":"slow"}}]}`))
	}

	done := make(chan int, 1)
	go func() {
		done <- env.chat(validBody).Code
	}()
	<-arrived

	if w := env.chat(validBody); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 while at capacity, got %d", w.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("expected first request to succeed, got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Errorf("unexpected health body %v", body)
	}
	if env.verifier.calls != 0 {
		t.Error("health check must not require authentication")
	}
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	if !strings.HasPrefix(a, "req_") {
		t.Errorf("expected req_ prefix, got %q", a)
	}
	if a == b {
		t.Error("expected unique request ids")
	}
}
