package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/model"
)

type fakeEngine struct {
	id   string
	path string
	text string
	err  error

	// entered and release let a test hold a request inside Generate.
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	last   inference.Request
	closed bool
}

func (e *fakeEngine) Generate(ctx context.Context, req inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	e.mu.Lock()
	e.last = req
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.entered != nil {
		e.entered <- struct{}{}
		<-e.release
	}
	if e.err != nil {
		return nil, e.err
	}
	if stream != nil {
		// Small pieces so tags straddle calls.
		for rest := e.text; rest != ""; {
			n := min(3, len(rest))
			stream(rest[:n])
			rest = rest[n:]
		}
	}
	return &inference.Result{
		Text:         e.text,
		FinishReason: inference.FinishStop,
		Stats:        inference.Stats{PromptTokens: 3, TokensGenerated: 2},
	}, nil
}

func (e *fakeEngine) Info() inference.Info {
	return inference.Info{
		ID:         e.id,
		Path:       e.path,
		Config:     model.Config{VocabSize: 400, Dim: 16},
		ContextLen: 64,
		Kernel:     "generic",
		ArenaBytes: 1 << 20,
		CacheBytes: 1 << 10,
		LoadedAt:   time.Unix(1700000000, 0),
	}
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) lastRequest() inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	dir     string
	loads   atomic.Int32
	engines sync.Map
}

// newTestEnv serves a models dir holding tiny.bin. Engines are fakes built
// by mk.
func newTestEnv(t *testing.T, opts Options, mk func(id, path string) *fakeEngine) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir()}
	if err := os.WriteFile(filepath.Join(env.dir, "tiny.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if mk == nil {
		mk = func(id, path string) *fakeEngine { return &fakeEngine{id: id, path: path, text: "ok"} }
	}
	loader := inference.LoaderFunc(func(path string, _ int) (inference.Engine, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		env.loads.Add(1)
		eng := mk(modelID(path), path)
		env.engines.Store(eng.id, eng)
		return eng, nil
	})
	opts.Logger = logger.Discard()
	opts.Registry = NewRegistry(RegistryConfig{ModelsDir: env.dir, Loader: loader, Logger: opts.Logger})
	env.srv = NewServer(opts)
	env.handler = env.srv.Handler()
	t.Cleanup(func() { _ = env.srv.Close() })
	return env
}

func (env *testEnv) engine(t *testing.T, id string) *fakeEngine {
	t.Helper()
	v, ok := env.engines.Load(id)
	if !ok {
		t.Fatalf("engine %q was never loaded", id)
	}
	return v.(*fakeEngine)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[HealthResponse](t, rec); got.Status != "ok" || got.Version == "" {
		t.Fatalf("health = %+v", got)
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Fatal("missing request id header")
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate",
		`{"prompt":"hello","temperature":0,"stop":["\n",""],"seed":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeBody[GenerateResponse](t, rec)
	if got.Text != "ok" || got.Model != "tiny" || got.FinishReason != inference.FinishStop {
		t.Fatalf("response = %+v", got)
	}
	if got.Usage != (Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}) {
		t.Fatalf("usage = %+v", got.Usage)
	}
	if got.ID != rec.Header().Get(HeaderRequestID) {
		t.Fatalf("id %q does not match header %q", got.ID, rec.Header().Get(HeaderRequestID))
	}

	req := env.engine(t, "tiny").lastRequest()
	defaults := inference.BuiltinDefaults()
	if req.Prompt != "hello" || req.MaxTokens != defaults.MaxTokens {
		t.Fatalf("request = %+v", req)
	}
	if req.Sampling.Temperature != 0 || req.Sampling.Seed != 7 || req.Sampling.TopP != defaults.Sampling.TopP {
		t.Fatalf("sampling = %+v", req.Sampling)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "\n" {
		t.Fatalf("stop = %q", req.Stop)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	cases := map[string]struct {
		body   string
		status int
	}{
		"missing prompt":    {body: `{}`, status: http.StatusBadRequest},
		"malformed":         {body: `{"prompt":`, status: http.StatusBadRequest},
		"negative tokens":   {body: `{"prompt":"x","max_tokens":-1}`, status: http.StatusBadRequest},
		"bad top_p":         {body: `{"prompt":"x","top_p":1.5}`, status: http.StatusBadRequest},
		"unknown model":     {body: `{"prompt":"x","model":"nope"}`, status: http.StatusNotFound},
		"missing path":      {body: `{"prompt":"x","model":"/does/not/exist.bin"}`, status: http.StatusNotFound},
		"negative temp":     {body: `{"prompt":"x","temperature":-1}`, status: http.StatusBadRequest},
		"wrong field types": {body: `{"prompt":1}`, status: http.StatusBadRequest},
	}
	for name, tc := range cases {
		rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", tc.body)
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d (body=%s)", name, rec.Code, tc.status, rec.Body.String())
			continue
		}
		if got := decodeBody[ErrorResponse](t, rec); got.Error.Message == "" || got.Error.Type == "" {
			t.Errorf("%s: error body = %+v", name, got)
		}
	}
}

func TestGenerateMapsEngineErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, err: context.DeadlineExceeded}
	})
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestChatStripsThinking(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, text: "<think>plan</think>\n\nhello"}
	})
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/chat",
		`{"messages":[{"role":"user","content":"hi"}],"max_tokens":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeBody[ChatResponse](t, rec)
	if len(got.Choices) != 1 || got.Choices[0].Message.Content != "hello" || got.Choices[0].Message.Role != "assistant" {
		t.Fatalf("choices = %+v", got.Choices)
	}
	if !strings.HasPrefix(got.ID, "chatcmpl-") || got.Object != "chat.completion" {
		t.Fatalf("response = %+v", got)
	}
	req := env.engine(t, "tiny").lastRequest()
	if !req.NoThinking || req.MaxTokens != 8 || len(req.Messages) != 1 {
		t.Fatalf("request = %+v", req)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/v1/chat",
		`{"messages":[{"role":"user","content":"hi"}],"think":true}`)
	got = decodeBody[ChatResponse](t, rec)
	if c := got.Choices[0]; c.Message.Content != "hello" || c.Reasoning != "plan" {
		t.Fatalf("think=true choice = %+v", c)
	}
	if env.engine(t, "tiny").lastRequest().NoThinking {
		t.Fatal("think=true still disabled thinking")
	}
}

func TestChatRequiresMessages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	for _, body := range []string{`{}`, `{"messages":[]}`, `{"messages":[{"content":"x"}]}`} {
		if rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/chat", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestChatStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, text: "<think>plan</think>\n\nhello there"}
	})
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/chat",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var (
		text   strings.Builder
		reason strings.Builder
		finish string
		done   bool
	)
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", data, err)
		}
		text.WriteString(chunk.Delta)
		reason.WriteString(chunk.Reasoning)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
			if chunk.Usage == nil || chunk.Usage.TotalTokens != 5 {
				t.Fatalf("final chunk usage = %+v", chunk.Usage)
			}
		}
	}
	if text.String() != "hello there" || reason.Len() != 0 {
		t.Fatalf("streamed text = %q reasoning = %q", text.String(), reason.String())
	}
	if finish != inference.FinishStop || !done {
		t.Fatalf("finish = %q done = %v", finish, done)
	}
}

func TestChatStreamError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, err: context.Canceled}
	})
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/chat",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") || strings.Contains(body, "[DONE]") {
		t.Fatalf("body = %q", body)
	}
}

func TestLoadUnloadLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/models/tiny/load", `{"context_size":32}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("load status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[LoadModelResponse](t, rec); !got.Success || got.ModelID != "tiny" || got.Message != "model loaded" {
		t.Fatalf("load = %+v", got)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/v1/models/tiny/load", "")
	if got := decodeBody[LoadModelResponse](t, rec); got.Message != "model already loaded" {
		t.Fatalf("second load = %+v", got)
	}
	if n := env.loads.Load(); n != 1 {
		t.Fatalf("loads = %d", n)
	}

	list := decodeBody[ModelsListResponse](t, doJSON(t, env.handler, http.MethodGet, "/api/v1/models", ""))
	if list.Total != 1 || !list.Models[0].Loaded || list.Models[0].Kernel != "generic" {
		t.Fatalf("models = %+v", list)
	}

	status := decodeBody[StatusResponse](t, doJSON(t, env.handler, http.MethodGet, "/api/v1/status", ""))
	if len(status.LoadedModels) != 1 || status.TotalMemoryMB <= 1 || status.SystemInfo.Cores < 1 {
		t.Fatalf("status = %+v", status)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/v1/models/tiny/unload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unload status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !env.engine(t, "tiny").closed {
		t.Fatal("engine not closed on unload")
	}
	rec = doJSON(t, env.handler, http.MethodPost, "/api/v1/models/tiny/unload", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second unload status = %d", rec.Code)
	}

	list = decodeBody[ModelsListResponse](t, doJSON(t, env.handler, http.MethodGet, "/api/v1/models", ""))
	if list.Total != 1 || list.Models[0].Loaded {
		t.Fatalf("models after unload = %+v", list)
	}
}

func TestLoadUnknownModel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	if rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/models/other/load", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/models/tiny/load", `{"context_size":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative context: status = %d", rec.Code)
	}
}

func TestOpenAIModels(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	got := decodeBody[OpenAIModelList](t, doJSON(t, env.handler, http.MethodGet, "/v1/models", ""))
	if got.Object != "list" || len(got.Data) != 1 || got.Data[0].ID != "tiny" || got.Data[0].Object != "model" {
		t.Fatalf("models = %+v", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RateLimitPerMinute: 2}, nil)
	for i := range 2 {
		if rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status = %d headers=%v", rec.Code, rec.Header())
	}
	if got := decodeBody[ErrorResponse](t, rec); got.Error.Type != "rate_limit_exceeded" {
		t.Fatalf("error = %+v", got.Error)
	}
	if rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health limited: status = %d", rec.Code)
	}

	// Buckets are per client address.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(`{"prompt":"x"}`))
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("X-Forwarded-For", "192.0.2.1")
	other := httptest.NewRecorder()
	env.handler.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("other client: status = %d", other.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxRequestSize: 16}, nil)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"this prompt is too long"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[ErrorResponse](t, rec); got.Error.Type != "request_too_large" {
		t.Fatalf("error = %+v", got.Error)
	}

	// Unknown length bodies are counted while read.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(`{"prompt":"this prompt is too long"}`))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("chunked status = %d body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"ok"}`); rec.Code != http.StatusOK {
		t.Fatalf("small body status = %d", rec.Code)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, Options{MaxConcurrent: 1}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, text: "ok", entered: entered, release: release}
	})

	done := make(chan int)
	go func() {
		done <- doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`).Code
	}()
	<-entered

	if got := env.srv.active.Load(); got != 1 {
		t.Fatalf("active = %d", got)
	}
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if rec := doJSON(t, env.handler, http.MethodGet, "/api/v1/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health blocked: status = %d", rec.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{CORSOrigins: []string{"https://app.example"}}, nil)
	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/generate", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("allowed preflight: status = %d headers=%v", rec.Code, rec.Header())
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("allow methods = %q", got)
	}
	if rec := preflight("https://evil.example"); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed preflight: status = %d headers=%v", rec.Code, rec.Header())
	}
	if env.loads.Load() != 0 {
		t.Fatal("preflight reached a handler")
	}

	wild := newTestEnv(t, Options{CORSOrigins: []string{"*"}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://any.example")
	rec = httptest.NewRecorder()
	wild.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("wildcard headers = %v", rec.Header())
	}
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set(HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get(HeaderRequestID) != "req-123" {
		t.Fatalf("header = %q", rec.Header().Get(HeaderRequestID))
	}
	if got := decodeBody[GenerateResponse](t, rec); got.ID != "req-123" {
		t.Fatalf("id = %q", got.ID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	doJSON(t, env.handler, http.MethodGet, "/api/v1/health", "")
	rec := doJSON(t, env.handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"qwenrt_tokens_generated_total", "qwenrt_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	e := echo.New()
	var got string
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			got = routeLabel(c)
			return err
		}
	})
	ok := func(c *echo.Context) error { return c.NoContent(http.StatusOK) }
	e.POST("/api/v1/models/:id/load", ok)
	e.GET("/api/v1/models", ok)
	e.POST("/api/v1/chat", ok)

	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/models/abc/load", "/api/v1/models/:id/load"},
		{http.MethodPost, "/api/v1/models/other-model/load", "/api/v1/models/:id/load"},
		{http.MethodGet, "/api/v1/models", "/api/v1/models"},
		{http.MethodPost, "/api/v1/chat", "/api/v1/chat"},
		{http.MethodGet, "/random/path", "other"},
		{http.MethodGet, "/api/v1/chat", "other"},
	}
	for _, tc := range cases {
		got = ""
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))
		if got != tc.want {
			t.Errorf("%s %s: label = %q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{RequestTimeout: time.Nanosecond}, nil)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, nil)
	rec := doJSON(t, env.handler, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[ErrorResponse](t, rec); got.Error.Type != "not_found_error" {
		t.Fatalf("error = %+v", got.Error)
	}
}

func TestChatStreamReasoning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{}, func(id, path string) *fakeEngine {
		return &fakeEngine{id: id, path: path, text: "<think>\nweigh options\n</think>\n\nanswer"}
	})
	rec := doJSON(t, env.handler, http.MethodPost, "/api/v1/chat",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true,"think":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var content, reason strings.Builder
	for line := range strings.SplitSeq(rec.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", data, err)
		}
		content.WriteString(chunk.Delta)
		reason.WriteString(chunk.Reasoning)
	}
	if content.String() != "answer" {
		t.Fatalf("content = %q", content.String())
	}
	if got := strings.Trim(reason.String(), "\n"); got != "weigh options" {
		t.Fatalf("reasoning = %q", reason.String())
	}
}
