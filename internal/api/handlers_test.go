package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/remoteterm/gateway/internal/config"
	"github.com/remoteterm/gateway/internal/ratelimit"
	"github.com/remoteterm/gateway/internal/session"
	"github.com/remoteterm/gateway/internal/telemetry"
)

// newTestHandler builds a handler over a table whose "kubectl" is /bin/cat,
// so create spawns a real PTY child without needing a cluster.
func newTestHandler(t *testing.T) (*TerminalHandler, *session.Table) {
	t.Helper()
	cfg, _, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	table := session.NewTable(session.Config{KubectlPath: "/bin/cat"}, nil)
	t.Cleanup(table.CloseAll)
	return NewTerminalHandler(cfg, table, telemetry.New(), nil), table
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not json: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeResponse(t, rec)["status"]; got != "OK" {
		t.Fatalf("expected status OK, got %v", got)
	}
}

func TestEnvHandler(t *testing.T) {
	cfg, _, _ := config.Load()
	cfg.Kubernetes.PodName = "p-1"
	cfg.Kubernetes.ContainerName = "c-1"
	rec := httptest.NewRecorder()
	EnvHandler(func() *config.Config { return cfg })(rec, httptest.NewRequest(http.MethodGet, "/env", nil))

	out := decodeResponse(t, rec)
	if out["POD_NAME"] != "p-1" || out["CONTAINER_NAME"] != "c-1" {
		t.Fatalf("unexpected env payload: %v", out)
	}
}

func TestCreateRejectsInvalidPod(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodPost, "/terminal/create", `{"pod":"Bad Pod!","container":"c"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "invalid pod/container" {
		t.Fatalf("expected invalid pod/container error, got %v", got)
	}
}

func TestCreateRateLimitExhaustion(t *testing.T) {
	h, _ := newTestHandler(t)

	// Invalid pod keeps each admitted request from spawning a child while
	// still consuming a terminal-create token.
	for i := 0; i < 15; i++ {
		rec := doJSON(t, h, http.MethodPost, "/terminal/create", `{"pod":"Bad Pod!","container":"c"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/terminal/create", `{"pod":"Bad Pod!","container":"c"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 16th create, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "120" {
		t.Fatalf("expected Retry-After 120, got %q", got)
	}
	if got := decodeResponse(t, rec)["retryAfter"]; got != float64(120) {
		t.Fatalf("expected retryAfter 120 in body, got %v", got)
	}
}

func TestInputRateLimitIsPerSession(t *testing.T) {
	h, _ := newTestHandler(t)
	// Every input request is also admitted by the per-IP general bucket,
	// whose default (250) is below the input bucket's (300); widen it so the
	// loop below trips the input bucket rather than general admission.
	h.limits.General = ratelimit.New(ratelimit.Config{Points: 1000, WindowSeconds: 60, BlockSeconds: 60})

	// Exhaust the input bucket for session s1; s2 must be unaffected. Both
	// sessions are unknown, so every admitted request answers 404.
	limited := false
	for i := 0; i < 320; i++ {
		if rec := doJSON(t, h, http.MethodPost, "/terminal/input/s1", `{"data":"x"}`); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the (ip, s1) input bucket to exhaust")
	}
	if rec := doJSON(t, h, http.MethodPost, "/terminal/input/s2", `{"data":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected (ip, s2) to remain admitted (404), got %d", rec.Code)
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	cases := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/terminal/input/term_missing", `{"data":"x"}`},
		{http.MethodPost, "/terminal/resize/term_missing", `{"cols":80,"rows":24}`},
		{http.MethodGet, "/terminal/status/term_missing", ""},
		{http.MethodGet, "/terminal/heartbeat/term_missing", ""},
		{http.MethodPost, "/terminal/close/term_missing", ""},
		{http.MethodGet, "/terminal/ping/term_missing", ""},
		{http.MethodPost, "/terminal/report-rtt/term_missing", `{"timestamp":0}`},
		{http.MethodGet, "/terminal/network-status/term_missing", ""},
		{http.MethodPost, "/terminal/reset-network/term_missing", ""},
	}
	for _, tc := range cases {
		rec := doJSON(t, h, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/terminal/create", `{"pod":"p-1","container":"c-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	id, _ := out["sessionId"].(string)
	if !strings.HasPrefix(id, "term_") {
		t.Fatalf("expected term_-prefixed session id, got %q", id)
	}

	rec = doJSON(t, h, http.MethodGet, "/terminal/status/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	status := decodeResponse(t, rec)
	if status["pod"] != "p-1" || status["container"] != "c-1" {
		t.Fatalf("unexpected status payload: %v", status)
	}
	if status["clients"] != float64(0) {
		t.Fatalf("expected 0 clients, got %v", status["clients"])
	}

	rec = doJSON(t, h, http.MethodGet, "/terminal/ping/"+id, "")
	if rec.Code != http.StatusOK || decodeResponse(t, rec)["pong"] != true {
		t.Fatalf("ping: unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/terminal/report-rtt/"+id, `{"rtt":42,"timestamp":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("report-rtt: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/terminal/network-status/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("network-status: expected 200, got %d", rec.Code)
	}
	netStatus := decodeResponse(t, rec)
	defaults, ok := netStatus["defaults"].(map[string]any)
	if !ok || defaults["flushThreshold"] != float64(8192) {
		t.Fatalf("expected defaults.flushThreshold 8192, got %v", netStatus["defaults"])
	}

	rec = doJSON(t, h, http.MethodPost, "/terminal/reset-network/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset-network: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/terminal/network-status/"+id, "")
	metrics, ok := decodeResponse(t, rec)["metrics"].(map[string]any)
	if !ok || metrics["usingFallback"] != true {
		t.Fatalf("expected usingFallback true after reset, got %v", metrics)
	}
	if metrics["optimalDelay"] != float64(12) || metrics["optimalBatchSize"] != float64(8192) {
		t.Fatalf("expected fallback pair (12, 8192), got %v", metrics)
	}

	rec = doJSON(t, h, http.MethodPost, "/terminal/close/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/terminal/status/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}
}

func TestInputRejectsEmptyPayload(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/terminal/create", `{"pod":"p-1","container":"c-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", rec.Code)
	}
	id := decodeResponse(t, rec)["sessionId"].(string)

	rec = doJSON(t, h, http.MethodPost, "/terminal/input/"+id, `{"data":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty input, got %d", rec.Code)
	}
}

func TestPerformanceEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/terminal/performance", "")
	if rec.Code != http.StatusOK || decodeResponse(t, rec)["success"] != true {
		t.Fatalf("performance: unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/terminal/status/x", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := remoteIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
