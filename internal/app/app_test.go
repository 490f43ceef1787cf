package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonicbridge/internal/app"
	"github.com/MrWong99/sonicbridge/internal/bedrock/mock"
	"github.com/MrWong99/sonicbridge/internal/config"
)

// waitTimeout bounds all awaits in these tests.
const waitTimeout = 3 * time.Second

// testConfig returns a valid config with test-friendly pacing.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AWS.Region = "us-east-1"
	cfg.Session.StepDelay = "1ms"
	cfg.Session.TeardownTimeout = "2s"
	return cfg
}

// startApp wires an App on an ephemeral port with a mock upstream, starts
// Run, and registers an orderly stop. It returns the app, the mock opener,
// and the HTTP base URL.
func startApp(t *testing.T, cfg *config.Config) (*app.App, *mock.Opener, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	opener := &mock.Opener{}
	application, err := app.New(context.Background(), cfg,
		app.WithOpener(opener),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("Run did not return after cancel")
		}
	})

	return application, opener, "http://" + application.Addr()
}

// get fetches url and returns the response with its body read.
func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

// dialWS opens a websocket connection to the app's /ws endpoint.
func dialWS(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// wsEnvelope mirrors the gateway's client-bound message shape.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// awaitEnvelope reads messages until one of the wanted type arrives.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", typ, err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if env.Type == typ {
			return env.Data
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, _, base := startApp(t, testConfig())

	resp, body := get(t, base+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `"ok"`) {
		t.Errorf("healthz body = %q, want it to report ok", body)
	}

	resp, body = get(t, base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `"sessions":{"status":"ok"`) {
		t.Errorf("readyz body = %q, want a passing sessions probe", body)
	}
	if !strings.Contains(body, `"forecast":{"status":"ok"`) {
		t.Errorf("readyz body = %q, want the forecast breaker probe wired in", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, base := startApp(t, testConfig())

	resp, body := get(t, base+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("metrics body missing runtime metrics; got %d bytes", len(body))
	}
}

func TestMiddleware_RequestIDOnResponses(t *testing.T) {
	_, _, base := startApp(t, testConfig())

	resp, _ := get(t, base+"/healthz")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}
}

func TestWebSocketSession_InitializesAgainstUpstream(t *testing.T) {
	_, opener, base := startApp(t, testConfig())

	conn := dialWS(t, base)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	init, _ := json.Marshal(map[string]string{"type": "initSession", "prompt": "Hello."})
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		t.Fatalf("write initSession: %v", err)
	}

	data := awaitEnvelope(t, conn, "sessionInitialized")
	var ack struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatal("session initialization not acknowledged as successful")
	}
	if ack.SessionID == "" {
		t.Error("ack carries no session id")
	}
	if got := len(opener.OpenCalls); got != 1 {
		t.Errorf("upstream open calls = %d, want 1", got)
	}
}

func TestReadyz_ReportsCapacityExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.AWS.MaxConcurrentStreams = 1
	_, _, base := startApp(t, cfg)

	conn := dialWS(t, base)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	init, _ := json.Marshal(map[string]string{"type": "initSession"})
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		t.Fatalf("write initSession: %v", err)
	}
	awaitEnvelope(t, conn, "sessionInitialized")

	resp, body := get(t, base+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(body, "at capacity") {
		t.Errorf("readyz body = %q, want capacity failure", body)
	}
}

func TestNew_RejectsBadDuration(t *testing.T) {
	cfg := testConfig()
	cfg.Session.IdleTimeout = "soon"

	_, err := app.New(context.Background(), cfg, app.WithOpener(&mock.Opener{}))
	if err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
	if !strings.Contains(err.Error(), "idle_timeout") {
		t.Errorf("error = %v, want it to name the offending field", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	application, _, _ := startApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
