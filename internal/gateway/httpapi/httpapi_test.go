package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/ratelimit"
	"github.com/jkaninda/coderun/internal/tools"
)

type fakeTool struct{ name string }

func (f fakeTool) Name() string                { return f.name }
func (f fakeTool) Description() string         { return f.name }
func (f fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }

func (f fakeTool) Validate(params map[string]any) error {
	if f.name == "server-status" {
		return nil
	}
	_, err := tools.RequireString(params, "code")
	return err
}

func (f fakeTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	return &tools.Result{Output: f.name + " by " + tools.CallerFromContext(ctx), Success: true}, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func startGateway(t *testing.T, cfg Config, rl *ratelimit.Limiter) string {
	t.Helper()
	reg := tools.NewRegistry()
	for _, name := range []string{"execute-javascript", "execute-typescript", "validate-code", "server-status"} {
		reg.Register(fakeTool{name: name})
	}
	cfg.ListenAddr = freeAddr(t)
	g := NewGateway(cfg, reg, nil, rl, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()
	t.Cleanup(func() {
		_ = g.Stop(context.Background())
		<-done
	})

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("gateway did not become healthy")
	return ""
}

func do(t *testing.T, method, url, key, body string) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestGateway_Authentication(t *testing.T) {
	base := startGateway(t, Config{APIKeys: map[string]string{"secret": "ci-bot"}}, nil)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"valid key", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := do(t, http.MethodGet, base+"/v1/status", tt.key, ""); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}

	// Probes stay open.
	if got := do(t, http.MethodGet, base+"/readyz", "", ""); got != http.StatusOK {
		t.Errorf("readyz = %d, want 200", got)
	}
}

func TestGateway_Execute(t *testing.T) {
	base := startGateway(t, Config{}, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"javascript", `{"code":"console.log(1)","language":"javascript"}`, http.StatusOK},
		{"ts alias", `{"code":"const x: number = 1","language":"ts"}`, http.StatusOK},
		{"unsupported language", `{"code":"print(1)","language":"python"}`, http.StatusBadRequest},
		{"missing code", `{"language":"javascript"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := do(t, http.MethodPost, base+"/v1/execute", "", tt.body); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}

	if got := do(t, http.MethodPost, base+"/v1/validate", "", `{"code":"1"}`); got != http.StatusOK {
		t.Errorf("validate = %d, want 200", got)
	}
	if got := do(t, http.MethodGet, base+"/v1/history", "", ""); got == http.StatusOK {
		t.Error("history should not be routed without a store")
	}
}

func TestGateway_RateLimit(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	base := startGateway(t, Config{}, rl)

	body := `{"code":"1","language":"js"}`
	if got := do(t, http.MethodPost, base+"/v1/execute", "", body); got != http.StatusOK {
		t.Fatalf("first call = %d, want 200", got)
	}
	if got := do(t, http.MethodPost, base+"/v1/execute", "", body); got != http.StatusTooManyRequests {
		t.Errorf("second call = %d, want 429", got)
	}
	// Status is not throttled.
	if got := do(t, http.MethodGet, base+"/v1/status", "", ""); got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
}

func TestGateway_ReadinessAndMetrics(t *testing.T) {
	hc := observability.NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hc.AddCheck("runtime", func(context.Context) error { return errors.New("node not found") })
	reg := prometheus.NewRegistry()

	base := startGateway(t, Config{HealthChecker: hc, MetricsRegistry: reg}, nil)

	if got := do(t, http.MethodGet, base+"/readyz", "", ""); got != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", got)
	}
	if got := do(t, http.MethodGet, base+"/metrics", "", ""); got != http.StatusOK {
		t.Errorf("metrics = %d, want 200", got)
	}
}
