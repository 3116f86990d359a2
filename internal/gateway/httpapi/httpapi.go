// Package httpapi implements the HTTP API gateway for coderun.
//
// Security:
//   - Bearer API key authentication on /v1 (constant-time comparison)
//   - Request body size limit (default 1 MiB)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/ratelimit"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/storage"
	"github.com/jkaninda/coderun/internal/tools"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MiB
	defaultListenAddr     = ":8080"
	anonymousCaller       = "anonymous"
	callerKey             = "caller"
	source                = "http"
)

// ErrorBody is the error response shape used in the OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // Default: ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → caller ID. Empty = authentication off.
	MaxRequestSize int64             // Default: 1 MiB

	MetricsRegistry *prometheus.Registry // nil = no /metrics endpoint
	MetricsPath     string               // Default: "/metrics"
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateway serves the tool registry over HTTP.
type Gateway struct {
	config  Config
	reg     *tools.Registry
	history storage.Store // nil = /v1/history disabled
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	okapi   *okapi.Okapi

	mu     sync.Mutex
	server *http.Server
}

// NewGateway creates the gateway. history and rl may be nil.
func NewGateway(cfg Config, reg *tools.Registry, history storage.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config:  cfg,
		reg:     reg,
		history: history,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	g.okapi.UseMiddleware(g.limitBody)

	v1 := g.okapi.Group("/v1", observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer), g.authenticate)

	v1.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute JavaScript or TypeScript code"),
		okapi.DocTags("Code"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Post("/validate", g.handleValidate,
		okapi.DocSummary("Run the security analysis without executing"),
		okapi.DocTags("Code"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/status", g.handleStatus,
		okapi.DocSummary("Sandbox occupancy and limits"),
		okapi.DocTags("Server"),
		okapi.DocResponse(ToolResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	if g.history != nil {
		v1.Get("/history", g.handleHistory,
			okapi.DocSummary("Most recent recorded calls"),
			okapi.DocTags("Server"),
			okapi.DocResponse([]storage.Execution{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Probes and metrics are unauthenticated.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", g.config.MetricsPath,
			promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "coderun", Version: "v1"})
	}
}

// Start listens on the configured address until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // longer than any execution timeout
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(srv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(srv)
}

// --- Requests and responses ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"` // "javascript" or "typescript" (also "js", "ts")
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // Default: typescript
}

// ToolResponse carries the rendered tool text plus its structured metadata.
type ToolResponse struct {
	Tool     string         `json:"tool"`
	Output   string         `json:"output"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HealthResponse is returned by the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Handlers ---

func (g *Gateway) handleExecute(c *okapi.Context) error {
	if msg, ok := g.throttle(c); !ok {
		return c.AbortTooManyRequests(msg)
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	lang, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return g.call(c, "execute-"+string(lang), map[string]any{"code": req.Code})
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	if msg, ok := g.throttle(c); !ok {
		return c.AbortTooManyRequests(msg)
	}
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	params := map[string]any{"code": req.Code}
	if req.Language != "" {
		params["language"] = req.Language
	}
	return g.call(c, "validate-code", params)
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return g.call(c, "server-status", nil)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	recs, err := g.history.Recent(c.Context(), storage.DefaultRecentLimit)
	if err != nil {
		g.logger.Error("listing history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("history unavailable")
	}
	return c.OK(recs)
}

func (g *Gateway) call(c *okapi.Context, tool string, params map[string]any) error {
	caller := c.GetString(callerKey)
	ctx := tools.WithCaller(c.Context(), source, caller)

	res, err := g.reg.Call(ctx, tool, params)
	switch {
	case errors.Is(err, tools.ErrInvalidParams):
		return c.AbortBadRequest(err.Error())
	case err != nil:
		g.logger.Error("tool call failed",
			slog.String("tool", tool),
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("tool call failed")
	}
	return c.OK(ToolResponse{Tool: tool, Output: res.Output, Success: res.Success, Metadata: res.Metadata})
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness answers 200 when every registered check passes, 503 otherwise.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set(callerKey, anonymousCaller)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		caller := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				caller = id
			}
		}
		if caller == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(callerKey, caller)
		return next(c)
	}
}

// throttle charges one token to the caller. When the bucket is empty it
// returns the message for the 429 response and false.
func (g *Gateway) throttle(c *okapi.Context) (string, bool) {
	if g.limiter == nil {
		return "", true
	}
	if err := g.limiter.Allow(c.GetString(callerKey)); err != nil {
		return err.Error(), false
	}
	return "", true
}

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}
