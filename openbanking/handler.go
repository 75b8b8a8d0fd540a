package openbanking

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-rpc/bank"
)

const maxBodyBytes = 1 << 20

// HandlerOption configures the HTTP handler
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	rps     float64
	burst   int
	health  http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// WithRateLimit limits API calls per client address. Zero disables the limit.
func WithRateLimit(rps float64, burst int) HandlerOption {
	return func(c *handlerConfig) {
		c.rps = rps
		c.burst = burst
	}
}

// WithHealthHandler serves h on GET /healthz
func WithHealthHandler(h http.Handler) HandlerOption {
	return func(c *handlerConfig) {
		c.health = h
	}
}

// WithMetricsHandler serves h on GET /metrics
func WithMetricsHandler(h http.Handler) HandlerOption {
	return func(c *handlerConfig) {
		c.metrics = h
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		c.logger = logger
	}
}

// NewHandler routes the open banking API to svc
func NewHandler(svc *Service, opts ...HandlerOption) http.Handler {
	cfg := &handlerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	limiter := newIPLimiter(cfg.rps, cfg.burst)
	limited := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !limiter.allow(key, time.Now()) {
				cfg.logger.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/openbanking/transfer", limited(func(w http.ResponseWriter, r *http.Request) {
		var req bank.TransferRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			cfg.logger.Debug("rejected transfer request", "error", err)
			writeError(w, http.StatusBadRequest, "invalid transfer request: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, svc.Transfer(r.Context(), req))
	}))
	mux.HandleFunc("POST /api/openbanking/send", limited(func(w http.ResponseWriter, r *http.Request) {
		msg := r.URL.Query().Get("msg")
		if msg == "" {
			writeError(w, http.StatusBadRequest, "msg is required")
			return
		}
		svc.SendUnidirectionalMessage(r.Context(), msg)
		w.WriteHeader(http.StatusOK)
	}))
	if cfg.health != nil {
		mux.Handle("GET /healthz", cfg.health)
	}
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
