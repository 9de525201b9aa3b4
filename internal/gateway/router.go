package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/metrics"
	"github.com/peagen/peagen/internal/wsbridge"
)

// RouterConfig holds everything NewRouter needs to build the gateway's HTTP
// surface: the JSON-RPC registry carrying every method RegisterMethods
// mounted, the WebSocket hub task:update subscribers connect to, and a
// readiness probe that checks the dependencies main.go wired up.
type RouterConfig struct {
	RPC    http.Handler
	Hub    *wsbridge.Hub
	Logger *zap.Logger

	// Ready is polled by GET /readyz. A nil Ready always reports ready.
	Ready func() error
}

// NewRouter builds the gateway's chi router: POST /rpc for the JSON-RPC
// method surface, GET /ws for WebSocket task-update subscribers, and
// /healthz, /readyz, /metrics for operational probes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Post("/rpc", cfg.RPC.ServeHTTP)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		topics := r.URL.Query()["topic"]
		if len(topics) == 0 {
			topics = []string{"all"}
		}
		c, err := wsbridge.NewClient(cfg.Hub, w, r, topics, cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c.Run()
	})

	r.Handle("/metrics", metrics.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"not ready","error":"` + jsonEscape(err.Error()) + `"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	return r
}

// jsonEscape is the minimal escaping needed to embed an arbitrary error
// string inside the readyz handler's hand-built JSON body.
func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// requestLogger logs method, path, status and latency for every request,
// the same shape the repository this project grew out of used, adapted to
// not depend on an authenticated-claims context key the gateway has no
// equivalent of.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
