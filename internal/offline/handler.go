package offline

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
)

// Response headers describing how the worker served a request.
const (
	HeaderStrategy = "X-Offline-Strategy"
	HeaderSource   = "X-Offline-Source"
	HeaderVersion  = "X-Offline-Version"
)

// Handler serves requests through the active worker and proxies everything
// the worker does not intercept straight to the origin.
type Handler struct {
	registration *Registration
	proxy        *httputil.ReverseProxy
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// NewHandler builds the intercepting handler.
func NewHandler(reg *Registration, origin *url.URL, logger *slog.Logger, rec *metrics.Recorder) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(slog.String("agent", "offline"))
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "passthrough failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	return &Handler{registration: reg, proxy: proxy, logger: logger, metrics: rec}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := h.registration.Active()
	if active == nil {
		h.passthrough(w, r, "")
		return
	}

	engine := active.Engine()
	decision := engine.Decide(r)
	if !decision.Intercept {
		h.passthrough(w, r, decision.Reason)
		return
	}

	result := engine.Fetch(r.Context(), r, decision.Strategy)
	extra := http.Header{}
	extra.Set(HeaderStrategy, string(result.Strategy))
	extra.Set(HeaderSource, string(result.Source))
	extra.Set(HeaderVersion, active.Version())
	result.Response.Write(w, extra)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, reason PassReason) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rec.Header().Set(HeaderSource, string(metrics.FetchSourcePassthrough))
	h.proxy.ServeHTTP(rec, r)
	h.logger.DebugContext(r.Context(), "passed through", slog.String("path", r.URL.Path), slog.String("reason", string(reason)))
	h.metrics.ObserveFetch("none", metrics.FetchSourcePassthrough, rec.status, time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
