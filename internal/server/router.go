package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// APIRoutes mounts the JSON API on a mux.
type APIRoutes interface {
	Register(mux *http.ServeMux)
}

// Health is the body of the health endpoint.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Worker  string `json:"worker,omitempty"`
}

// Routes are the handlers the router dispatches to. Worker serves every
// path the API and operational endpoints do not claim.
type Routes struct {
	API     APIRoutes
	Metrics http.Handler
	Worker  http.Handler
	Health  func() Health
}

// NewRouter owns URL dispatch so neither the API nor the offline handler
// needs to know about the other.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()

	health := func(w http.ResponseWriter, r *http.Request) {
		status := Health{Status: "ok"}
		if routes.Health != nil {
			status = routes.Health()
		}
		writeJSON(w, http.StatusOK, status)
	}
	mux.HandleFunc("GET /healthz", health)
	mux.HandleFunc("GET /health", health)

	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	if routes.API != nil {
		routes.API.Register(mux)
	}
	// Unknown API paths must not fall through to the origin.
	mux.HandleFunc(apiPrefix, unmatched(mux))
	mux.HandleFunc(workerPrefix, unmatched(mux))

	if routes.Worker == nil {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
		})
	} else {
		mux.Handle("/", routes.Worker)
	}
	return mux
}

const (
	apiPrefix    = "/api/"
	workerPrefix = "/_worker/"
)

var routeMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// unmatched answers paths under the API prefixes that no route took: 405
// when the path exists under another method, otherwise 404.
func unmatched(mux *http.ServeMux) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if allowed := allowedMethods(mux, r); len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method " + r.Method + " not allowed on " + r.URL.Path})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route " + r.URL.Path + " not found"})
	}
}

func allowedMethods(mux *http.ServeMux, r *http.Request) []string {
	var allowed []string
	for _, method := range routeMethods {
		if method == r.Method {
			continue
		}
		candidate := r.Clone(r.Context())
		candidate.Method = method
		_, pattern := mux.Handler(candidate)
		if pattern != "" && pattern != apiPrefix && pattern != workerPrefix {
			allowed = append(allowed, method)
		}
	}
	return allowed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
