package offline

import (
	"net/http"
	"strings"
)

// PassReason explains why a request bypasses the worker.
type PassReason string

const (
	PassMethod      PassReason = "method"
	PassScheme      PassReason = "scheme"
	PassCrossOrigin PassReason = "cross-origin"
	PassReserved    PassReason = "reserved-path"
)

// Decision is the outcome of routing one request.
type Decision struct {
	Intercept bool
	Strategy  Strategy
	Reason    PassReason
}

// Decide routes a request without touching caches or the network. Non-GET,
// non-HTTP(S), cross-origin and "/_" paths pass through; everything else is
// classified.
func Decide(r *http.Request, classifier Classifier) Decision {
	if r.Method != http.MethodGet {
		return Decision{Reason: PassMethod}
	}
	if scheme := strings.ToLower(r.URL.Scheme); scheme != "" && scheme != "http" && scheme != "https" {
		return Decision{Reason: PassScheme}
	}
	if r.URL.IsAbs() && r.Host != "" && !strings.EqualFold(r.URL.Host, r.Host) {
		return Decision{Reason: PassCrossOrigin}
	}
	if strings.HasPrefix(r.URL.Path, "/_") {
		return Decision{Reason: PassReserved}
	}
	return Decision{Intercept: true, Strategy: classifier.Classify(r)}
}
