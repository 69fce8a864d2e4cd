package offline

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// Strategy names a caching policy.
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// ParseStrategy accepts the configuration spelling of a strategy.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case StrategyCacheFirst:
		return StrategyCacheFirst, nil
	case StrategyNetworkFirst:
		return StrategyNetworkFirst, nil
	case StrategyStaleWhileRevalidate:
		return StrategyStaleWhileRevalidate, nil
	default:
		return "", fmt.Errorf("offline: unknown strategy %q", value)
	}
}

// Classifier picks the strategy for an intercepted GET request.
type Classifier interface {
	Classify(r *http.Request) Strategy
}

var staticExtensions = map[string]struct{}{
	".html": {}, ".js": {}, ".css": {}, ".svg": {}, ".png": {}, ".jpg": {},
	".jpeg": {}, ".gif": {}, ".webp": {}, ".json": {}, ".ico": {}, ".txt": {},
	".xml": {}, ".manifest": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
}

// DefaultClassifier sends precached paths and static-looking assets to
// cache-first, navigations to network-first and everything else to
// stale-while-revalidate.
type DefaultClassifier struct {
	precache map[string]struct{}
}

// NewDefaultClassifier builds the heuristic classifier for a precache list.
func NewDefaultClassifier(precache []string) *DefaultClassifier {
	set := make(map[string]struct{}, len(precache))
	for _, p := range precache {
		set[p] = struct{}{}
	}
	return &DefaultClassifier{precache: set}
}

func (c *DefaultClassifier) Classify(r *http.Request) Strategy {
	if _, ok := c.precache[r.URL.Path]; ok {
		return StrategyCacheFirst
	}
	if IsStaticAsset(r.URL.Path) {
		return StrategyCacheFirst
	}
	if IsNavigation(r) {
		return StrategyNetworkFirst
	}
	return StrategyStaleWhileRevalidate
}

// IsStaticAsset applies the file-extension heuristic.
func IsStaticAsset(p string) bool {
	_, ok := staticExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

// IsNavigation reports a top-level document load. Fetch metadata is
// authoritative; without it an HTML Accept on an extensionless path counts.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html") && path.Ext(r.URL.Path) == ""
}
