package offline

import "strings"

// CacheControlDirective holds the Cache-Control directives the worker
// consults before storing a network response. The worker cache belongs to
// one user, so private responses are storable.
type CacheControlDirective struct {
	NoStore bool
}

// ParseCacheControl parses a Cache-Control header value. Valued and unknown
// directives are ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "no-store") {
			directive.NoStore = true
		}
	}
	return directive
}
