package templates

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/linkshelf/internal/logging"
)

// OfflineData is what the offline body template sees.
type OfflineData struct {
	Method string
	Path   string
	Query  string
	Time   time.Time
}

// OfflineBody adapts tmpl to the worker's body renderer. Render failures
// are logged and yield nil, which makes the worker use its built-in body.
func OfflineBody(tmpl *Template, logger *slog.Logger) func(*http.Request) []byte {
	if tmpl == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return func(r *http.Request) []byte {
		body, err := tmpl.Render(OfflineData{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Time:   time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("render offline body failed", slog.String("template", tmpl.Name()), slog.Any("error", err))
			return nil
		}
		return []byte(body)
	}
}
