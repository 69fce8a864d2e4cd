package offline

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/l0p7/linkshelf/internal/expr"
	"github.com/l0p7/linkshelf/internal/logging"
)

// Rule maps a CEL predicate to a strategy.
type Rule struct {
	Expression string
	Strategy   string
}

type compiledRule struct {
	program  expr.Program
	strategy Strategy
}

// CELClassifier evaluates ordered rules over the request and falls back to
// another classifier when none match. The activation exposes
// request.{method,path,ext,query,host,mode,accept,navigate,headers}.
type CELClassifier struct {
	rules    []compiledRule
	fallback Classifier
	logger   *slog.Logger
}

// NewCELClassifier compiles rules up front so bad expressions fail at startup.
func NewCELClassifier(rules []Rule, fallback Classifier, logger *slog.Logger) (*CELClassifier, error) {
	if fallback == nil {
		return nil, fmt.Errorf("offline: classifier fallback required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		strategy, err := ParseStrategy(rule.Strategy)
		if err != nil {
			return nil, fmt.Errorf("offline: classifier rule %d: %w", i, err)
		}
		program, err := env.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("offline: classifier rule %d: %w", i, err)
		}
		compiled = append(compiled, compiledRule{program: program, strategy: strategy})
	}
	return &CELClassifier{rules: compiled, fallback: fallback, logger: logger}, nil
}

func (c *CELClassifier) Classify(r *http.Request) Strategy {
	if len(c.rules) == 0 {
		return c.fallback.Classify(r)
	}
	activation := map[string]any{"request": requestActivation(r)}
	for _, rule := range c.rules {
		matched, err := rule.program.EvalBool(activation)
		if err != nil {
			c.logger.Warn("classifier rule failed", slog.String("expression", rule.program.Source()), slog.Any("error", err))
			continue
		}
		if matched {
			return rule.strategy
		}
	}
	return c.fallback.Classify(r)
}

func requestActivation(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for key, values := range r.Header {
		headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return map[string]any{
		"method":   r.Method,
		"path":     r.URL.Path,
		"ext":      strings.ToLower(path.Ext(r.URL.Path)),
		"query":    r.URL.RawQuery,
		"host":     r.Host,
		"mode":     r.Header.Get("Sec-Fetch-Mode"),
		"accept":   r.Header.Get("Accept"),
		"navigate": IsNavigation(r),
		"headers":  headers,
	}
}
