package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/pkg/schema"
)

// ClassifierRule maps a failed call to a kind when the CEL condition holds.
type ClassifierRule struct {
	When string           `json:"when" yaml:"when"`
	Kind schema.ErrorKind `json:"kind" yaml:"kind"`
}

// Classifier maps step call errors to an ErrorKind.
//
// Order: the step context (cancelled / timeout), operator rules, the
// invoker's own kind, structured error codes, then message heuristics.
// Anything unrecognized is transient so the attempt budget bounds it.
type Classifier struct {
	rules  []ClassifierRule
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewClassifier compiles rules. Rules may only yield transient,
// rate_limited, or fatal.
func NewClassifier(rules []ClassifierRule, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{rules: rules, logger: logger}
	if len(rules) == 0 {
		return c, nil
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	for i, r := range rules {
		switch r.Kind {
		case schema.ErrorKindTransient, schema.ErrorKindRateLimited, schema.ErrorKindFatal:
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"classifier rule %d: kind must be transient, rate_limited, or fatal (got %q)", i, r.Kind)
		}
		if _, err := cel.Compile(r.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "classifier rule %d: %s", i, err.Error()).WithCause(err)
		}
	}
	c.cel = cel
	return c, nil
}

// Classify returns the kind for err observed under ctx. A nil Classifier
// applies only the built-in order.
func (c *Classifier) Classify(ctx context.Context, err error, agentRef string, attempt int) schema.ErrorKind {
	if err == nil {
		return ""
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextKind(ctxErr)
	}
	if errors.Is(err, context.Canceled) {
		return schema.ErrorKindCancelled
	}

	if kind, ok := c.matchRules(ctx, err, agentRef, attempt); ok {
		return kind
	}

	var invErr *invoker.Error
	if errors.As(err, &invErr) && invErr.Kind != "" {
		return invErr.Kind
	}

	var mErr *schema.MaestroError
	if errors.As(err, &mErr) {
		switch mErr.Code {
		case schema.ErrCodeCircuitOpen, schema.ErrCodeStore:
			return schema.ErrorKindTransient
		case schema.ErrCodeRateLimited:
			return schema.ErrorKindRateLimited
		case schema.ErrCodeTimeout:
			return schema.ErrorKindTimeout
		case schema.ErrCodeCancelled:
			return schema.ErrorKindCancelled
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeTemplate,
			schema.ErrCodeExpression, schema.ErrCodeTransform:
			return schema.ErrorKindFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.ErrorKindTransient
	}

	return classifyMessage(err.Error())
}

func (c *Classifier) matchRules(ctx context.Context, err error, agentRef string, attempt int) (schema.ErrorKind, bool) {
	if c == nil || c.cel == nil {
		return "", false
	}

	data := map[string]any{
		"message":   err.Error(),
		"agent_ref": agentRef,
		"attempt":   attempt,
	}
	var invErr *invoker.Error
	if errors.As(err, &invErr) {
		data["status"] = invErr.StatusCode
		data["provider"] = invErr.Provider
	}

	for _, r := range c.rules {
		ok, evalErr := c.cel.Match(ctx, r.When, data)
		if evalErr != nil {
			c.logger.Warn("classifier rule failed", slog.String("rule", r.When), slog.Any("error", evalErr))
			continue
		}
		if ok {
			return r.Kind, true
		}
	}
	return "", false
}

var (
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"quota exceeded",
		"status 429",
	}
	fatalPatterns = []string{
		"unauthorized",
		"invalid api key",
		"permission denied",
		"forbidden",
		"bad request",
		"context length exceeded",
	}
	transientPatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"overloaded",
	}
)

// classifyMessage applies string heuristics for errors without structure.
func classifyMessage(msg string) schema.ErrorKind {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return schema.ErrorKindRateLimited
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return schema.ErrorKindFatal
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return schema.ErrorKindTransient
		}
	}
	return schema.ErrorKindTransient
}
