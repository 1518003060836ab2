package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// HTTPConfig configures an HTTP agent endpoint.
type HTTPConfig struct {
	URL             string
	Headers         map[string]string
	Timeout         time.Duration
	MaxResponseBody int64
	Stream          bool // request text/event-stream responses
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 5 * time.Minute
	httpProvider           = "http"
)

// HTTP invokes agents hosted behind an HTTP endpoint.
//
// The request body is JSON:
//
//	{"execution_id", "step_index", "agent_ref", "role", "prompt", "context", "attempt", "stream"}
//
// A JSON response carries {"output", "tokens_used", "model"}. A text/event-stream
// response carries "data:" lines with {"delta": "..."} chunks and a final
// object holding output/tokens_used/model; "data: [DONE]" ends the stream.
type HTTP struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP invoker. Returns a validation error for a bad URL.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invoker: invalid url %q", cfg.URL)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTP{config: cfg, client: &http.Client{Transport: transport}}, nil
}

type httpRequestBody struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	AgentRef    string `json:"agent_ref"`
	Role        string `json:"role"`
	Prompt      string `json:"prompt"`
	Context     string `json:"context"`
	Attempt     int    `json:"attempt"`
	Stream      bool   `json:"stream"`
}

type httpMessage struct {
	Delta      string `json:"delta,omitempty"`
	Output     string `json:"output,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Model      string `json:"model,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *HTTP) Invoke(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	body, err := json.Marshal(httpRequestBody{
		ExecutionID: req.ExecutionID,
		StepIndex:   req.Step.StepIndex,
		AgentRef:    req.Step.AgentRef,
		Role:        req.Step.Role,
		Prompt:      req.Prompt,
		Context:     req.Context,
		Attempt:     req.Attempt,
		Stream:      h.config.Stream,
	})
	if err != nil {
		return nil, &Error{Kind: schema.ErrorKindFatal, Provider: httpProvider, Message: "marshal request", Cause: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: schema.ErrorKindFatal, Provider: httpProvider, Message: "create request", Cause: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	if h.config.Stream {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range h.config.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		// Caller cancellation and deadlines are classified upstream from ctx.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: "request timed out", Cause: err}
		}
		return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, h.config.MaxResponseBody)

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(limited)
		msg := strings.TrimSpace(string(raw))
		var m httpMessage
		if json.Unmarshal(raw, &m) == nil && m.Error != "" {
			msg = m.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			Kind:       KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Provider:   httpProvider,
			Message:    msg,
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readEventStream(limited, onChunk)
	}

	var m httpMessage
	if err := json.NewDecoder(limited).Decode(&m); err != nil {
		return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: "decode response", Cause: err}
	}
	if m.Error != "" {
		return nil, &Error{Kind: schema.ErrorKindFatal, Provider: httpProvider, Message: m.Error}
	}
	if onChunk != nil && m.Output != "" {
		onChunk(m.Output)
	}
	return &Response{Output: m.Output, TokensUsed: m.TokensUsed, Model: m.Model}, nil
}

func readEventStream(r io.Reader, onChunk ChunkFunc) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		acc      strings.Builder
		out      Response
		finished bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			finished = true
			break
		}
		var m httpMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: "malformed stream event", Cause: err}
		}
		if m.Error != "" {
			return nil, &Error{Kind: schema.ErrorKindFatal, Provider: httpProvider, Message: m.Error}
		}
		if m.Delta != "" {
			acc.WriteString(m.Delta)
			if onChunk != nil {
				onChunk(m.Delta)
			}
		}
		if m.Output != "" {
			out.Output = m.Output
		}
		if m.TokensUsed != 0 {
			out.TokensUsed = m.TokensUsed
		}
		if m.Model != "" {
			out.Model = m.Model
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: "stream interrupted", Cause: err}
	}
	if !finished && out.Output == "" && acc.Len() == 0 {
		return nil, &Error{Kind: schema.ErrorKindTransient, Provider: httpProvider, Message: "empty stream"}
	}
	if out.Output == "" {
		out.Output = acc.String()
	}
	return &out, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// String implements fmt.Stringer for log output.
func (h *HTTP) String() string {
	return fmt.Sprintf("http(%s)", h.config.URL)
}
