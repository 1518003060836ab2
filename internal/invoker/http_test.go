package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func testRequest() Request {
	return Request{
		ExecutionID: "exec-1",
		Step:        schema.StepDefinition{StepIndex: 1, AgentRef: "writer", Role: "Writer"},
		Prompt:      "Summarize",
		Context:     "some input",
		Attempt:     2,
	}
}

func TestNewHTTP_InvalidURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{URL: "ftp://example.com"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestHTTP_JSONResponse(t *testing.T) {
	var got httpRequestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":"done","tokens_used":42,"model":"m-1"}`)
	}))
	defer srv.Close()

	inv, err := NewHTTP(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer secret"}})
	require.NoError(t, err)

	var chunks []string
	resp, err := inv.Invoke(context.Background(), testRequest(), func(d string) { chunks = append(chunks, d) })
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Output)
	assert.Equal(t, 42, resp.TokensUsed)
	assert.Equal(t, "m-1", resp.Model)
	assert.Equal(t, []string{"done"}, chunks)

	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, 1, got.StepIndex)
	assert.Equal(t, "writer", got.AgentRef)
	assert.Equal(t, "some input", got.Context)
	assert.Equal(t, 2, got.Attempt)
}

func TestHTTP_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"Hel\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"tokens_used\":7,\"model\":\"m-2\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	inv, err := NewHTTP(HTTPConfig{URL: srv.URL, Stream: true})
	require.NoError(t, err)

	var chunks []string
	resp, err := inv.Invoke(context.Background(), testRequest(), func(d string) { chunks = append(chunks, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", resp.Output)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, "m-2", resp.Model)
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		kind       schema.ErrorKind
		wantDelay  time.Duration
	}{
		{status: 429, retryAfter: "3", kind: schema.ErrorKindRateLimited, wantDelay: 3 * time.Second},
		{status: 503, kind: schema.ErrorKindTransient},
		{status: 408, kind: schema.ErrorKindTransient},
		{status: 400, kind: schema.ErrorKindFatal},
		{status: 401, kind: schema.ErrorKindFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"provider says no"}`)
			}))
			defer srv.Close()

			inv, err := NewHTTP(HTTPConfig{URL: srv.URL})
			require.NoError(t, err)

			_, err = inv.Invoke(context.Background(), testRequest(), nil)
			require.Error(t, err)
			var ierr *Error
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tt.kind, ierr.Kind)
			assert.Equal(t, tt.status, ierr.StatusCode)
			assert.Equal(t, "provider says no", ierr.Message)
			assert.Equal(t, tt.wantDelay, ierr.RetryAfter)
		})
	}
}

func TestHTTP_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	inv, err := NewHTTP(HTTPConfig{URL: addr})
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), testRequest(), nil)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, schema.ErrorKindTransient, ierr.Kind)
}

func TestHTTP_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	inv, err := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = inv.Invoke(ctx, testRequest(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter("10", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
