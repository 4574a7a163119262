package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/pkg/schema"
)

func okHandler() HandlerFunc {
	return func(context.Context, schema.HandlerInput) (*schema.HandlerResult, error) {
		return &schema.HandlerResult{Result: json.RawMessage(`{"ok":true}`)}, nil
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("step1", okHandler()))

	h, err := reg.Get("step1")
	require.NoError(t, err)
	res, err := h.Execute(context.Background(), schema.HandlerInput{Step: "step1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.True(t, reg.Has("step1"))
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()

	assert.True(t, schema.IsCode(reg.Register("", okHandler()), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register("x", nil), schema.ErrCodeValidation))

	require.NoError(t, reg.Register("dup", okHandler()))
	assert.True(t, schema.IsCode(reg.Register("dup", okHandler()), schema.ErrCodeConflict))

	_, err := reg.Get("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeHandlerNotFound))
}

func TestRegistry_ReplaceAndNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("step2", okHandler()))
	reg.Replace("step2", okHandler())
	reg.Replace("step1", okHandler())
	assert.Equal(t, []string{"step1", "step2"}, reg.Names())
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Register("same", okHandler())
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestRemoteHandler_Success(t *testing.T) {
	var got schema.HandlerInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "run-1", r.Header.Get("X-Run-ID"))
		assert.Equal(t, "secret", r.Header.Get("X-Worker-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"result": {"title": "hello"},
			"artifacts": [{"type": "draft", "content_type": "text/plain", "content": "aGVsbG8="}],
			"validation_report": {"valid": true}
		}`))
	}))
	defer srv.Close()

	h := NewRemoteHandler(RemoteConfig{Endpoint: srv.URL, Headers: map[string]string{"X-Worker-Token": "secret"}})
	res, err := h.Execute(context.Background(), schema.HandlerInput{RunID: "run-1", Step: "step2", Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, "step2", got.Step)
	assert.JSONEq(t, `{"title":"hello"}`, string(res.Result))
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, []byte("hello"), res.Artifacts[0].Content)
	assert.True(t, res.Validation.Valid())
}

func TestRemoteHandler_ValidationReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": {}, "validation_report": {"valid": false, "errors": ["missing title"]}}`))
	}))
	defer srv.Close()

	res, err := NewRemoteHandler(RemoteConfig{Endpoint: srv.URL}).Execute(context.Background(), schema.HandlerInput{})
	require.NoError(t, err)
	require.False(t, res.Validation.Valid())
	assert.Contains(t, res.Validation.Messages()[0], "missing title")
}

func TestRemoteHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		category schema.ErrorCategory
		errType  string
	}{
		{"explicit category", http.StatusOK, `{"error_category":"non_retryable","error_type":"auth","source":"llm","message":"bad key"}`, schema.CategoryNonRetryable, "auth"},
		{"explicit on 500", http.StatusInternalServerError, `{"error_category":"validation_fail","message":"bad"}`, schema.CategoryValidationFail, ""},
		{"throttled", http.StatusTooManyRequests, `slow down`, schema.CategoryRetryable, "http_429"},
		{"server error", http.StatusBadGateway, ``, schema.CategoryRetryable, "http_502"},
		{"client error", http.StatusBadRequest, `nope`, schema.CategoryNonRetryable, "http_400"},
		{"malformed", http.StatusOK, `not json`, schema.CategoryNonRetryable, "malformed_reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewRemoteHandler(RemoteConfig{Endpoint: srv.URL}).Execute(context.Background(), schema.HandlerInput{})
			he, ok := schema.AsHandlerError(err)
			require.True(t, ok, "want HandlerError, got %v", err)
			assert.Equal(t, tt.category, he.Category)
			if tt.errType != "" {
				assert.Equal(t, tt.errType, he.Type)
			}
		})
	}
}

func TestRemoteHandler_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewRemoteHandler(RemoteConfig{Endpoint: url}).Execute(context.Background(), schema.HandlerInput{})
	he, ok := schema.AsHandlerError(err)
	require.True(t, ok)
	assert.Equal(t, schema.CategoryRetryable, he.Category)
	assert.Equal(t, "transport", he.Type)
}

func TestRemoteHandler_DeadlineSurfacesContextError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewRemoteHandler(RemoteConfig{Endpoint: srv.URL}).Execute(ctx, schema.HandlerInput{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
