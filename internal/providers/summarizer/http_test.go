package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func chatOK(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	require.NoError(t, err)
}

func newTestProvider(serverURL string) *HTTPProvider {
	return NewHTTP(serverURL, "test-key", "test-model", 5*time.Second, fastRetry(), zap.NewNop(), nil)
}

func TestSummarizeSuccess(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)

		chatOK(t, w, "  A short summary.  ")
	}))
	defer server.Close()

	summary, err := newTestProvider(server.URL).Summarize(context.Background(), "document text", Options{})
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", summary)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestSummarizeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatOK(t, w, "second try")
	}))
	defer server.Close()

	summary, err := newTestProvider(server.URL).Summarize(context.Background(), "text", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second try", summary)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSummarizeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Summarize(context.Background(), "text", Options{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSummarizeNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Summarize(context.Background(), "text", Options{})
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSummarizeTimeoutClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		chatOK(t, w, "too late")
	}))
	defer server.Close()

	p := NewHTTP(server.URL, "test-key", "test-model", 20*time.Millisecond, fastRetry(), zap.NewNop(), nil)
	_, err := p.Summarize(context.Background(), "text", Options{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSummarizeTruncatesInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Messages[1].Content), 100+len("Summarize this document:\n\n"))
		chatOK(t, w, "ok")
	}))
	defer server.Close()

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	_, err := newTestProvider(server.URL).Summarize(context.Background(), string(long), Options{MaxInputChars: 100})
	require.NoError(t, err)
}
