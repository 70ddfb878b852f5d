package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/summarly/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	defaultMaxInputChars = 60000
	systemPrompt         = "You summarize PDF documents. Produce a concise summary " +
		"with the key points, findings, and any action items. Plain text only."
)

// RetryConfig bounds the transient-failure retry loop. The defaults give
// one retry with a short backoff; total wall time stays under the
// caller's deadline.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Second,
	}
}

// HTTPProvider calls an OpenAI-compatible /chat/completions endpoint.
type HTTPProvider struct {
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics

	baseURL string
	apiKey  string
	model   string
	retry   RetryConfig
}

// NewHTTP builds the provider. Timeout applies per attempt, so a timed
// out call can still be retried.
func NewHTTP(baseURL, apiKey, model string, timeout time.Duration, retry RetryConfig, log *zap.Logger, m *metrics.Metrics) *HTTPProvider {
	return &HTTPProvider{
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("providers.summarizer"),
		metrics: m,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		retry:   retry,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *HTTPProvider) Summarize(ctx context.Context, text string, opts Options) (string, error) {
	maxChars := opts.MaxInputChars
	if maxChars <= 0 {
		maxChars = defaultMaxInputChars
	}
	if len(text) > maxChars {
		text = text[:maxChars]
	}

	var lastErr error
	backoff := p.retry.BackoffBase
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.metrics.IncSummarizerRetry()
			p.log.Info("retrying summarizer call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return "", ErrTimeout
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * p.retry.BackoffMultiplier)
			if backoff > p.retry.MaxBackoff {
				backoff = p.retry.MaxBackoff
			}
		}

		summary, err := p.complete(ctx, text)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if !isTransient(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (p *HTTPProvider) complete(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Summarize this document:\n\n" + text},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrProviderError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderError, resp.StatusCode, truncate(body, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrProviderError, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrProviderError)
	}

	summary := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrProviderError)
	}
	return summary, nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
