// Package summarizer produces summaries via an OpenAI-style
// chat-completions endpoint.
package summarizer

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited is a transient upstream 429.
	ErrRateLimited = errors.New("summarizer_rate_limited")
	// ErrTimeout means the request exceeded its deadline.
	ErrTimeout = errors.New("summarizer_timeout")
	// ErrProviderError is any other upstream failure.
	ErrProviderError = errors.New("summarizer_provider_error")
)

// Options tunes a single summarize call.
type Options struct {
	// MaxInputChars truncates the document before prompting. Zero means
	// the provider default.
	MaxInputChars int
}

type Provider interface {
	Summarize(ctx context.Context, text string, opts Options) (string, error)
}

// NoOpProvider echoes a canned summary, for local runs without a key.
type NoOpProvider struct{}

func (p *NoOpProvider) Summarize(ctx context.Context, text string, opts Options) (string, error) {
	return "Summary unavailable: no summarizer configured.", nil
}
