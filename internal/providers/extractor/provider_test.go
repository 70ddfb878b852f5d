package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestExtractRejectsEmptyInput(t *testing.T) {
	p := New(zap.NewNop())
	_, err := p.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestExtractRejectsGarbage(t *testing.T) {
	p := New(zap.NewNop())
	_, err := p.Extract(context.Background(), []byte("this is not a pdf at all"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestExtractRejectsTruncatedHeader(t *testing.T) {
	p := New(zap.NewNop())
	_, err := p.Extract(context.Background(), []byte("%PDF-1.7\n"))
	assert.ErrorIs(t, err, ErrUnreadable)
}
