// Package extractor pulls plain text out of uploaded PDF documents.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrUnreadable means the bytes are not a parseable PDF.
	ErrUnreadable = errors.New("pdf_unreadable")
	// ErrPasswordProtected means the document is encrypted.
	ErrPasswordProtected = errors.New("pdf_password_protected")
	// ErrEmpty means the document parsed but yielded no text, e.g. a
	// scan with no text layer.
	ErrEmpty = errors.New("pdf_empty")
)

type Provider interface {
	Extract(ctx context.Context, content []byte) (string, error)
}

var Module = fx.Module("providers.extractor",
	fx.Provide(New),
)

type pdfExtractor struct {
	log *zap.Logger
}

func New(log *zap.Logger) Provider {
	return &pdfExtractor{log: log.Named("providers.extractor")}
}

func (e *pdfExtractor) Extract(ctx context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrUnreadable
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		if isEncryptedErr(err) {
			return "", ErrPasswordProtected
		}
		e.log.Debug("pdf parse failed", zap.Error(err))
		return "", ErrUnreadable
	}

	var sb strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single broken page doesn't void the document.
			e.log.Debug("page text extraction failed",
				zap.Int("page", pageNum), zap.Error(err))
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	result := strings.TrimSpace(sb.String())
	if result == "" {
		return "", ErrEmpty
	}
	return result, nil
}

func isEncryptedErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "encrypted")
}
