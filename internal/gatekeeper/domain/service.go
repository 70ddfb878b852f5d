package domain

import (
	"context"
	"errors"
	"time"
)

// AdmitRequest carries the raw delivery exactly as it arrived. Body must
// be the unmodified request body: the signature covers its bytes.
type AdmitRequest struct {
	Body      []byte
	Timestamp string
	Signature string
	DedupKey  string
}

// AdmittedEvent is the receipt for a delivery that passed the gate.
type AdmittedEvent struct {
	DedupKey    string
	PayloadHash string
	AdmittedAt  time.Time
}

type Service interface {
	// Admit verifies the delivery's signature and freshness, then claims
	// its dedup key. Exactly one caller per key gets a receipt; everyone
	// else gets ErrDuplicateEvent.
	Admit(ctx context.Context, req AdmitRequest) (*AdmittedEvent, error)

	// Complete marks the admitted event as fully processed.
	Complete(ctx context.Context, dedupKey string) error

	// Fail marks the admitted event as terminally failed. The key stays
	// claimed: platform retries of a failed event are still duplicates.
	Fail(ctx context.Context, dedupKey string) error

	// Release drops the claim so exactly one platform retry can be
	// admitted again. Used when processing could not start at all.
	Release(ctx context.Context, dedupKey string) error

	// PurgeOlderThan removes records whose processed_at predates cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrStaleRequest     = errors.New("stale_request")
	ErrDuplicateEvent   = errors.New("duplicate_event")
	// ErrPayloadMismatch means the same dedup key arrived with a
	// different body. That breaks the replay assumption and the request
	// is aborted rather than guessed at.
	ErrPayloadMismatch = errors.New("payload_mismatch")
)
