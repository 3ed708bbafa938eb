// Package deltalog keeps the ordered, append-only delta log of every document.
//
// All backends share one contract: Append adds a delta and returns the length of
// the log after the append in a single atomic step, so two writers racing on the
// same document always get distinct consecutive lengths.
package deltalog

import (
	"context"
	"errors"
	"time"

	co "github.com/ilnaes/quillsync/internal/common"
)

const closeTimeout = 5 * time.Second

var ErrClosed = errors.New("delta log store closed")

type Store interface {
	// Append adds delta to the end of docId's log and returns the new length.
	// The delta's 0-based position is the returned length minus one.
	Append(ctx context.Context, docId string, delta co.Delta) (int, error)

	// ReadAll returns docId's log in append order. A document that was never
	// written reads as an empty log.
	ReadAll(ctx context.Context, docId string) ([]co.Delta, error)

	// Clear irreversibly deletes docId's log.
	Clear(ctx context.Context, docId string) error

	Close() error
}

func clone(d co.Delta) co.Delta {
	return append(co.Delta(nil), d...)
}
