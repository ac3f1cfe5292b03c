// Package store provides the versioned key/record store backing the engine's
// mutable entities. Atomic increments and ledger appends map onto
// PutIfVersion, a compare-and-swap write against the backing store.
package store

import (
	"context"
	"time"

	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// Record is a stored entity with an optimistic version counter. Version 0
// means "never written"; every successful write increments it by one.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// VersionedStore is the transactional get/put/append-if-version surface the
// engine consumes. Implementations must make PutIfVersion atomic: the write
// succeeds only when the stored version still equals expectedVersion.
type VersionedStore interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, value []byte) (int64, error)
	PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, key string) error
}

// ErrVersionConflict signals a lost CAS race; callers re-read and retry.
var ErrVersionConflict = core.NewError(core.KindTransientInfra, "version conflict")

const (
	retryAttempts = 3
	retryBackoff  = 25 * time.Millisecond
)

// WithRetry runs fn with bounded retries and backoff for transient infra
// failures. Non-transient errors propagate immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if core.KindOf(err) != core.KindTransientInfra {
			return err
		}
		select {
		case <-ctx.Done():
			return core.WrapTransient(ctx.Err(), "retry cancelled")
		case <-time.After(retryBackoff << attempt):
		}
	}
	return err
}
