package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. Firestore reruns it when the documents it read change
// before commit, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption adjusts a single RunTransaction call.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	budget   time.Duration
}

// WithTxAttempts caps how often the body runs. Inserts guarded by tx.Create use 1 so an
// AlreadyExists surfaces immediately instead of being retried.
func WithTxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// RunTransaction runs fn on client with at most five attempts, bounded by a 15 second budget
// unless ctx already ends sooner. Errors are classified by WrapError; errors that already carry
// repository semantics, such as a conflict returned from fn, keep them.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is required"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction body is required"))
	}
	settings := txSettings{attempts: 5, budget: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	deadline := time.Now().Add(settings.budget)
	if d, ok := ctx.Deadline(); !ok || d.After(deadline) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts)))
}
