package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/partsdesk/api/internal/platform/firestore"
	"github.com/partsdesk/api/internal/repositories"
)

const countersCollection = "counters"

// Counter ids may contain ':' (orders:short_code); Firestore forbids '/' in document ids.
var counterIDReplacer = strings.NewReplacer("/", "_")

type sequenceDoc struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository hands out order short-code sequence numbers. Each counter is one document
// whose value is read and bumped inside a transaction, so concurrent intakes never share a number.
type CounterRepository struct {
	sequences *pfirestore.BaseRepository[sequenceDoc]
	provider  *pfirestore.Provider
}

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		sequences: pfirestore.NewBaseRepository[sequenceDoc](provider, countersCollection),
		provider:  provider,
	}, nil
}

// Next adds step (at least 1) to the counter and returns the new value. Missing counters start
// at zero.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	const op = "counters.next"
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return 0, repositories.NewCounterInputError(op, "counter id is required")
	}
	step = max(step, 1)

	ref, err := r.sequences.DocumentRef(ctx, counterIDReplacer.Replace(counterID))
	if err != nil {
		return 0, pfirestore.WrapError(op, err)
	}

	var value int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current sequenceDoc
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if err := snap.DataTo(&current); err != nil {
				return fmt.Errorf("decode counter %s: %w", counterID, err)
			}
		}
		value = current.Value + step
		return tx.Set(ref, map[string]any{
			"value":     value,
			"updatedAt": firestore.ServerTimestamp,
		})
	}, pfirestore.WithTxAttempts(10))
	if err != nil {
		return 0, pfirestore.WrapError(op, err)
	}
	return value, nil
}
