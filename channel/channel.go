// Package channel defines the remote document and collection primitives the
// itinerary and expense stores synchronise against, plus an in-memory
// implementation used for local mode and tests.
package channel

import (
	"context"
	"errors"
	"fmt"

	"tripsync/models"
)

// ErrClosed is returned by every operation on a channel after Close.
var ErrClosed = errors.New("channel closed")

// Unsubscribe tears down a standing subscription. Calling it more than once is safe.
type Unsubscribe func()

// DocumentChannel is a keyed store of whole itinerary documents.
type DocumentChannel interface {
	// Get returns nil, nil when no document exists at path.
	Get(ctx context.Context, path string) (*models.Itinerary, error)
	// Replace overwrites the whole document.
	Replace(ctx context.Context, path string, doc models.Itinerary) error
	// Subscribe delivers the current document and then every later version.
	// A nil snapshot means the document does not exist (or was deleted).
	Subscribe(ctx context.Context, path string, onSnapshot func(*models.Itinerary), onError func(error)) (Unsubscribe, error)
}

// OrderHint asks the channel to deliver collection snapshots in an order.
// Consumers must not rely on it.
type OrderHint int

const (
	TimestampDesc OrderHint = iota
	TimestampAsc
)

// CollectionChannel is an append/delete store of expense records.
type CollectionChannel interface {
	// Append stores rec and returns the id the channel assigned. The channel
	// also assigns the record timestamp.
	Append(ctx context.Context, path string, rec models.Expense) (string, error)
	// Delete removes id from the collection. Missing ids are not an error.
	Delete(ctx context.Context, path, id string) error
	Subscribe(ctx context.Context, path string, order OrderHint, onSnapshot func([]models.Expense), onError func(error)) (Unsubscribe, error)
}

// ItineraryPath is where the shared itinerary document lives.
func ItineraryPath(appID string) string {
	return fmt.Sprintf("artifacts/%s/public/data/itineraries/tokyo-trip-data", appID)
}

// ExpensesPath is the collection holding one identity's expenses.
func ExpensesPath(appID, userID string) string {
	return fmt.Sprintf("artifacts/%s/users/%s/expenses", appID, userID)
}

// ApplyOrder sorts records in place following hint.
func ApplyOrder(hint OrderHint, records []models.Expense) {
	models.SortExpensesNewestFirst(records)
	if hint == TimestampAsc {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}
}
