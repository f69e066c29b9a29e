package models

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Expense is one ledger record. It is never mutated after creation.
type Expense struct {
	ID        string          `json:"id" bson:"-"`
	Item      string          `json:"item" bson:"item"`
	Cost      decimal.Decimal `json:"cost" bson:"-"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"` // assigned by the store on write
	UserID    string          `json:"userId" bson:"userId"`
}

// SortExpensesNewestFirst orders records by timestamp descending, breaking ties
// on id so repeated snapshots render the same way.
func SortExpensesNewestFirst(records []Expense) {
	slices.SortStableFunc(records, func(a, b Expense) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// SumCosts adds up the cost of every record.
func SumCosts(records []Expense) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Cost)
	}
	return total
}
