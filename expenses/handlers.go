package expenses

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"

	"tripsync/models"
	"tripsync/utils"
)

// Resolver returns the subscribed ledger for an authenticated user.
type Resolver func(ctx context.Context, userID string, anonymous bool) (*Ledger, error)

// View is the JSON shape of GET /api/expenses.
type View struct {
	Expenses       []models.Expense `json:"expenses"`
	Total          decimal.Decimal  `json:"total"`
	FormattedTotal string           `json:"formattedTotal"`
	Currency       string           `json:"currency"`
	Loading        bool             `json:"loading"`
	LastError      string           `json:"lastError,omitempty"`
}

func (l *Ledger) Snapshot() View {
	v := View{
		Expenses:       l.Expenses(),
		Total:          l.Total(),
		FormattedTotal: l.FormatTotal(),
		Currency:       l.currency,
		Loading:        l.Loading(),
	}
	if err := l.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

type addRequest struct {
	Item string `json:"item"`
	Cost string `json:"cost"`
}

func ledgerFor(w http.ResponseWriter, r *http.Request, resolve Resolver) *Ledger {
	userID := utils.GetUserIDFromRequest(r)
	if userID == "" {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	l, err := resolve(ctx, userID, utils.GetAnonymousFromRequest(r))
	if err != nil {
		respondLedgerError(w, err)
		return nil
	}
	return l
}

// GET /api/expenses
func GetExpenses(resolve Resolver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		l := ledgerFor(w, r, resolve)
		if l == nil {
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, l.Snapshot())
	}
}

// POST /api/expenses
func AddExpense(resolve Resolver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req addRequest
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
		cost, err := ParseCost(req.Cost)
		if err != nil {
			respondLedgerError(w, err)
			return
		}
		l := ledgerFor(w, r, resolve)
		if l == nil {
			return
		}
		id, err := l.AddExpense(r.Context(), req.Item, cost)
		if err != nil {
			respondLedgerError(w, err)
			return
		}
		utils.RespondWithJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// DELETE /api/expenses/:id
func DeleteExpense(resolve Resolver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		l := ledgerFor(w, r, resolve)
		if l == nil {
			return
		}
		if err := l.DeleteExpense(r.Context(), ps.ByName("id")); err != nil {
			respondLedgerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed):
		utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[Ledger] request failed: %v", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}
