// Package expenses holds the signed-in identity's expense records, mirrored
// from a remote collection.
package expenses

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"tripsync/channel"
	"tripsync/models"
	"tripsync/ratelim"
	"tripsync/session"
)

var (
	ErrNotReady        = session.ErrNotReady
	ErrUnavailable     = errors.New("expense ledger unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("expense ledger closed")
)

const (
	DefaultCurrency = "JPY"
	writeTimeout    = 10 * time.Second
)

type Option func(*Ledger)

// WithCurrency sets the ISO 4217 code FormatTotal renders in.
func WithCurrency(code string) Option {
	return func(l *Ledger) {
		if code != "" {
			l.currency = strings.ToUpper(code)
		}
	}
}

func WithBackoff(b *ratelim.Backoff) Option {
	return func(l *Ledger) { l.backoff = b }
}

// Ledger is one identity's view of its expense collection. Records only
// change when the channel pushes a snapshot; there is no optimistic insert.
type Ledger struct {
	gate     *session.Gate
	ch       channel.CollectionChannel
	appID    string
	currency string
	backoff  *ratelim.Backoff

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	records      []models.Expense
	loading      bool
	lastErr      error
	path         string
	unsub        channel.Unsubscribe
	subscribed   bool
	gen          int // subscription attempt counter
	failedGen    int // last attempt reported failed
	opening      bool
	closed       bool
	listeners    map[int]func([]models.Expense)
	nextListener int
}

// New builds a Ledger. ch may be nil, which leaves the ledger unavailable.
func New(gate *session.Gate, ch channel.CollectionChannel, appID string, opts ...Option) *Ledger {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		gate:      gate,
		ch:        ch,
		appID:     appID,
		currency:  DefaultCurrency,
		backoff:   ratelim.NewBackoff(3, 200*time.Millisecond),
		ctx:       ctx,
		cancel:    cancel,
		loading:   true,
		listeners: make(map[int]func([]models.Expense)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// target returns the collection path for the resolved identity.
func (l *Ledger) target() (string, error) {
	if !l.gate.Ready() {
		return "", ErrNotReady
	}
	id := l.gate.Identity()
	if l.ch == nil || id == nil {
		return "", ErrUnavailable
	}
	return channel.ExpensesPath(l.appID, id.UserID), nil
}

// Subscribe starts mirroring the identity's collection, newest first.
func (l *Ledger) Subscribe(ctx context.Context) error {
	path, err := l.target()
	if errors.Is(err, ErrUnavailable) {
		l.mu.Lock()
		l.loading = false
		l.mu.Unlock()
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.subscribed || l.opening {
		l.mu.Unlock()
		return nil
	}
	l.path = path
	l.opening = true
	l.mu.Unlock()

	err = l.backoff.Retry(ctx, l.open)
	l.endOpening(err)
	if err != nil {
		return fmt.Errorf("subscribe expenses: %w", err)
	}
	return nil
}

func (l *Ledger) open(ctx context.Context) error {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	first := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once
	onSnapshot := func(records []models.Expense) {
		l.onSnapshot(records)
		once.Do(func() { close(first) })
	}
	onError := func(err error) {
		select {
		case failed <- err:
		default:
		}
		l.onSubscribeError(gen, err)
	}

	unsub, err := l.ch.Subscribe(ctx, l.path, channel.TimestampDesc, onSnapshot, onError)
	if errors.Is(err, channel.ErrClosed) {
		return ratelim.Permanent(err)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		unsub()
		return ratelim.Permanent(ErrClosed)
	}
	if l.failedGen == gen {
		l.mu.Unlock()
		unsub()
		return <-failed
	}
	l.unsub = unsub
	l.mu.Unlock()

	select {
	case <-first:
	case err := <-failed:
		return err
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failedGen == gen {
		return errSubscriptionLost
	}
	l.subscribed = true
	return nil
}

var errSubscriptionLost = errors.New("subscription lost while opening")

// endOpening clears the opening flag, reopening in the background a
// subscription that failed just after its attempt succeeded.
func (l *Ledger) endOpening(err error) {
	l.mu.Lock()
	l.opening = false
	if err != nil && !l.closed {
		l.lastErr = err
		l.loading = false
	}
	reopen := err == nil && !l.closed && !l.subscribed
	if reopen {
		l.opening = true
	}
	l.mu.Unlock()

	if reopen {
		go l.resubscribe()
	}
}

func (l *Ledger) onSnapshot(records []models.Expense) {
	sorted := make([]models.Expense, len(records))
	copy(sorted, records)
	models.SortExpensesNewestFirst(sorted)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.records = sorted
	l.loading = false
	l.lastErr = nil
	listeners := l.listenersLocked()
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(l.Expenses())
	}
}

func (l *Ledger) onSubscribeError(gen int, err error) {
	l.mu.Lock()
	if l.closed || gen != l.gen || l.failedGen == gen {
		l.mu.Unlock()
		return
	}
	log.Printf("[Ledger] subscription to %s failed: %v", l.path, err)
	l.failedGen = gen
	l.lastErr = err
	l.loading = false
	l.subscribed = false
	unsub := l.unsub
	l.unsub = nil
	start := !l.opening
	if start {
		l.opening = true
	}
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if start {
		go l.resubscribe()
	}
}

// resubscribe reopens a lost subscription with backoff. When it gives up the
// ledger stays unsubscribed until Subscribe is called again.
func (l *Ledger) resubscribe() {
	err := l.backoff.Retry(l.ctx, l.open)
	l.endOpening(err)
	if err != nil {
		log.Printf("[Ledger] resubscribe to %s gave up: %v", l.path, err)
	}
}

// Subscribed reports whether the ledger currently holds a live subscription.
func (l *Ledger) Subscribed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.subscribed
}

// ParseCost reads a form value such as "1500" or "12.50" as a positive amount.
func ParseCost(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: cost is required", ErrInvalidArgument)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: cost %q is not a number", ErrInvalidArgument, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: cost must be greater than zero", ErrInvalidArgument)
	}
	return d, nil
}

// AddExpense appends a record. The channel assigns its id and timestamp and
// the record shows up with the next snapshot.
func (l *Ledger) AddExpense(ctx context.Context, label string, cost decimal.Decimal) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", fmt.Errorf("%w: item is required", ErrInvalidArgument)
	}
	if !cost.IsPositive() {
		return "", fmt.Errorf("%w: cost must be greater than zero", ErrInvalidArgument)
	}
	path, err := l.target()
	if err != nil {
		return "", err
	}
	if l.isClosed() {
		return "", ErrClosed
	}

	id := l.gate.Identity()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	// appends are not idempotent, so no retry here
	recID, err := l.ch.Append(wctx, path, models.Expense{Item: label, Cost: cost, UserID: id.UserID})
	if err != nil {
		log.Printf("[Ledger] append to %s failed: %v", path, err)
		return "", fmt.Errorf("add expense: %w", err)
	}
	return recID, nil
}

// DeleteExpense removes id. Deleting a missing id is not an error.
func (l *Ledger) DeleteExpense(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	path, err := l.target()
	if err != nil {
		return err
	}
	if l.isClosed() {
		return ErrClosed
	}

	err = l.backoff.Retry(ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		err := l.ch.Delete(wctx, path, id)
		if errors.Is(err, channel.ErrClosed) {
			return ratelim.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Printf("[Ledger] delete %s from %s failed: %v", id, path, err)
		return fmt.Errorf("delete expense: %w", err)
	}
	return nil
}

// Expenses returns the held records, newest first.
func (l *Ledger) Expenses() []models.Expense {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Expense, len(l.records))
	copy(out, l.records)
	return out
}

// Total sums the held records.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return models.SumCosts(l.records)
}

// Currency is the ISO code totals are formatted in.
func (l *Ledger) Currency() string {
	return l.currency
}

// FormatTotal renders Total in the ledger currency, e.g. "¥12,300".
func (l *Ledger) FormatTotal() string {
	return FormatAmount(l.Total(), l.currency)
}

// FormatAmount renders amount in the currency's minor units, rounding half
// away from zero.
func FormatAmount(amount decimal.Decimal, currency string) string {
	// money.New never leaves Currency nil, unlike money.GetCurrency
	cur := *money.New(0, currency).Currency()
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func (l *Ledger) Loading() bool {
	if !l.gate.Ready() {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loading
}

func (l *Ledger) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// OnChange registers fn to receive the records after every snapshot. Snapshots
// are delivered one at a time, in the order the channel produced them.
func (l *Ledger) OnChange(fn func([]models.Expense)) (remove func()) {
	l.mu.Lock()
	id := l.nextListener
	l.nextListener++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	unsub := l.unsub
	l.unsub = nil
	l.listeners = make(map[int]func([]models.Expense))
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	l.cancel()
	return nil
}

func (l *Ledger) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Ledger) listenersLocked() []func([]models.Expense) {
	out := make([]func([]models.Expense), 0, len(l.listeners))
	for _, fn := range l.listeners {
		out = append(out, fn)
	}
	return out
}
