// Package itinerary keeps a local, optimistic view of the shared trip document
// in sync with a remote DocumentChannel.
package itinerary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tripsync/channel"
	"tripsync/models"
	"tripsync/ratelim"
	"tripsync/session"
)

var (
	ErrNotReady        = session.ErrNotReady
	ErrNotLoaded       = errors.New("itinerary not loaded")
	ErrClosed          = errors.New("itinerary store closed")
	ErrDayNotFound     = errors.New("day not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

const writeTimeout = 10 * time.Second

// State is the bootstrap progress of a Store. A store whose subscription was
// lost drops back to Bootstrapping until Subscribe succeeds again.
type State int

const (
	Uninitialized State = iota
	Bootstrapping
	Subscribed
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Subscribed:
		return "subscribed"
	default:
		return "uninitialized"
	}
}

// Mode reports whether a Store talks to a remote channel.
type Mode int

const (
	Local Mode = iota
	Remote
)

func (m Mode) String() string {
	if m == Remote {
		return "remote"
	}
	return "local"
}

// Option configures a Store.
type Option func(*Store)

// WithLexicalOrder sorts items by their raw time label instead of by time of day.
func WithLexicalOrder() Option {
	return func(s *Store) { s.order = models.Lexical }
}

// WithBackoff overrides the retry policy for reads, writes and resubscription.
func WithBackoff(b *ratelim.Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithClock sets the clock new item ids are derived from.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the local itinerary view. Reads are safe from any goroutine;
// mutations apply locally at once and are written through in the background.
type Store struct {
	gate    *session.Gate
	ch      channel.DocumentChannel
	path    string
	order   models.Order
	backoff *ratelim.Backoff
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	persist *persister

	mu           sync.RWMutex
	state        State
	mode         Mode
	days         []models.Day
	loading      bool
	lastErr      error
	lastWriteErr error
	dirty        bool
	unsub        channel.Unsubscribe
	gen          int // subscription attempt counter
	failedGen    int // last attempt reported failed
	opening      bool
	closed       bool
	listeners    map[int]func([]models.Day)
	nextListener int
}

// New builds a Store for the itinerary of appID. ch may be nil, in which case
// the store runs in local mode on the built-in defaults.
func New(gate *session.Gate, ch channel.DocumentChannel, appID string, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		gate:      gate,
		ch:        ch,
		path:      channel.ItineraryPath(appID),
		order:     models.Chronological,
		backoff:   ratelim.NewBackoff(3, 200*time.Millisecond),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		loading:   true,
		listeners: make(map[int]func([]models.Day)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.persist = newPersister(s.writeVersion)
	return s
}

// Start loads the document and keeps it subscribed.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.Subscribe(ctx)
}

// Load fetches the remote document once, seeding it with the defaults when it
// is missing or has no days. In local mode it adopts the defaults.
func (s *Store) Load(ctx context.Context) error {
	if !s.gate.Ready() {
		return ErrNotReady
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Uninitialized {
		s.mu.Unlock()
		return nil
	}
	s.state = Bootstrapping
	s.loading = true
	s.mode = Local
	if s.ch != nil && s.gate.Identity() != nil {
		s.mode = Remote
	}
	mode := s.mode
	s.mu.Unlock()

	if mode == Local {
		log.Printf("[Itinerary] local mode, using built-in itinerary")
		s.adopt(models.DefaultItinerary().Days)
		return nil
	}

	var doc *models.Itinerary
	err := s.backoff.Retry(ctx, func(ctx context.Context) error {
		d, err := s.ch.Get(ctx, s.path)
		if errors.Is(err, channel.ErrClosed) {
			return ratelim.Permanent(err)
		}
		doc = d
		return err
	})
	if err != nil {
		log.Printf("[Itinerary] load %s failed: %v", s.path, err)
		s.mu.Lock()
		s.state = Uninitialized
		s.loading = false
		s.lastErr = err
		s.days = nil
		listeners := s.listenersLocked()
		s.mu.Unlock()
		notify(listeners, nil)
		return fmt.Errorf("load itinerary: %w", err)
	}

	if doc == nil || len(doc.Days) == 0 {
		log.Printf("[Itinerary] %s is empty, seeding defaults", s.path)
		seed := models.DefaultItinerary()
		s.adopt(seed.Days)
		s.persist.schedule(seed)
		return s.persist.flush(ctx)
	}

	s.adopt(doc.Days)
	return nil
}

// Subscribe opens the standing subscription. Every push replaces the local
// days. Load must have succeeded first.
func (s *Store) Subscribe(ctx context.Context) error {
	if !s.gate.Ready() {
		return ErrNotReady
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch {
	case s.state == Uninitialized:
		s.mu.Unlock()
		return ErrNotLoaded
	case s.state == Subscribed || s.opening:
		s.mu.Unlock()
		return nil
	case s.mode == Local:
		s.state = Subscribed
		s.mu.Unlock()
		return nil
	}
	s.opening = true
	s.mu.Unlock()

	err := s.backoff.Retry(ctx, s.open)
	s.endOpening(err)
	if err != nil {
		return fmt.Errorf("subscribe itinerary: %w", err)
	}
	return nil
}

// open makes one subscription attempt and waits, bounded by ctx, until the
// first snapshot has been adopted so callers never race their own edits
// against the initial push. The store counts as Subscribed only once the
// attempt has delivered and has not failed since.
func (s *Store) open(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	first := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once
	onSnapshot := func(doc *models.Itinerary) {
		s.onSnapshot(doc)
		once.Do(func() { close(first) })
	}
	onError := func(err error) {
		select {
		case failed <- err:
		default:
		}
		s.onSubscribeError(gen, err)
	}

	unsub, err := s.ch.Subscribe(ctx, s.path, onSnapshot, onError)
	if errors.Is(err, channel.ErrClosed) {
		return ratelim.Permanent(err)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ratelim.Permanent(ErrClosed)
	}
	if s.failedGen == gen {
		// failed before we could record it
		s.mu.Unlock()
		unsub()
		return <-failed
	}
	s.unsub = unsub
	s.mu.Unlock()

	select {
	case <-first:
	case err := <-failed:
		return err
	case <-ctx.Done():
		log.Printf("[Itinerary] subscribed to %s, first snapshot still pending", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failedGen == gen {
		return errSubscriptionLost
	}
	s.state = Subscribed
	return nil
}

var errSubscriptionLost = errors.New("subscription lost while opening")

// endOpening clears the opening flag. A subscription that failed after its
// attempt succeeded but before the flag cleared is reopened in the background.
func (s *Store) endOpening(err error) {
	s.mu.Lock()
	s.opening = false
	if err != nil && !s.closed {
		s.lastErr = err
		s.loading = false
	}
	reopen := err == nil && !s.closed && s.state != Subscribed
	if reopen {
		s.opening = true
	}
	s.mu.Unlock()

	if reopen {
		go s.resubscribe()
	}
}

func (s *Store) onSnapshot(doc *models.Itinerary) {
	if s.isClosed() {
		return
	}
	if doc == nil {
		log.Printf("[Itinerary] %s was deleted remotely, re-seeding defaults", s.path)
		seed := models.DefaultItinerary()
		s.adopt(seed.Days)
		s.persist.schedule(seed)
		return
	}
	s.adopt(doc.Days)
}

// onSubscribeError drops the failed subscription, marks the store as no
// longer subscribed and, unless an open is already in progress, starts
// reopening it in the background. Errors from superseded attempts are ignored.
func (s *Store) onSubscribeError(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.failedGen == gen {
		s.mu.Unlock()
		return
	}
	log.Printf("[Itinerary] subscription to %s failed: %v", s.path, err)
	s.failedGen = gen
	s.lastErr = err
	s.loading = false
	unsub := s.unsub
	s.unsub = nil
	if s.state == Subscribed {
		s.state = Bootstrapping
	}
	start := !s.opening
	if start {
		s.opening = true
	}
	listeners := s.listenersLocked()
	days := models.CloneDays(s.days)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	notify(listeners, days)
	if start {
		go s.resubscribe()
	}
}

// resubscribe reopens a lost subscription with backoff. When it gives up the
// store stays Bootstrapping, so a later Subscribe or Start opens it again.
func (s *Store) resubscribe() {
	err := s.backoff.Retry(s.ctx, s.open)
	s.endOpening(err)
	if err != nil {
		log.Printf("[Itinerary] resubscribe to %s gave up: %v", s.path, err)
		return
	}
	log.Printf("[Itinerary] resubscribed to %s", s.path)
}

// adopt replaces the local days with a copy of days and clears loading.
func (s *Store) adopt(days []models.Day) {
	s.mu.Lock()
	s.days = models.CloneDays(days)
	s.loading = false
	s.lastErr = nil
	listeners := s.listenersLocked()
	snapshot := models.CloneDays(s.days)
	s.mu.Unlock()

	notify(listeners, snapshot)
}

// AddItem appends item to the day and re-sorts it. An item with a zero ID
// gets one derived from the clock.
func (s *Store) AddItem(dayNumber int, item models.Item) (models.Item, error) {
	item, err := normalizeItem(item)
	if err != nil {
		return models.Item{}, err
	}

	var stored models.Item
	err = s.mutate(dayNumber, func(d *models.Day) error {
		if item.ID == 0 {
			item.ID = s.now().UnixMilli()
			for d.HasItem(item.ID) {
				item.ID++
			}
		} else if d.HasItem(item.ID) {
			return fmt.Errorf("%w: item %d already on day %d", ErrInvalidArgument, item.ID, dayNumber)
		}
		d.Items = append(d.Items, item)
		stored = item.Clone()
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}
	return stored, nil
}

// EditItem replaces the item sharing item.ID and re-sorts the day.
func (s *Store) EditItem(dayNumber int, item models.Item) error {
	item, err := normalizeItem(item)
	if err != nil {
		return err
	}
	return s.mutate(dayNumber, func(d *models.Day) error {
		i := d.IndexOfItem(item.ID)
		if i < 0 {
			return fmt.Errorf("%w: item %d on day %d", ErrItemNotFound, item.ID, dayNumber)
		}
		d.Items[i] = item
		return nil
	})
}

// DeleteItem removes the item with id. Removing a missing id is a no-op.
func (s *Store) DeleteItem(dayNumber int, id int64) error {
	err := s.mutate(dayNumber, func(d *models.Day) error {
		i := d.IndexOfItem(id)
		if i < 0 {
			return errUnchanged
		}
		d.Items = append(d.Items[:i], d.Items[i+1:]...)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a private copy of one day, swaps the new sequence in,
// notifies listeners and schedules a write of the whole document.
func (s *Store) mutate(dayNumber int, fn func(*models.Day) error) error {
	s.mu.Lock()
	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := indexOfDay(s.days, dayNumber)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDayNotFound, dayNumber)
	}

	day := s.days[idx].Clone()
	if err := fn(&day); err != nil {
		s.mu.Unlock()
		return err
	}
	models.SortItems(s.order, day.Items)

	next := make([]models.Day, len(s.days))
	copy(next, s.days)
	next[idx] = day
	s.days = next

	remote := s.mode == Remote
	doc := models.Itinerary{Days: models.CloneDays(next)}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, models.CloneDays(doc.Days))
	if remote {
		s.persist.schedule(doc)
	}
	return nil
}

func (s *Store) mutableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.gate.Ready() {
		return ErrNotReady
	}
	if s.state == Uninitialized {
		return ErrNotLoaded
	}
	return nil
}

// writeVersion is the persister's writer. It runs on the persister goroutine.
func (s *Store) writeVersion(doc models.Itinerary) {
	err := s.backoff.Retry(s.ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		err := s.ch.Replace(wctx, s.path, doc)
		if errors.Is(err, channel.ErrClosed) {
			return ratelim.Permanent(err)
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Printf("[Itinerary] write to %s failed, keeping local state: %v", s.path, err)
		s.dirty = true
		s.lastWriteErr = err
		return
	}
	s.dirty = false
	s.lastWriteErr = nil
}

// Reconcile writes the current local state to the remote and waits for it.
// It returns the write error when the store is still dirty afterwards.
func (s *Store) Reconcile(ctx context.Context) error {
	s.mu.RLock()
	if err := s.mutableLocked(); err != nil {
		s.mu.RUnlock()
		return err
	}
	if s.mode == Local {
		s.mu.RUnlock()
		return nil
	}
	doc := models.Itinerary{Days: models.CloneDays(s.days)}
	s.mu.RUnlock()

	s.persist.schedule(doc)
	if err := s.persist.flush(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dirty {
		return fmt.Errorf("reconcile itinerary: %w", s.lastWriteErr)
	}
	return nil
}

// Flush waits for every scheduled write to finish.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist.flush(ctx)
}

// Days returns a copy of the current day sequence in render order.
func (s *Store) Days() []models.Day {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CloneDays(s.days)
}

// Day returns a copy of the day with dayNumber.
func (s *Store) Day(dayNumber int) (models.Day, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOfDay(s.days, dayNumber)
	if idx < 0 {
		return models.Day{}, fmt.Errorf("%w: %d", ErrDayNotFound, dayNumber)
	}
	return s.days[idx].Clone(), nil
}

// DayNumberAt maps a render position to the day's stable number.
func (s *Store) DayNumberAt(index int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.days) {
		return 0, fmt.Errorf("%w: position %d", ErrDayNotFound, index)
	}
	return s.days[index].DayNumber, nil
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Loading is true until the first view is adopted, and while the session is unready.
func (s *Store) Loading() bool {
	if !s.gate.Ready() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError is the most recent read or subscription failure, cleared by the next push.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LastWriteError is the error of the most recent failed write, nil once a write succeeds.
func (s *Store) LastWriteError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWriteErr
}

// Dirty reports whether local state may differ from the remote after a failed write.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Order is the item ordering the store maintains.
func (s *Store) Order() models.Order {
	return s.order
}

// OnChange registers fn to receive a copy of the days after every change.
// fn runs on the goroutine that caused the change, outside the store lock, so
// changes made concurrently from several goroutines may reach fn out of order.
// Listeners that need the latest view should read Days or Snapshot.
func (s *Store) OnChange(fn func([]models.Day)) (remove func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close drops the subscription and any writes not yet started.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.listeners = make(map[int]func([]models.Day))
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.persist.close()
	s.cancel()
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) listenersLocked() []func([]models.Day) {
	out := make([]func([]models.Day), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func([]models.Day), days []models.Day) {
	for _, fn := range listeners {
		fn(days)
	}
}

func indexOfDay(days []models.Day, dayNumber int) int {
	for i, d := range days {
		if d.DayNumber == dayNumber {
			return i
		}
	}
	return -1
}

func normalizeItem(item models.Item) (models.Item, error) {
	t, err := models.ParseItemType(string(item.Type))
	if err != nil {
		return models.Item{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	item.Type = t
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return models.Item{}, fmt.Errorf("%w: item name is required", ErrInvalidArgument)
	}
	item = item.Clone()
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item, nil
}
