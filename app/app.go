// Package app assembles the process: remote channels for the configured
// backend, the session gate, the shared itinerary store and one expense
// ledger per signed-in identity.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tripsync/channel"
	"tripsync/config"
	"tripsync/db"
	"tripsync/expenses"
	"tripsync/itinerary"
	"tripsync/ratelim"
	"tripsync/rdx"
	"tripsync/session"
)

// Backend is a connected remote store exposing both channel kinds.
type Backend interface {
	Documents() channel.DocumentChannel
	Collections() channel.CollectionChannel
}

type App struct {
	Config    config.Config
	Gate      *session.Gate
	Itinerary *itinerary.Store
	Ledgers   *Ledgers

	closeBackend func(context.Context) error
	stop         chan struct{}
	stopOnce     sync.Once
}

// New connects the configured backend. Any connection or configuration
// problem drops the process into local mode rather than failing startup.
func New(ctx context.Context, cfg config.Config) *App {
	var backend Backend
	closeBackend := func(context.Context) error { return nil }

	if err := cfg.Validate(); err != nil {
		log.Printf("[App] remote settings unusable, running locally: %v", err)
	} else if cfg.Remote() {
		b, closer, err := connect(ctx, cfg)
		if err != nil {
			log.Printf("[App] %v; running locally", err)
		} else {
			backend, closeBackend = b, closer
		}
	}
	return Assemble(ctx, cfg, backend, closeBackend)
}

func connect(ctx context.Context, cfg config.Config) (Backend, func(context.Context) error, error) {
	switch cfg.Backend {
	case config.BackendMongo:
		m, err := db.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case config.BackendRedis:
		r, err := rdx.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return r, func(context.Context) error { return r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Assemble wires the stores over backend, which may be nil for local mode.
// The itinerary is loaded before Assemble returns.
func Assemble(ctx context.Context, cfg config.Config, backend Backend, closeBackend func(context.Context) error) *App {
	backoff := ratelim.NewBackoff(cfg.RetryAttempts, cfg.RetryBaseDelay)

	// typed nils must not leak into the interfaces the stores check
	var docs channel.DocumentChannel
	var cols channel.CollectionChannel
	if backend != nil {
		docs = backend.Documents()
		cols = backend.Collections()
	}

	gate := session.NewGate()
	session.Authenticate(ctx, gate, session.NewProvider(cfg.InitialAuthToken, cfg.JWTSecret))

	store := itinerary.New(gate, docs, cfg.AppID, itinerary.WithBackoff(backoff))
	a := &App{
		Config:       cfg,
		Gate:         gate,
		Itinerary:    store,
		Ledgers:      NewLedgers(cols, cfg.AppID, expenses.WithCurrency(cfg.Currency), expenses.WithBackoff(backoff)),
		closeBackend: closeBackend,
		stop:         make(chan struct{}),
	}
	if err := store.Start(ctx); err != nil {
		log.Printf("[App] itinerary start: %v", err)
	}
	log.Printf("[App] itinerary %s in %s mode", store.State(), store.Mode())
	go a.supervise(superviseInterval)
	return a
}

const (
	superviseInterval = 5 * time.Second
	ledgerIdle        = 30 * time.Minute
)

// supervise restarts the itinerary whenever it is not subscribed, evicts idle
// ledgers and reopens ledgers that lost their subscription, until the app closes.
func (a *App) supervise(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}
		if a.Itinerary.State() != itinerary.Subscribed {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := a.Itinerary.Start(ctx)
			cancel()
			switch {
			case err == nil:
				log.Printf("[App] itinerary %s after retry", a.Itinerary.State())
			case errors.Is(err, itinerary.ErrClosed):
				return
			default:
				log.Printf("[App] itinerary start: %v", err)
			}
		}
		if n := a.Ledgers.Sweep(time.Now().Add(-ledgerIdle)); n > 0 {
			log.Printf("[App] evicted %d idle ledgers", n)
		}
	}
}

// Close flushes pending itinerary writes, then tears down every store and the backend.
func (a *App) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	log.Printf("[App] closing itinerary and %d ledgers", a.Ledgers.Count())
	var errs []error
	if err := a.Itinerary.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush itinerary: %w", err))
	}
	errs = append(errs, a.Itinerary.Close(), a.Ledgers.Close())
	if a.closeBackend != nil {
		errs = append(errs, a.closeBackend(ctx))
	}
	return errors.Join(errs...)
}

type ledgerEntry struct {
	ledger   *expenses.Ledger
	done     chan struct{}
	err      error
	lastUsed time.Time
}

// Ledgers keeps one subscribed ledger per identity.
type Ledgers struct {
	cols  channel.CollectionChannel
	appID string
	opts  []expenses.Option

	mu       sync.Mutex
	entries  map[string]*ledgerEntry
	onCreate []func(userID string, l *expenses.Ledger)
	keep     func(userID string) bool
	closed   bool
}

func NewLedgers(cols channel.CollectionChannel, appID string, opts ...expenses.Option) *Ledgers {
	return &Ledgers{
		cols:    cols,
		appID:   appID,
		opts:    opts,
		entries: make(map[string]*ledgerEntry),
	}
}

// OnCreate registers fn to run for every ledger the registry subscribes.
func (ls *Ledgers) OnCreate(fn func(userID string, l *expenses.Ledger)) {
	ls.mu.Lock()
	ls.onCreate = append(ls.onCreate, fn)
	ls.mu.Unlock()
}

// KeepAlive registers fn to hold a ledger past its idle timeout, typically
// while a websocket client still watches it.
func (ls *Ledgers) KeepAlive(fn func(userID string) bool) {
	ls.mu.Lock()
	ls.keep = fn
	ls.mu.Unlock()
}

// Resolve returns the identity's ledger, subscribing it on first use.
// Concurrent first requests for one identity share a single subscription.
func (ls *Ledgers) Resolve(ctx context.Context, userID string, anonymous bool) (*expenses.Ledger, error) {
	if ls.cols == nil {
		return nil, expenses.ErrUnavailable
	}
	if userID == "" {
		return nil, expenses.ErrUnavailable
	}

	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil, expenses.ErrClosed
	}
	if e, ok := ls.entries[userID]; ok {
		e.lastUsed = time.Now()
		ls.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if !e.ledger.Subscribed() {
			// a lost subscription whose retries ran out; try again
			subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			if err := e.ledger.Subscribe(subCtx); err != nil {
				log.Printf("[Ledger] resubscribe %s: %v", userID, err)
			}
			cancel()
		}
		return e.ledger, nil
	}
	e := &ledgerEntry{done: make(chan struct{}), lastUsed: time.Now()}
	ls.entries[userID] = e
	hooks := append([]func(string, *expenses.Ledger){}, ls.onCreate...)
	ls.mu.Unlock()

	gate := session.NewGate()
	gate.Resolve(&session.Identity{UserID: userID, Anonymous: anonymous})
	l := expenses.New(gate, ls.cols, ls.appID, ls.opts...)
	for _, fn := range hooks {
		fn(userID, l)
	}

	// the subscription outlives this request
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	err := l.Subscribe(subCtx)
	cancel()

	ls.mu.Lock()
	if err != nil {
		// forget the failure so the next request tries again
		delete(ls.entries, userID)
		l.Close()
		e.err = err
	} else {
		e.ledger = l
		log.Printf("[Ledger] subscribed %s", userID)
	}
	close(e.done)
	ls.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return l, nil
}

// Count reports how many identities have a live ledger.
func (ls *Ledgers) Count() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	n := 0
	for _, e := range ls.entries {
		select {
		case <-e.done:
			if e.err == nil {
				n++
			}
		default:
		}
	}
	return n
}

// Sweep closes ledgers unused since cutoff that no KeepAlive hook holds, and
// reopens kept ledgers whose subscription was lost. It reports how many it evicted.
func (ls *Ledgers) Sweep(cutoff time.Time) int {
	ls.mu.Lock()
	keep := ls.keep
	var idle, live []*ledgerEntry
	var idleIDs []string
	for userID, e := range ls.entries {
		select {
		case <-e.done:
		default:
			continue
		}
		if e.ledger == nil {
			continue
		}
		held := keep != nil && keep(userID)
		if e.lastUsed.Before(cutoff) && !held {
			delete(ls.entries, userID)
			idle = append(idle, e)
			idleIDs = append(idleIDs, userID)
			continue
		}
		live = append(live, e)
	}
	ls.mu.Unlock()

	for i, e := range idle {
		if err := e.ledger.Close(); err != nil {
			log.Printf("[Ledger] close %s: %v", idleIDs[i], err)
		}
	}
	for _, e := range live {
		if e.ledger.Subscribed() {
			continue
		}
		go func(l *expenses.Ledger) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := l.Subscribe(ctx); err != nil {
				log.Printf("[Ledger] resubscribe: %v", err)
			}
		}(e.ledger)
	}
	return len(idle)
}

func (ls *Ledgers) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	entries := ls.entries
	ls.entries = map[string]*ledgerEntry{}
	ls.mu.Unlock()

	var errs []error
	for _, e := range entries {
		<-e.done
		if e.ledger != nil {
			errs = append(errs, e.ledger.Close())
		}
	}
	return errors.Join(errs...)
}
