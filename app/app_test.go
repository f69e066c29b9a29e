package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/shopspring/decimal"

	"tripsync/channel"
	"tripsync/config"
	"tripsync/expenses"
	"tripsync/itinerary"
	"tripsync/ratelim"
)

func testConfig() config.Config {
	cfg := config.FromEnv(func(key string) string {
		switch key {
		case "JWT_SECRET":
			return "app-test-secret"
		case "RETRY_ATTEMPTS":
			return "1"
		case "RETRY_BASE_DELAY":
			return "1ms"
		}
		return ""
	})
	return cfg
}

func TestAssembleLocal(t *testing.T) {
	a := Assemble(context.Background(), testConfig(), nil, nil)
	defer a.Close(context.Background())

	assert.Equal(t, itinerary.Local, a.Itinerary.Mode())
	assert.Equal(t, itinerary.Subscribed, a.Itinerary.State())
	assert.Equal(t, 4, len(a.Itinerary.Days()))
	assert.NotEqual(t, nil, a.Gate.Identity())

	_, err := a.Ledgers.Resolve(context.Background(), "u1", true)
	assert.Equal(t, true, errors.Is(err, expenses.ErrUnavailable))
}

func TestAssembleRemoteSeedsItinerary(t *testing.T) {
	m := channel.NewMemory()
	cfg := testConfig()
	a := Assemble(context.Background(), cfg, m, func(context.Context) error { return m.Close() })

	assert.Equal(t, itinerary.Remote, a.Itinerary.Mode())
	assert.Equal(t, 1, m.ReplaceCount(channel.ItineraryPath(cfg.AppID)))

	assert.Equal(t, nil, a.Close(context.Background()))
	_, err := m.Get(context.Background(), channel.ItineraryPath(cfg.AppID))
	assert.Equal(t, true, errors.Is(err, channel.ErrClosed))
}

func TestLedgersShareOnePerIdentity(t *testing.T) {
	m := channel.NewMemory()
	ls := NewLedgers(m.Collections(), "app")
	defer ls.Close()

	var mu sync.Mutex
	created := map[string]int{}
	ls.OnCreate(func(userID string, _ *expenses.Ledger) {
		mu.Lock()
		created[userID]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	got := make([]*expenses.Ledger, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := ls.Resolve(context.Background(), "u1", false)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			got[i] = l
		}(i)
	}
	wg.Wait()
	for _, l := range got[1:] {
		if l != got[0] {
			t.Fatal("expected one ledger per identity")
		}
	}

	other, err := ls.Resolve(context.Background(), "u2", true)
	assert.Equal(t, nil, err)
	if other == got[0] {
		t.Fatal("identities must not share a ledger")
	}

	mu.Lock()
	assert.Equal(t, 1, created["u1"])
	assert.Equal(t, 1, created["u2"])
	mu.Unlock()
	assert.Equal(t, 2, ls.Count())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := got[0].AddExpense(ctx, "ramen", decimal.NewFromInt(900)); err != nil {
		t.Fatalf("AddExpense: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(got[0].Expenses()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, len(got[0].Expenses()))
	assert.Equal(t, 0, len(other.Expenses()))
}

func TestLedgersDoNotCacheFailures(t *testing.T) {
	m := channel.NewMemory()
	ls := NewLedgers(m.Collections(), "app", expenses.WithBackoff(ratelim.NewBackoff(1, time.Millisecond)))
	defer ls.Close()

	m.Close()
	_, err := ls.Resolve(context.Background(), "u1", false)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, ls.Count())
}

func TestLedgersClosed(t *testing.T) {
	ls := NewLedgers(channel.NewMemory().Collections(), "app")
	assert.Equal(t, nil, ls.Close())
	_, err := ls.Resolve(context.Background(), "u1", false)
	assert.Equal(t, true, errors.Is(err, expenses.ErrClosed))
}

func TestItineraryStartIsRetried(t *testing.T) {
	m := channel.NewMemory()
	m.SetReadError(errors.New("offline"))
	a := Assemble(context.Background(), testConfig(), m, nil)
	defer a.Close(context.Background())
	assert.Equal(t, itinerary.Uninitialized, a.Itinerary.State())

	m.SetReadError(nil)
	go a.supervise(5 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for a.Itinerary.State() != itinerary.Subscribed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, itinerary.Subscribed, a.Itinerary.State())
	assert.Equal(t, 4, len(a.Itinerary.Days()))
}

func TestSupervisorReopensLostItinerary(t *testing.T) {
	m := channel.NewMemory()
	cfg := testConfig()
	a := Assemble(context.Background(), cfg, m, nil)
	defer a.Close(context.Background())
	assert.Equal(t, itinerary.Subscribed, a.Itinerary.State())

	down := errors.New("listener down")
	path := channel.ItineraryPath(cfg.AppID)
	m.SetSubscribeError(down)
	m.FailSubscriptions(path, errors.New("listener dropped"))

	deadline := time.Now().Add(2 * time.Second)
	for !errors.Is(a.Itinerary.LastError(), down) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, itinerary.Bootstrapping, a.Itinerary.State())

	m.SetSubscribeError(nil)
	go a.supervise(5 * time.Millisecond)

	deadline = time.Now().Add(2 * time.Second)
	for a.Itinerary.State() != itinerary.Subscribed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, itinerary.Subscribed, a.Itinerary.State())
	assert.Equal(t, 1, m.Subscribers(path))
}

func TestLedgersSweepEvictsIdle(t *testing.T) {
	m := channel.NewMemory()
	ls := NewLedgers(m.Collections(), "app")
	defer ls.Close()
	ls.KeepAlive(func(userID string) bool { return userID == "watched" })

	idle, err := ls.Resolve(context.Background(), "u1", false)
	assert.Equal(t, nil, err)
	watched, err := ls.Resolve(context.Background(), "watched", false)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, m.Subscribers(channel.ExpensesPath("app", "u1")))

	// nothing has been idle for an hour yet
	assert.Equal(t, 0, ls.Sweep(time.Now().Add(-time.Hour)))

	assert.Equal(t, 1, ls.Sweep(time.Now().Add(time.Minute)))
	assert.Equal(t, 1, ls.Count())
	assert.Equal(t, 0, m.Subscribers(channel.ExpensesPath("app", "u1")))
	assert.Equal(t, 1, m.Subscribers(channel.ExpensesPath("app", "watched")))

	_, err = idle.AddExpense(context.Background(), "ramen", decimal.NewFromInt(900))
	assert.Equal(t, true, errors.Is(err, expenses.ErrClosed))

	again, err := ls.Resolve(context.Background(), "u1", false)
	assert.Equal(t, nil, err)
	if again == idle {
		t.Fatal("expected a fresh ledger after eviction")
	}
	assert.Equal(t, true, watched.Subscribed())
}

func TestLedgersSweepReopensLostSubscription(t *testing.T) {
	m := channel.NewMemory()
	ls := NewLedgers(m.Collections(), "app", expenses.WithBackoff(ratelim.NewBackoff(1, time.Millisecond)))
	defer ls.Close()

	l, err := ls.Resolve(context.Background(), "u1", false)
	assert.Equal(t, nil, err)

	path := channel.ExpensesPath("app", "u1")
	down := errors.New("listener down")
	m.SetSubscribeError(down)
	m.FailSubscriptions(path, errors.New("listener dropped"))
	deadline := time.Now().Add(2 * time.Second)
	for !errors.Is(l.LastError(), down) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, false, l.Subscribed())

	m.SetSubscribeError(nil)
	assert.Equal(t, 0, ls.Sweep(time.Now().Add(-time.Hour)))

	deadline = time.Now().Add(2 * time.Second)
	for !l.Subscribed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, true, l.Subscribed())
	assert.Equal(t, 1, m.Subscribers(path))
}
