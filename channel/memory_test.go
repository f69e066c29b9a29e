package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/shopspring/decimal"

	"tripsync/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type docRecorder struct {
	mu    sync.Mutex
	snaps []*models.Itinerary
}

func (r *docRecorder) record(doc *models.Itinerary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, doc)
}

func (r *docRecorder) last() (*models.Itinerary, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	doc, err := m.Get(context.Background(), "a/b")
	assert.Equal(t, nil, err)
	if doc != nil {
		t.Fatalf("expected absent document, got %+v", doc)
	}
}

func TestMemoryReplaceAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	want := models.DefaultItinerary()

	if err := m.Replace(ctx, "doc", want); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := m.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assert.Equal(t, want, *got)
	assert.Equal(t, 1, m.ReplaceCount("doc"))

	// stored copy is isolated from the caller
	want.Days[0].Items[0].Name = "mutated"
	got, _ = m.Get(ctx, "doc")
	assert.NotEqual(t, "mutated", got.Days[0].Items[0].Name)
}

func TestMemorySubscribeDeliversInitialAndUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := &docRecorder{}

	unsub, err := m.Subscribe(ctx, "doc", rec.record, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	// initial snapshot reports the missing document
	waitFor(t, func() bool { _, n := rec.last(); return n >= 1 })
	doc, _ := rec.last()
	if doc != nil {
		t.Fatal("expected nil initial snapshot")
	}

	_ = m.Replace(ctx, "doc", models.DefaultItinerary())
	waitFor(t, func() bool { d, _ := rec.last(); return d != nil })

	_ = m.Remove(ctx, "doc")
	waitFor(t, func() bool { d, _ := rec.last(); return d == nil })
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := &docRecorder{}

	unsub, _ := m.Subscribe(ctx, "doc", rec.record, nil)
	waitFor(t, func() bool { _, n := rec.last(); return n == 1 })
	unsub()
	unsub()

	_ = m.Replace(ctx, "doc", models.DefaultItinerary())
	time.Sleep(50 * time.Millisecond)
	_, n := rec.last()
	assert.Equal(t, 1, n)
}

func TestMemoryWriteError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	m.SetWriteError(boom)
	err := m.Replace(ctx, "doc", models.DefaultItinerary())
	assert.Equal(t, true, errors.Is(err, boom))
	_, err = m.Append(ctx, "col", models.Expense{Item: "x"})
	assert.Equal(t, true, errors.Is(err, boom))

	m.SetWriteError(nil)
	assert.Equal(t, nil, m.Replace(ctx, "doc", models.DefaultItinerary()))
}

func TestMemoryCollectionLifecycle(t *testing.T) {
	m := NewMemory()
	col := m.Collections()
	ctx := context.Background()

	var mu sync.Mutex
	var latest []models.Expense
	unsub, err := col.Subscribe(ctx, "col", TimestampDesc, func(records []models.Expense) {
		mu.Lock()
		latest = records
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	first, err := col.Append(ctx, "col", models.Expense{Item: "lunch", Cost: decimal.NewFromInt(1200)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, _ := col.Append(ctx, "col", models.Expense{Item: "metro", Cost: decimal.NewFromInt(210)})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 2
	})
	mu.Lock()
	assert.Equal(t, second, latest[0].ID)
	assert.Equal(t, first, latest[1].ID)
	if !latest[0].Timestamp.After(latest[1].Timestamp) {
		t.Error("expected strictly increasing server timestamps")
	}
	mu.Unlock()

	// deleting an unknown id is a no-op
	assert.Equal(t, nil, col.Delete(ctx, "col", "missing"))
	assert.Equal(t, nil, col.Delete(ctx, "col", first))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	})
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	_, err := m.Get(context.Background(), "doc")
	assert.Equal(t, ErrClosed, err)
	_, err = m.Subscribe(context.Background(), "doc", func(*models.Itinerary) {}, nil)
	assert.Equal(t, ErrClosed, err)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "artifacts/app/public/data/itineraries/tokyo-trip-data", ItineraryPath("app"))
	assert.Equal(t, "artifacts/app/users/u1/expenses", ExpensesPath("app", "u1"))
}

func TestMailboxCoalesces(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	box := NewMailbox(func(v int) {
		<-release
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer box.Close()

	box.Put(1)
	time.Sleep(20 * time.Millisecond) // let delivery of 1 start and block
	box.Put(2)
	box.Put(3)
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("deliveries went backwards: %v", seen)
		}
	}
}

func TestMemorySubscribeErrorAndCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	down := errors.New("listener down")

	m.SetSubscribeError(down)
	_, err := m.Subscribe(ctx, "doc", func(*models.Itinerary) {}, nil)
	assert.Equal(t, true, errors.Is(err, down))
	_, err = m.SubscribeCollection(ctx, "col", TimestampDesc, func([]models.Expense) {}, nil)
	assert.Equal(t, true, errors.Is(err, down))
	assert.Equal(t, 0, m.Subscribers("doc"))

	m.SetSubscribeError(nil)
	unsub, err := m.Subscribe(ctx, "doc", func(*models.Itinerary) {}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, m.Subscribers("doc"))
	unsub()
	assert.Equal(t, 0, m.Subscribers("doc"))

	// unsubscribing after Close must not panic
	unsub, _ = m.Subscribe(ctx, "doc", func(*models.Itinerary) {}, nil)
	m.Close()
	unsub()
}
