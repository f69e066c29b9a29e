package channel

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"tripsync/models"
)

type docSub struct {
	box     *Mailbox[*models.Itinerary]
	onError func(error)
}

type colSub struct {
	order   OrderHint
	box     *Mailbox[[]models.Expense]
	onError func(error)
}

// Memory is a process-local DocumentChannel and CollectionChannel. Writes are
// visible immediately and fan out to subscribers on their own goroutines.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]models.Itinerary
	records map[string]map[string]models.Expense
	docSubs map[string][]*docSub
	colSubs map[string][]*colSub

	now       func() time.Time
	lastStamp time.Time
	readErr   error
	writeErr  error
	subErr    error
	replaces  map[string]int
	closed    bool
}

// NewMemory returns an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]models.Itinerary),
		records:  make(map[string]map[string]models.Expense),
		docSubs:  make(map[string][]*docSub),
		colSubs:  make(map[string][]*colSub),
		replaces: make(map[string]int),
		now:      time.Now,
	}
}

// SetReadError makes Get fail with err until cleared with nil.
func (m *Memory) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError makes Replace, Append and Delete fail with err until cleared with nil.
func (m *Memory) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetSubscribeError makes Subscribe and SubscribeCollection fail with err
// until cleared with nil.
func (m *Memory) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subErr = err
}

// Subscribers reports how many live subscriptions watch path.
func (m *Memory) Subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docSubs[path]) + len(m.colSubs[path])
}

// ReplaceCount reports how many successful Replace calls hit path.
func (m *Memory) ReplaceCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces[path]
}

func (m *Memory) Get(ctx context.Context, path string) (*models.Itinerary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	doc, ok := m.docs[path]
	if !ok {
		return nil, nil
	}
	c := doc.Clone()
	return &c, nil
}

func (m *Memory) Replace(ctx context.Context, path string, doc models.Itinerary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.docs[path] = doc.Clone()
	m.replaces[path]++
	m.pushDocLocked(path)
	return nil
}

// Remove deletes the document at path, as another client or an operator would.
func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.docs, path)
	m.pushDocLocked(path)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, path string, onSnapshot func(*models.Itinerary), onError func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.subErr != nil {
		return nil, m.subErr
	}
	sub := &docSub{box: NewMailbox(onSnapshot), onError: onError}
	m.docSubs[path] = append(m.docSubs[path], sub)
	sub.box.Put(m.docSnapshotLocked(path))

	return func() {
		m.mu.Lock()
		if !m.closed {
			m.docSubs[path] = slices.DeleteFunc(m.docSubs[path], func(s *docSub) bool { return s == sub })
		}
		m.mu.Unlock()
		sub.box.Close()
	}, nil
}

// FailSubscriptions reports err to every subscriber of path, as a dropped
// listener would.
func (m *Memory) FailSubscriptions(path string, err error) {
	m.mu.Lock()
	var handlers []func(error)
	for _, s := range m.docSubs[path] {
		handlers = append(handlers, s.onError)
	}
	for _, s := range m.colSubs[path] {
		handlers = append(handlers, s.onError)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(err)
		}
	}
}

func (m *Memory) Append(ctx context.Context, path string, rec models.Expense) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.writeErr != nil {
		return "", m.writeErr
	}
	rec.ID = ulid.Make().String()
	rec.Timestamp = m.stampLocked()
	if m.records[path] == nil {
		m.records[path] = make(map[string]models.Expense)
	}
	m.records[path][rec.ID] = rec
	m.pushColLocked(path)
	return rec.ID, nil
}

func (m *Memory) Delete(ctx context.Context, path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.records[path][id]; !ok {
		return nil
	}
	delete(m.records[path], id)
	m.pushColLocked(path)
	return nil
}

func (m *Memory) SubscribeCollection(ctx context.Context, path string, order OrderHint, onSnapshot func([]models.Expense), onError func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.subErr != nil {
		return nil, m.subErr
	}
	sub := &colSub{order: order, box: NewMailbox(onSnapshot), onError: onError}
	m.colSubs[path] = append(m.colSubs[path], sub)
	sub.box.Put(m.colSnapshotLocked(path, order))

	return func() {
		m.mu.Lock()
		if !m.closed {
			m.colSubs[path] = slices.DeleteFunc(m.colSubs[path], func(s *colSub) bool { return s == sub })
		}
		m.mu.Unlock()
		sub.box.Close()
	}, nil
}

// Documents exposes m as a DocumentChannel.
func (m *Memory) Documents() DocumentChannel {
	return m
}

// Collections exposes m as a CollectionChannel. Memory cannot satisfy both
// interfaces directly because they share the Subscribe method name.
func (m *Memory) Collections() CollectionChannel {
	return memoryCollections{m}
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.docSubs {
		for _, s := range subs {
			s.box.Close()
		}
	}
	for _, subs := range m.colSubs {
		for _, s := range subs {
			s.box.Close()
		}
	}
	m.docSubs = nil
	m.colSubs = nil
	return nil
}

func (m *Memory) docSnapshotLocked(path string) *models.Itinerary {
	doc, ok := m.docs[path]
	if !ok {
		return nil
	}
	c := doc.Clone()
	return &c
}

func (m *Memory) colSnapshotLocked(path string, order OrderHint) []models.Expense {
	out := make([]models.Expense, 0, len(m.records[path]))
	for _, r := range m.records[path] {
		out = append(out, r)
	}
	ApplyOrder(order, out)
	return out
}

func (m *Memory) pushDocLocked(path string) {
	for _, s := range m.docSubs[path] {
		s.box.Put(m.docSnapshotLocked(path))
	}
}

func (m *Memory) pushColLocked(path string) {
	for _, s := range m.colSubs[path] {
		s.box.Put(m.colSnapshotLocked(path, s.order))
	}
}

// stampLocked returns a strictly increasing write time.
func (m *Memory) stampLocked() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Nanosecond)
	}
	m.lastStamp = t
	return t
}

type memoryCollections struct {
	m *Memory
}

func (c memoryCollections) Append(ctx context.Context, path string, rec models.Expense) (string, error) {
	return c.m.Append(ctx, path, rec)
}

func (c memoryCollections) Delete(ctx context.Context, path, id string) error {
	return c.m.Delete(ctx, path, id)
}

func (c memoryCollections) Subscribe(ctx context.Context, path string, order OrderHint, onSnapshot func([]models.Expense), onError func(error)) (Unsubscribe, error) {
	return c.m.SubscribeCollection(ctx, path, order, onSnapshot, onError)
}
