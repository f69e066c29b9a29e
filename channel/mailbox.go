package channel

import "sync"

// Mailbox hands values to a single delivery goroutine, keeping only the most
// recent undelivered value. Subscribers therefore see an advancing sequence and
// a slow callback never blocks the writer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMailbox starts the delivery goroutine.
func NewMailbox[T any](deliver func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run(deliver)
	return m
}

// Put replaces any pending value with v.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	m.value = v
	m.has = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Close stops delivery. Pending values are dropped.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) run(deliver func(T)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		m.mu.Lock()
		v, has := m.value, m.has
		var zero T
		m.value, m.has = zero, false
		m.mu.Unlock()

		if !has {
			continue
		}
		select {
		case <-m.done:
			return
		default:
		}
		deliver(v)
	}
}
