package itinerary

import (
	"context"
	"sync"

	"tripsync/models"
)

// persister writes whole-document versions one at a time, in order, always
// skipping ahead to the newest version queued while a write was in flight.
type persister struct {
	write func(models.Itinerary)

	mu      sync.Mutex
	pending *models.Itinerary
	busy    bool
	idle    chan struct{}
	closed  bool
}

func newPersister(write func(models.Itinerary)) *persister {
	idle := make(chan struct{})
	close(idle)
	return &persister{write: write, idle: idle}
}

// schedule queues doc, replacing any version not yet written.
func (p *persister) schedule(doc models.Itinerary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = &doc
	if !p.busy {
		p.busy = true
		p.idle = make(chan struct{})
		go p.drain()
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		doc := p.pending
		p.pending = nil
		if doc == nil {
			p.busy = false
			close(p.idle)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.write(*doc)
	}
}

// flush waits until every scheduled version has been written or dropped.
func (p *persister) flush(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drops versions not yet started. A write in flight runs to completion.
func (p *persister) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = nil
}
