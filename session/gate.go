// Package session tracks whether the current identity is known. Stores wait on
// a Gate before touching any remote channel.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotReady is returned by store operations attempted before the gate opens.
var ErrNotReady = errors.New("session not ready")

// Identity identifies the signed-in user of a session.
type Identity struct {
	UserID    string `json:"userId"`
	Anonymous bool   `json:"anonymous"`
}

// Gate moves from Unready to Ready(identity or none) exactly once.
type Gate struct {
	mu        sync.Mutex
	ready     bool
	identity  *Identity
	done      chan struct{}
	listeners []func(*Identity)
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Resolve opens the gate with id, which may be nil for "ready, no identity".
// Only the first call has an effect; it reports whether this call opened the gate.
func (g *Gate) Resolve(id *Identity) bool {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return false
	}
	g.ready = true
	if id != nil {
		c := *id
		g.identity = &c
	}
	listeners := g.listeners
	g.listeners = nil
	close(g.done)
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(g.Identity())
	}
	return true
}

// Ready reports whether the gate has opened.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Identity returns a copy of the resolved identity, or nil.
func (g *Gate) Identity() *Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.identity == nil {
		return nil
	}
	c := *g.identity
	return &c
}

// Done is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate opens or ctx ends.
func (g *Gate) Wait(ctx context.Context) (*Identity, error) {
	select {
	case <-g.done:
		return g.Identity(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnReady runs fn once with the resolved identity. If the gate is already open
// fn runs immediately on the calling goroutine.
func (g *Gate) OnReady(fn func(*Identity)) {
	g.mu.Lock()
	if !g.ready {
		g.listeners = append(g.listeners, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn(g.Identity())
}
