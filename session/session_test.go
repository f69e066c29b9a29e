package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

var testSecret = []byte("test-secret")

func TestGateResolvesOnce(t *testing.T) {
	g := NewGate()
	assert.Equal(t, false, g.Ready())

	fired := 0
	g.OnReady(func(id *Identity) {
		fired++
		assert.Equal(t, "u1", id.UserID)
	})

	assert.Equal(t, true, g.Resolve(&Identity{UserID: "u1"}))
	assert.Equal(t, false, g.Resolve(&Identity{UserID: "u2"}))
	assert.Equal(t, false, g.Resolve(nil))

	assert.Equal(t, true, g.Ready())
	assert.Equal(t, "u1", g.Identity().UserID)
	assert.Equal(t, 1, fired)

	// late listeners run immediately
	late := false
	g.OnReady(func(*Identity) { late = true })
	assert.Equal(t, true, late)
}

func TestGateReadyWithoutIdentity(t *testing.T) {
	g := NewGate()
	g.Resolve(nil)
	assert.Equal(t, true, g.Ready())
	if g.Identity() != nil {
		t.Fatal("expected no identity")
	}
	select {
	case <-g.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestGateWait(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Wait(ctx)
	assert.Equal(t, true, errors.Is(err, context.DeadlineExceeded))

	go g.Resolve(&Identity{UserID: "later"})
	id, err := g.Wait(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, "later", id.UserID)
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(Identity{UserID: "abc", Anonymous: true}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	id, err := ParseToken("Bearer "+tok, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	assert.Equal(t, "abc", id.UserID)
	assert.Equal(t, true, id.Anonymous)

	if _, err := ParseToken(tok, []byte("other")); err == nil {
		t.Fatal("expected signature failure with the wrong secret")
	}
}

func TestTokenExpired(t *testing.T) {
	tok, _ := IssueToken(Identity{UserID: "abc"}, testSecret, -time.Minute)
	if _, err := ParseToken(tok, testSecret); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAuthenticateWithCustomToken(t *testing.T) {
	tok, _ := IssueToken(Identity{UserID: "traveller"}, testSecret, time.Hour)
	g := NewGate()
	id := Authenticate(context.Background(), g, NewProvider(tok, testSecret))
	assert.Equal(t, "traveller", id.UserID)
	assert.Equal(t, false, id.Anonymous)
}

func TestAuthenticateAnonymous(t *testing.T) {
	g := NewGate()
	id := Authenticate(context.Background(), g, NewProvider("", testSecret))
	assert.Equal(t, true, id.Anonymous)
	assert.NotEqual(t, "", id.UserID)
}

func TestAuthenticateFailureStillOpensGate(t *testing.T) {
	g := NewGate()
	id := Authenticate(context.Background(), g, NewProvider("not-a-jwt", testSecret))
	if id != nil {
		t.Fatalf("expected no identity, got %+v", id)
	}
	assert.Equal(t, true, g.Ready())
}
