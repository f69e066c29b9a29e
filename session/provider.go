package session

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// Provider signs a session in and reports who it is.
type Provider interface {
	SignIn(ctx context.Context) (*Identity, error)
}

// TokenProvider signs in with a pre-issued custom token.
type TokenProvider struct {
	Token  string
	Secret []byte
}

func (p TokenProvider) SignIn(ctx context.Context) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := ParseToken(p.Token, p.Secret)
	if err != nil {
		return nil, fmt.Errorf("custom token sign-in: %w", err)
	}
	return id, nil
}

// AnonymousProvider issues a fresh random identity per sign-in.
type AnonymousProvider struct{}

func (AnonymousProvider) SignIn(ctx context.Context) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Identity{UserID: uuid.New().String(), Anonymous: true}, nil
}

// NewProvider prefers the custom token when one is configured.
func NewProvider(token string, secret []byte) Provider {
	if token != "" {
		return TokenProvider{Token: token, Secret: secret}
	}
	return AnonymousProvider{}
}

// Authenticate signs in through p and opens gate with the outcome. A failed
// sign-in still opens the gate, with no identity, so nothing waits forever.
func Authenticate(ctx context.Context, gate *Gate, p Provider) *Identity {
	id, err := p.SignIn(ctx)
	if err != nil {
		log.Printf("[Session] sign-in failed, continuing without identity: %v", err)
		id = nil
	}
	if gate.Resolve(id) {
		if id != nil {
			log.Printf("[Session] ready as %s (anonymous=%t)", id.UserID, id.Anonymous)
		} else {
			log.Printf("[Session] ready without identity")
		}
	}
	return gate.Identity()
}
