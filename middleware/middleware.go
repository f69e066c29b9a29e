package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"tripsync/globals"
	"tripsync/session"
)

// Authenticate rejects requests without a valid Bearer session token and puts
// the identity on the request context.
func Authenticate(secret []byte) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			if websocket.IsWebSocketUpgrade(r) {
				// WebSocket handlers check the query token themselves
				next(w, r, ps)
				return
			}

			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			id, err := session.ParseToken(tokenString, secret)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next(w, r.WithContext(withIdentity(r.Context(), id)), ps)
		}
	}
}

// OptionalAuth adds the identity when a valid token is present and proceeds
// regardless.
func OptionalAuth(secret []byte) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			if tokenString := r.Header.Get("Authorization"); tokenString != "" {
				if id, err := session.ParseToken(tokenString, secret); err == nil {
					r = r.WithContext(withIdentity(r.Context(), id))
				}
			}
			next(w, r, ps)
		}
	}
}

func withIdentity(ctx context.Context, id *session.Identity) context.Context {
	ctx = context.WithValue(ctx, globals.UserIDKey, id.UserID)
	return context.WithValue(ctx, globals.AnonymousKey, id.Anonymous)
}
