package session

import (
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"tripsync/utils"
)

// TokenTTL bounds how long an issued session token is accepted.
const TokenTTL = 30 * 24 * time.Hour

type signInResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Anonymous bool   `json:"anonymous"`
}

// SignIn issues a token for a fresh anonymous identity.
// POST /api/session
func SignIn(secret []byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id, err := AnonymousProvider{}.SignIn(r.Context())
		if err != nil {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "sign-in unavailable")
			return
		}
		token, err := IssueToken(*id, secret, TokenTTL)
		if err != nil {
			log.Printf("[Session] issuing token: %v", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "could not issue token")
			return
		}
		utils.RespondWithJSON(w, http.StatusCreated, signInResponse{Token: token, UserID: id.UserID, Anonymous: true})
	}
}
