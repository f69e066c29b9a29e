package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSignInIssuesUsableToken(t *testing.T) {
	rr := httptest.NewRecorder()
	SignIn(testSecret)(rr, httptest.NewRequest(http.MethodPost, "/api/session", nil), nil)
	assert.Equal(t, http.StatusCreated, rr.Code)

	var out signInResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, true, out.Anonymous)

	id, err := ParseToken(out.Token, testSecret)
	assert.Equal(t, nil, err)
	assert.Equal(t, out.UserID, id.UserID)
	assert.Equal(t, true, id.Anonymous)
}

func TestSignInWithoutSecret(t *testing.T) {
	rr := httptest.NewRecorder()
	SignIn(nil)(rr, httptest.NewRequest(http.MethodPost, "/api/session", nil), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
