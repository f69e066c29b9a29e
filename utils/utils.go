package utils

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"tripsync/globals"
)

func GetUUID() string {
	return uuid.New().String()
}

// SplitTags turns "a, b,,a" into ["a" "b"]. Case is kept; tags are display text.
func SplitTags(input string) []string {
	if input == "" {
		return []string{}
	}
	tags := []string{}
	seen := make(map[string]bool)
	for _, p := range strings.Split(input, ",") {
		tag := strings.TrimSpace(p)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// IntParam parses a named route parameter.
func IntParam(ps httprouter.Params, name string) (int64, error) {
	return strconv.ParseInt(ps.ByName(name), 10, 64)
}

func GetUserIDFromRequest(r *http.Request) string {
	requestingUserID, ok := r.Context().Value(globals.UserIDKey).(string)
	if !ok || requestingUserID == "" {
		return ""
	}
	return requestingUserID
}

// GetAnonymousFromRequest reports whether the authenticated identity is anonymous.
func GetAnonymousFromRequest(r *http.Request) bool {
	anon, _ := r.Context().Value(globals.AnonymousKey).(bool)
	return anon
}
