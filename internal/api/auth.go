package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoKey      = errors.New("missing API key")
	errBadScheme  = errors.New("authorization must use the Bearer scheme")
	errKeyInvalid = errors.New("invalid API key")
)

// keysMatch compares in constant time. An empty key never matches.
func keysMatch(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requestKey reads the key from "Authorization: Bearer <key>" or, for
// EventSource clients that cannot set headers, the api_key query parameter.
func requestKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("api_key")); q != "" {
			return q, nil
		}
		return "", errNoKey
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadScheme
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", errNoKey
	}
	return key, nil
}

// requireKey guards the observability routes. It is a pass-through when
// api.api_key is unset.
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.config.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := requestKey(r)
		if err == nil && !keysMatch(key, s.config.APIKey) {
			err = errKeyInvalid
		}
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
