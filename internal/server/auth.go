package server

import (
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("missing user identity")

// Authenticator resolves the user a request acts for.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuthenticator trusts an identity header set by an upstream gateway.
type HeaderAuthenticator struct {
	// Header defaults to X-User-ID.
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	name := a.Header
	if name == "" {
		name = HeaderUserID
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}
