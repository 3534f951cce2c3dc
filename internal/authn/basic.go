package authn

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth verifies RFC 7617 Authorization: Basic credentials against a
// configured table of bcrypt password hashes, grounded on aras-auth's
// pkg/password (bcrypt.CompareHashAndPassword).
type BasicAuth struct {
	users map[string]string // username -> bcrypt hash
}

func NewBasicAuth(options map[string]interface{}) (*BasicAuth, error) {
	return &BasicAuth{users: optStringMap(options, "users")}, nil
}

func (a *BasicAuth) Authenticate(r *http.Request) (*Identity, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, unauthorized("basic credentials not provided", nil)
	}

	hash, ok := a.users[username]
	if !ok {
		return nil, unauthorized("unknown user", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, unauthorized("invalid credentials", err)
	}
	return &Identity{Subject: username}, nil
}
