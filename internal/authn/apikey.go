package authn

import (
	"net/http"
)

// APIKeyAuth checks a static table of keys against a configurable header
// or query parameter. Options: keys (map[key]subject), header (default
// X-API-Key), query (optional fallback param name).
type APIKeyAuth struct {
	keys   map[string]string
	header string
	query  string
}

func NewAPIKeyAuth(options map[string]interface{}) (*APIKeyAuth, error) {
	return &APIKeyAuth{
		keys:   optStringMap(options, "keys"),
		header: optString(options, "header", "X-API-Key"),
		query:  optString(options, "query", ""),
	}, nil
}

func (a *APIKeyAuth) Authenticate(r *http.Request) (*Identity, error) {
	key := r.Header.Get(a.header)
	if key == "" && a.query != "" {
		key = r.URL.Query().Get(a.query)
	}
	if key == "" {
		return nil, unauthorized("api key not provided", nil)
	}

	subject, ok := a.keys[key]
	if !ok {
		return nil, unauthorized("unknown api key", nil)
	}
	return &Identity{Subject: subject}, nil
}
