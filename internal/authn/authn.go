// Package authn provides the concrete authentication strategies dispatched
// by the Auth Stage Builder (C5) through the Middleware Loader (C2):
// jwt, apikey, and basic. spec.md treats "concrete authentication
// strategies" as out-of-scope external collaborators (spec.md §1); this
// package is the enrichment that gives the gateway something real to load
// by name, grounded on the pack's own auth code rather than invented.
package authn

import (
	"net/http"

	"github.com/coregate/gateway/internal/gwerrors"
)

// Identity is what a successful Authenticate call produces.
type Identity struct {
	Subject string
	Claims  map[string]interface{}
}

// Authenticator is the common shape every strategy implements.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

func unauthorized(reason string, err error) error {
	return &gwerrors.AuthError{StatusCode: http.StatusUnauthorized, Reason: reason, Err: err}
}

func optString(options map[string]interface{}, key, def string) string {
	if v, ok := options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func optStringSlice(options map[string]interface{}, key string) []string {
	v, ok := options[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func optStringMap(options map[string]interface{}, key string) map[string]string {
	v, ok := options[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
