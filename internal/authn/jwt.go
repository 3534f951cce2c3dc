package authn

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth verifies a bearer JWT, grounded on wudi-gateway's
// internal/middleware/auth/jwt.go (HMAC vs RSA keyfunc selection by
// algorithm prefix).
type JWTAuth struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	audience  []string
	algorithm string
	keyFunc   jwt.Keyfunc
}

func NewJWTAuth(options map[string]interface{}) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:    optString(options, "issuer", ""),
		audience:  optStringSlice(options, "audience"),
		algorithm: optString(options, "algorithm", "HS256"),
	}

	switch {
	case strings.HasPrefix(a.algorithm, "HS"):
		a.secret = []byte(optString(options, "secret", ""))
		if len(a.secret) == 0 {
			return nil, fmt.Errorf("jwt: HMAC algorithm %q requires options.secret", a.algorithm)
		}
		a.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		}
	case strings.HasPrefix(a.algorithm, "RS"):
		pubPEM := optString(options, "publicKey", "")
		if pubPEM == "" {
			return nil, fmt.Errorf("jwt: RSA algorithm %q requires options.publicKey", a.algorithm)
		}
		block, _ := pem.Decode([]byte(pubPEM))
		if block == nil {
			return nil, fmt.Errorf("jwt: failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt: public key is not RSA")
		}
		a.publicKey = rsaPub
		a.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.publicKey, nil
		}
	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", a.algorithm)
	}

	return a, nil
}

func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := a.extractToken(r)
	if tokenString == "" {
		return nil, unauthorized("bearer token not provided", nil)
	}

	token, err := jwt.Parse(tokenString, a.keyFunc)
	if err != nil || !token.Valid {
		return nil, unauthorized("invalid token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, unauthorized("invalid claims", nil)
	}

	if a.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != a.issuer {
			return nil, unauthorized("unexpected issuer", nil)
		}
	}
	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !anyMatch(aud, a.audience) {
			return nil, unauthorized("unexpected audience", nil)
		}
	}

	subject, _ := claims.GetSubject()
	return &Identity{Subject: subject, Claims: claims}, nil
}

func (a *JWTAuth) extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func anyMatch(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
