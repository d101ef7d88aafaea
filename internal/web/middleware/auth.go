package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the caller of a request. Token is the raw bearer token, which
// is forwarded to the BI backend when permissions are checked there.
type Principal struct {
	Subject string
	Roles   []string
	Token   string
}

// AuthConfig holds configuration for the auth middleware
type AuthConfig struct {
	// Secret verifies HS256 tokens. When empty, tokens are not verified and
	// requests without one are let through anonymously.
	Secret string
	// SkipPaths are served without authentication
	SkipPaths []string
}

// Auth reads the bearer token, verifies it when a secret is configured, and
// stores the caller in the request context
func Auth(config AuthConfig) Middleware {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization format")
				return
			}

			p := Principal{Token: token}
			if config.Secret != "" {
				if token == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
					return
				}
				p, err = verify(token, config.Secret)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// bearerToken returns the token of the Authorization header, or of the
// token query parameter for WebSocket clients that cannot set headers
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get("token"), nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("malformed authorization header")
	}
	return parts[1], nil
}

func verify(token, secret string) (Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		subject, _ = claims["user_id"].(string)
	}
	if subject == "" {
		return Principal{}, errors.New("token has no subject")
	}

	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, role := range raw {
			if s, ok := role.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return Principal{Subject: subject, Roles: roles, Token: token}, nil
}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the caller from the context
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
