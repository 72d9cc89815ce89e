package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures HMAC bearer token validation.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	AdminScope string
	ScopeClaim string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyScopes contextKey = "tcstatsd.scopes"

// Authenticator validates bearer tokens. Public routes accept anonymous
// callers; a valid token carrying the admin scope makes the caller
// privileged.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.AdminScope == "" {
		cfg.AdminScope = "tc:admin"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret)), logger: logger}
}

// Identify attaches the caller's scopes to the request context when a bearer
// token is present. Requests without a token pass through anonymously;
// requests with a bad token are rejected.
func (a *Authenticator) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.parseToken(tokenString)
		if err == nil {
			err = validateClaims(claims, a.cfg.Issuer, a.cfg.Audience)
		}
		if err != nil {
			a.logger.Warn("auth: token rejected", slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		scopes := extractScopes(claims, a.cfg.ScopeClaim)
		ctx := context.WithValue(r.Context(), contextKeyScopes, scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin only lets callers holding the admin scope through. It must be
// mounted after Identify.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scopes, ok := r.Context().Value(contextKeyScopes).([]string)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !slices.Contains(scopes, a.cfg.AdminScope) {
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// privileged reports whether the request carries the admin scope.
func (a *Authenticator) privileged(r *http.Request) bool {
	scopes, _ := r.Context().Value(contextKeyScopes).([]string)
	return slices.Contains(scopes, a.cfg.AdminScope)
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return []string{}
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
