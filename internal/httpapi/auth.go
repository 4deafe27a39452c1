package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	WorkspaceID string    `json:"workspace_id"`
	AgentName   string    `json:"agent_name"`
	Scopes      scopeList `json:"scopes"`
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	scheme, raw, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	default:
		return tokenClaims{}, unauthorized("invalid jwt")
	}

	if claims.WorkspaceID == "" {
		return tokenClaims{}, unauthorized("missing workspace_id claim")
	}
	if claims.AgentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

type claimsKey struct{}

func withClaims(ctx context.Context, claims tokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(ctx context.Context) (tokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(tokenClaims)
	return claims, ok
}

// requireScope authenticates the bearer token and checks one scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, scope, s.now())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}
