// Package middleware provides HTTP middleware for the vault API
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/httputil"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// AuthMiddleware resolves the caller from an HS256 bearer token. Requests
// without a token proceed anonymously; the vault rejects anonymous mutations.
type AuthMiddleware struct {
	secret []byte
	logger *logger.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret []byte, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &AuthMiddleware{secret: secret, logger: log}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, svcerrors.ErrInvalidToken.WithDetails("reason", "expected bearer token"))
			return
		}

		subject, err := m.validateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := authz.WithCaller(r.Context(), domain.Address(subject))
		m.logger.WithField("caller", subject).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken checks signature and expiry and returns the subject.
func (m *AuthMiddleware) validateToken(tokenString string) (string, error) {
	if len(m.secret) == 0 {
		return "", svcerrors.ErrInvalidToken.WithDetails("reason", "authentication is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", svcerrors.ErrInvalidToken.Wrap(err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", svcerrors.ErrInvalidToken.WithDetails("reason", "invalid claims")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", svcerrors.ErrInvalidToken.WithDetails("reason", "missing subject")
	}
	return claims.Subject, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithError(err).
		WithField("path", r.URL.Path).
		WithField("method", r.Method).
		Warn("authentication failed")
	httputil.WriteError(w, r, err)
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// RequireCaller rejects anonymous requests.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authz.CallerFrom(r.Context()).IsZero() {
			httputil.WriteError(w, r, svcerrors.ErrInvalidToken.WithDetails("reason", "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
