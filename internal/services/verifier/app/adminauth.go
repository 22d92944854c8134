package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/questgate/internal/platform/errors"
)

// AdminAudience is the audience every admin token must carry.
const AdminAudience = "questgate-admin"

// AdminAuth verifies HS256 admin bearer tokens.
type AdminAuth struct {
	Secret []byte
	Now    func() time.Time
}

// Enabled reports whether admin endpoints accept any token.
func (a AdminAuth) Enabled() bool {
	return len(a.Secret) > 0
}

// Validate checks signature, audience and expiry and returns the subject.
func (a AdminAuth) Validate(token string) (string, error) {
	if !a.Enabled() {
		return "", apperrors.New(apperrors.CodeUnauthorized, "admin api is disabled")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeUnauthorized, "admin token is required")
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(AdminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	return claims.Subject, nil
}

// IssueAdminToken signs an admin token for subject valid for ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("admin secret is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{AdminAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.New(apperrors.CodeUnauthorized, "admin token is expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperrors.New(apperrors.CodeUnauthorized, "admin token audience mismatch")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.New(apperrors.CodeUnauthorized, "admin token signature is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthorized, "admin token is invalid")
}

func bearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 2 && slices.Contains([]string{"Bearer", "bearer"}, fields[0]) {
		return fields[1]
	}
	return ""
}
