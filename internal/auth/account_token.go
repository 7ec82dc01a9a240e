package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAccountToken = errors.New("account token: token required")
	ErrInvalidAccountToken = errors.New("account token: invalid token")
	ErrExpiredAccountToken = errors.New("account token: token expired")
	ErrMissingAccountID    = errors.New("account token: account id required")
)

// ReadAccountToken decodes the claims of an account token without verifying its
// signature. Verification happens on the backend.
func ReadAccountToken(tokenString string, now time.Time) (AccountClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AccountClaims{}, ErrMissingAccountToken
	}

	claims := &AccountClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return AccountClaims{}, fmt.Errorf("%w: %v", ErrInvalidAccountToken, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return AccountClaims{}, ErrExpiredAccountToken
	}
	if strings.TrimSpace(claims.AccountID) == "" {
		return AccountClaims{}, ErrMissingAccountID
	}
	return *claims, nil
}
