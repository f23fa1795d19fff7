package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

// AuthAccount is the authenticated caller attached to the request context.
type AuthAccount struct {
	ID       string
	DeviceID string
}

type contextKey string

const accountContextKey contextKey = "account"

// withAuth is middleware that requires valid JWT authentication
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, `{"error": "invalid authorization format"}`, http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})

		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || claims.AccountID == "" {
			http.Error(w, `{"error": "invalid token claims"}`, http.StatusUnauthorized)
			return
		}

		account := &AuthAccount{
			ID:       claims.AccountID,
			DeviceID: claims.DeviceID,
		}
		ctx := context.WithValue(req.Context(), accountContextKey, account)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// getAuthAccount extracts the authenticated account from context
func getAuthAccount(ctx context.Context) *AuthAccount {
	account, _ := ctx.Value(accountContextKey).(*AuthAccount)
	return account
}

// GenerateToken creates a signed JWT for an account. Used by provisioning
// tooling and tests.
func GenerateToken(secret, accountID, deviceID string, expiry time.Duration) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		AccountID: accountID,
		DeviceID:  deviceID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
