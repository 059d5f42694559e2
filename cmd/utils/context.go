package utils

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ardademir/randevu-server/cmd/models"
	"github.com/ardademir/randevu-server/service/booking"
	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityFromContext returns the authenticated caller placed in the
// request context by Authenticated.
func IdentityFromContext(ctx context.Context) (booking.Identity, error) {
	ident, ok := ctx.Value(identityKey).(booking.Identity)
	if !ok {
		return booking.Identity{}, errors.New("identity not found in context")
	}
	return ident, nil
}

// Authenticated returns a middleware that validates the bearer token and
// resolves the caller's identity from the database. The role always comes
// from the user row, never from the request.
func Authenticated(db *gorm.DB) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(os.Getenv("SECRET_KEY")), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			userID, err := strconv.ParseUint(claims.Subject, 10, 64)
			if err != nil {
				http.Error(w, "Invalid user ID in token", http.StatusUnauthorized)
				return
			}

			var user models.User
			if err := db.First(&user, userID).Error; err != nil {
				http.Error(w, "Unknown user", http.StatusUnauthorized)
				return
			}

			ident := booking.Identity{
				UserID: user.ID,
				Email:  user.Email,
				Role:   user.Role,
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next(w, r.WithContext(ctx))
		}
	}
}

// WithIdentity injects an identity directly; used by handler tests.
func WithIdentity(r *http.Request, ident booking.Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityKey, ident))
}
