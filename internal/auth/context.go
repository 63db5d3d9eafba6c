package auth

import (
	"context"
	"time"
)

type contextKey string

const authContextKey contextKey = "companion_auth"

// AuthInfo is the verified principal behind a request. It lives only as long
// as the request context that carries it.
type AuthInfo struct {
	UID            string
	Email          string
	SignInProvider string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
