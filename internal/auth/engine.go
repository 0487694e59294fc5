package auth

import (
	"context"
	"net/http"
)

const (
	DefaultAccessKeyID     = "depotadmin"
	DefaultSecretAccessKey = "depotadmin"
)

// User identifies the principal a request was authenticated as.
type User struct {
	AccessKeyID string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns the authenticated
	// User. Otherwise it returns an error describing why the request was
	// rejected; the description is for logging only and must never be
	// echoed to the client.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

type userContextKey struct{}

// WithUser stores the authenticated user on the context for downstream
// handlers.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user WithUser stored, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey{}).(*User)
	return user
}
