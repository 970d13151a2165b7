package auth

import (
	"context"
	"net/http"
	"strings"
)

// Request carries what a connection presented when it was opened.
type Request struct {
	ConnID string
	Token  string
	Remote string
}

// Authorizer decides whether a connection may still receive data. It is
// consulted once per client request and once per pushed message, so
// implementations should be cheap for repeated calls.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) bool
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, req Request) bool

// Authorize implements Authorizer
func (f AuthorizerFunc) Authorize(ctx context.Context, req Request) bool {
	return f(ctx, req)
}

// AllowAll authorizes every connection
type AllowAll struct{}

// Authorize implements Authorizer
func (AllowAll) Authorize(context.Context, Request) bool {
	return true
}

// TokenFromHTTP extracts a bearer token from the Authorization header, the
// named cookie, or the "token" query parameter, in that order.
func TokenFromHTTP(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return r.URL.Query().Get("token")
}
