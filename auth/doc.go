// Package auth decides whether a client connection may receive data.
//
// The dispatcher asks its Authorizer before answering each request and
// before each pushed update or signal; a rejected connection is detached
// from every source. AllowAll is used when authentication is disabled and
// JWTAuthorizer checks HS256 session tokens presented at connect time.
package auth
