package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/c360/labctrl/errors"
)

// JWTAuthorizer accepts connections holding an unexpired HS256 token
// signed with the shared secret. Verified claims are cached for up to
// cacheTTL; expiry is rechecked on every call.
type JWTAuthorizer struct {
	secret []byte
	parser *gojwt.Parser
	cache  *ttlcache.Cache[string, *gojwt.RegisteredClaims]
	now    func() time.Time
	logger *slog.Logger
}

// NewJWTAuthorizer creates an authorizer. Call Stop to release the cache
// janitor.
func NewJWTAuthorizer(secret string, cacheTTL time.Duration, logger *slog.Logger) (*JWTAuthorizer, error) {
	if secret == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JWTAuthorizer", "New", "empty secret")
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache := ttlcache.New[string, *gojwt.RegisteredClaims](
		ttlcache.WithTTL[string, *gojwt.RegisteredClaims](cacheTTL),
		ttlcache.WithCapacity[string, *gojwt.RegisteredClaims](10_000),
	)
	go cache.Start()

	a := &JWTAuthorizer{
		secret: []byte(secret),
		cache:  cache,
		now:    time.Now,
		logger: logger.With("component", "auth"),
	}
	a.parser = gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a, nil
}

// Authorize implements Authorizer
func (a *JWTAuthorizer) Authorize(_ context.Context, req Request) bool {
	if req.Token == "" {
		return false
	}

	if item := a.cache.Get(req.Token); item != nil {
		return a.valid(item.Value())
	}

	claims := &gojwt.RegisteredClaims{}
	if _, err := a.parser.ParseWithClaims(req.Token, claims, a.key); err != nil {
		a.logger.Debug("Rejected token", "conn", req.ConnID, "error", err)
		return false
	}

	a.cache.Set(req.Token, claims, ttlcache.DefaultTTL)
	return a.valid(claims)
}

func (a *JWTAuthorizer) valid(claims *gojwt.RegisteredClaims) bool {
	return claims.ExpiresAt != nil && a.now().Before(claims.ExpiresAt.Time)
}

func (a *JWTAuthorizer) key(t *gojwt.Token) (any, error) {
	if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return a.secret, nil
}

// Issue signs a token for subject valid for ttl.
func (a *JWTAuthorizer) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := gojwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.WrapFatal(err, "JWTAuthorizer", "Issue", "sign token")
	}
	return token, nil
}

// Stop releases the cache janitor
func (a *JWTAuthorizer) Stop() {
	a.cache.Stop()
}
