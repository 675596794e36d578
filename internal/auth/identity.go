package auth

import (
	"context"
	"sort"
	"time"
)

// CallerIdentity is the authenticated principal behind a request. It is
// immutable once produced and lives for one request.
type CallerIdentity struct {
	// Subject is the unique identifier for the caller. Rate limits are
	// keyed by it.
	Subject string `json:"sub"`

	// Issuer is the issuer of the credential.
	Issuer string `json:"iss,omitempty"`

	// ExpiresAt is when the credential expires.
	ExpiresAt time.Time `json:"exp"`

	scopes map[string]struct{}
}

// NewCallerIdentity creates a CallerIdentity. Duplicate and empty scopes
// are dropped.
func NewCallerIdentity(subject, issuer string, expiresAt time.Time, scopes []string) *CallerIdentity {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	return &CallerIdentity{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: expiresAt,
		scopes:    set,
	}
}

// HasScope reports whether the identity was granted scope.
func (i *CallerIdentity) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	_, ok := i.scopes[scope]
	return ok
}

// Scopes returns the granted scopes in sorted order.
func (i *CallerIdentity) Scopes() []string {
	if i == nil {
		return nil
	}
	out := make([]string, 0, len(i.scopes))
	for s := range i.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type identityKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *CallerIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (*CallerIdentity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*CallerIdentity)
	return identity, ok && identity != nil
}
