package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerIdentity_Scopes(t *testing.T) {
	t.Parallel()

	exp := time.Unix(1700000000, 0)
	id := NewCallerIdentity("alice", "issuer", exp, []string{"orders:write", "orders:read", "", "orders:read"})

	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, exp, id.ExpiresAt)
	assert.Equal(t, []string{"orders:read", "orders:write"}, id.Scopes())
	assert.True(t, id.HasScope("orders:write"))
	assert.False(t, id.HasScope("admin"))
	assert.False(t, id.HasScope(""))
}

func TestCallerIdentity_Nil(t *testing.T) {
	t.Parallel()

	var id *CallerIdentity
	assert.False(t, id.HasScope("x"))
	assert.Nil(t, id.Scopes())
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()

	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	id := NewCallerIdentity("bob", "", time.Time{}, nil)
	got, ok := IdentityFromContext(ContextWithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Same(t, id, got)
}
