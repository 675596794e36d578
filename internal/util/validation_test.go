package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://localhost:8080", false},
		{"valid https", "https://orders.internal/api", false},
		{"empty", "", true},
		{"no scheme", "localhost:8080/x", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTTPMethod(t *testing.T) {
	t.Parallel()

	for _, m := range []string{"", "GET", "post", "DELETE", "PATCH"} {
		assert.NoError(t, ValidateHTTPMethod(m), m)
	}
	for _, m := range []string{"FETCH", "*", "get "} {
		assert.Error(t, ValidateHTTPMethod(m), m)
	}
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePath("/"))
	assert.NoError(t, ValidatePath("/api/v1"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("api"))
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "/quotes/EURUSD", want: "/quotes/EURUSD"},
		{in: "/quotes/", want: "/quotes/"},
		{in: "/quotes/../orders/1", want: "/orders/1"},
		{in: "/quotes/./EURUSD", want: "/quotes/EURUSD"},
		{in: "//orders///1", want: "/orders/1"},
		{in: "/../../orders", want: "/orders"},
		{in: "/quotes/../orders/", want: "/orders/"},
		{in: "orders", want: "/orders"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CleanPath(tt.in))
		})
	}
}
