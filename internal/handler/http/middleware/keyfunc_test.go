package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPKeyDefaultsToRemoteAddr(t *testing.T) {
	key := IPKey(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:54321"

	got, err := key(req)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", got)
}

func TestHeaderKey(t *testing.T) {
	key := HeaderKey("X-API-Key")

	t.Run("present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "abc123")

		got, err := key(req)
		require.NoError(t, err)
		assert.Equal(t, "abc123", got)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		_, err := key(req)
		assert.Error(t, err)
	})
}

func TestStaticKey(t *testing.T) {
	key := StaticKey("global")
	got, err := key(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "global", got)
}

func TestPrincipalKey(t *testing.T) {
	type principalKeyType struct{}
	fromContext := func(ctx context.Context) (string, bool) {
		p, ok := ctx.Value(principalKeyType{}).(string)
		return p, ok
	}
	key := PrincipalKey(fromContext)

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), principalKeyType{}, "user-42"))

		got, err := key(req)
		require.NoError(t, err)
		assert.Equal(t, "user-42", got)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := key(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})
}

func TestHeaderBucket(t *testing.T) {
	resolve := HeaderBucket("X-Traffic-Class")

	t.Run("present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Traffic-Class", "batch")

		got, err := resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "batch", got)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := resolve(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})
}
