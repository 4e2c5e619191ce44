// ABOUTME: Tests for the identity-resolving HTTP middleware
// ABOUTME: Covers bearer tokens, principal header, anonymous mode and the admin gate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, allowAnonymous bool) (*Resolver, *JWTVerifier) {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	hash, err := HashAdminToken("admin-pass")
	require.NoError(t, err)
	cred, err := NewAdminCredential(hash)
	require.NoError(t, err)

	return NewResolver(Options{
		Verifier:        verifier,
		PrincipalHeader: DefaultPrincipalHeader,
		AllowAnonymous:  allowAnonymous,
		Admin:           cred,
	}), verifier
}

// serve runs req through the middleware and returns the recorder plus the identity
// the inner handler saw (nil if it was not reached).
func serve(rs *Resolver, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	var got *Identity
	handler := rs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		got = &id
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddleware_BearerToken(t *testing.T) {
	rs, verifier := newTestResolver(t, false)
	token, _ := verifier.Generate("user-123", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/history/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, id := serve(rs, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "user-123", id.Owner())
	assert.Equal(t, SourceToken, id.Source)
	assert.False(t, id.Admin)
}

func TestMiddleware_BearerTakesPrecedenceOverHeader(t *testing.T) {
	rs, verifier := newTestResolver(t, false)
	token, _ := verifier.Generate("from-token", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(DefaultPrincipalHeader, "from-header")
	_, id := serve(rs, req)

	require.NotNil(t, id)
	assert.Equal(t, "from-token", id.Subject)
}

func TestMiddleware_PrincipalHeader(t *testing.T) {
	rs, _ := newTestResolver(t, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DefaultPrincipalHeader, "  user-456 ")
	rec, id := serve(rs, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "user-456", id.Subject)
	assert.Equal(t, SourceHeader, id.Source)
}

func TestMiddleware_InvalidCredentials(t *testing.T) {
	rs, _ := newTestResolver(t, true)

	tests := []struct {
		name    string
		header  string
		value   string
		wantMsg string
	}{
		{"bad scheme", "Authorization", "Basic abc", "invalid authorization header format"},
		{"empty bearer", "Authorization", "Bearer ", "empty token"},
		{"garbage bearer", "Authorization", "Bearer garbage", "invalid token"},
		{"wrong admin token", AdminTokenHeader, "nope", "invalid admin token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(tt.header, tt.value)
			rec, id := serve(rs, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
			if id != nil {
				t.Error("handler should not be reached")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not mention %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestMiddleware_AnonymousRejectedByDefault(t *testing.T) {
	rs, _ := newTestResolver(t, false)

	rec, id := serve(rs, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, id)
}

func TestMiddleware_AnonymousAllowed(t *testing.T) {
	rs, _ := newTestResolver(t, true)

	rec, id := serve(rs, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.True(t, id.Anonymous())
	assert.Equal(t, "", id.Owner())
	assert.False(t, id.Admin)
}

func TestMiddleware_AdminWithoutSubject(t *testing.T) {
	rs, _ := newTestResolver(t, false)

	req := httptest.NewRequest(http.MethodDelete, "/history/delete_all", nil)
	req.Header.Set(AdminTokenHeader, "admin-pass")
	rec, id := serve(rs, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.True(t, id.Anonymous())
	assert.True(t, id.Admin)
}

func TestFromContext_DefaultsToAnonymous(t *testing.T) {
	id := FromContext(context.Background())
	assert.True(t, id.Anonymous())
	assert.Equal(t, SourceAnonymous, id.Source)
	assert.Equal(t, "anonymous", id.String())

	id = Identity{Subject: "u1", Source: SourceHeader}
	assert.Equal(t, "header:u1", id.String())
}
