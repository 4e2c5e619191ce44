// ABOUTME: HTTP middleware that resolves the caller Identity for every request
// ABOUTME: Bearer JWT first, then the proxy principal header, else anonymous

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultPrincipalHeader is the header set by the hosting proxy's easy-auth layer.
const DefaultPrincipalHeader = "X-Ms-Client-Principal-Id"

// Options configures a Resolver.
type Options struct {
	// Verifier validates bearer tokens. Nil disables bearer auth.
	Verifier TokenVerifier
	// PrincipalHeader names the trusted identity header. Empty disables it.
	PrincipalHeader string
	// AllowAnonymous lets requests without identity through in shared mode.
	AllowAnonymous bool
	// Admin checks the administrative credential. Nil disables admin access.
	Admin  *AdminCredential
	Logger *slog.Logger
}

// Resolver builds an Identity from request headers.
type Resolver struct {
	opts   Options
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{opts: opts, logger: logger.With("component", "auth")}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Resolve returns the identity for r. A non-empty error message means the
// request presented credentials that did not verify.
func (rs *Resolver) Resolve(r *http.Request) (Identity, string) {
	id := Identity{Source: SourceAnonymous}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" && rs.opts.Verifier != nil {
		token, errMsg := extractBearerToken(authHeader)
		if errMsg != "" {
			return Identity{}, errMsg
		}
		subject, err := rs.opts.Verifier.Verify(token)
		if err != nil {
			rs.logger.Debug("bearer token rejected", "error", err)
			return Identity{}, "invalid token"
		}
		id = Identity{Subject: subject, Source: SourceToken}
	} else if rs.opts.PrincipalHeader != "" {
		if subject := strings.TrimSpace(r.Header.Get(rs.opts.PrincipalHeader)); subject != "" {
			id = Identity{Subject: subject, Source: SourceHeader}
		}
	}

	if token := r.Header.Get(AdminTokenHeader); token != "" {
		if !rs.opts.Admin.Check(token) {
			return Identity{}, "invalid admin token"
		}
		id.Admin = true
	}
	return id, ""
}

// Middleware attaches the resolved Identity to the request context.
// Anonymous callers are rejected unless AllowAnonymous is set; admin callers
// are always let through.
func (rs *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, errMsg := rs.Resolve(r)
		if errMsg != "" {
			writeUnauthorized(w, errMsg)
			return
		}
		if id.Anonymous() && !id.Admin && !rs.opts.AllowAnonymous {
			writeUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
