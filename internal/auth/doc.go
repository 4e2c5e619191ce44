// Package auth resolves the caller's identity for rag-gateway requests.
//
// # Identity
//
// Every request carries exactly one Identity. A caller is identified by, in order:
//
//   - a Bearer JWT (HS256, subject in the "sub" claim, signed with auth.jwt_secret)
//   - the principal header set by the fronting proxy (auth.principal_header)
//
// The principal header is only consulted when the gateway trusts it: by
// default that is when no jwt_secret is configured, otherwise
// auth.trust_principal_header must be set.
//
// A request with neither is anonymous. Anonymous is an explicit mode, not a
// silently injected user: the zero Identity has Anonymous() == true and Owner()
// == "", which the store treats as the shared, unfiltered scope. The middleware
// rejects anonymous callers with 401 unless auth.allow_anonymous is set.
//
// # Administrative credential
//
// Operations that span every owner (delete_all without an owner, listing across
// owners) require the X-Admin-Token header. Its value is checked against the bcrypt
// hash in auth.admin_token_hash; a match sets Identity.Admin.
//
//	resolver, err := auth.NewResolver(auth.Options{...})
//	handler = resolver.Middleware(handler)
//	id := auth.FromContext(r.Context())
package auth
