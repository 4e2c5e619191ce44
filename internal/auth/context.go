// ABOUTME: Identity type carried through request handlers and the turn pipeline
// ABOUTME: Provides WithIdentity/FromContext for propagating it via context

package auth

import (
	"context"
)

// Source records how an identity was established.
type Source string

const (
	SourceAnonymous Source = "anonymous"
	SourceToken     Source = "token"
	SourceHeader    Source = "header"
)

// Identity is the caller of one request. The zero value is anonymous.
type Identity struct {
	Subject string
	Source  Source
	// Admin is set when the request presented a valid administrative credential.
	Admin bool
}

// Anonymous reports whether no caller identity was supplied.
func (i Identity) Anonymous() bool {
	return i.Subject == ""
}

// Owner is the store owner id for this identity; empty means shared scope.
func (i Identity) Owner() string {
	return i.Subject
}

// String is used in log lines.
func (i Identity) String() string {
	if i.Anonymous() {
		return "anonymous"
	}
	return string(i.Source) + ":" + i.Subject
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached to ctx, or the anonymous identity.
func FromContext(ctx context.Context) Identity {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		return Identity{Source: SourceAnonymous}
	}
	return id
}
