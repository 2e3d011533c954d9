// Package authctx carries request-scoped authentication through contexts.
//
// A sandbox's backend updates are not always triggered by a live request:
// the docker event loop and container-exit monitors run on their own
// goroutines long after the originating HTTP call has returned. The auth
// captured at start time is snapshotted into the instance descriptor and
// re-entered here whenever one of those background paths needs to call the
// backend on behalf of the original user.
package authctx

import "context"

// Auth is an authentication snapshot: a bearer token and, optionally, the
// raw serialized auth header the caller presented.
type Auth struct {
	Token      string
	HeaderJSON string
}

// Valid reports whether the snapshot carries a usable token.
func (a Auth) Valid() bool {
	return a.Token != ""
}

type ctxKey struct{}

// With returns a context carrying the given auth. Nested calls shadow the
// outer auth for the duration of the derived context; the outer context is
// untouched, so concurrent goroutines never observe each other's auth.
func With(ctx context.Context, auth Auth) context.Context {
	return context.WithValue(ctx, ctxKey{}, auth)
}

// FromContext returns the nearest enclosing auth, or false if the context
// is outside any With scope.
func FromContext(ctx context.Context) (Auth, bool) {
	auth, ok := ctx.Value(ctxKey{}).(Auth)
	return auth, ok
}

// Token returns the auth token from the context, or "" if absent.
func Token(ctx context.Context) string {
	auth, _ := FromContext(ctx)
	return auth.Token
}

// HeaderJSON returns the serialized auth header from the context, or "" if
// absent.
func HeaderJSON(ctx context.Context) string {
	auth, _ := FromContext(ctx)
	return auth.HeaderJSON
}
