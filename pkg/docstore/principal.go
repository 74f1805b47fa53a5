package docstore

import "context"

type principalKey struct{}

// WithPrincipal scopes every store call made with ctx to documents owned by uid.
func WithPrincipal(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, principalKey{}, uid)
}

// PrincipalFrom returns the acting identity, or "" for trusted internal calls.
func PrincipalFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	uid, _ := ctx.Value(principalKey{}).(string)
	return uid
}
