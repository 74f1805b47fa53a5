package middleware

import (
	"context"

	"github.com/angelmondragon/ledger-notify/internal/identity"
)

type contextKey string

const (
	ctxUserID  contextKey = "user_id"
	ctxRole    contextKey = "actor_role"
	ctxSession contextKey = "session"

	ctxRequestID contextKey = "request_id"
)

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxUserID).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(string); ok {
		return v
	}
	return ""
}

// SessionFromContext returns the session resolved by Auth, or nil.
func SessionFromContext(ctx context.Context) *identity.Session {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxSession).(*identity.Session); ok {
		return v
	}
	return nil
}

// WithSession injects the session along with its user id and role.
func WithSession(ctx context.Context, sess *identity.Session) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if sess == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, ctxSession, sess)
	ctx = context.WithValue(ctx, ctxUserID, sess.UserID)
	return context.WithValue(ctx, ctxRole, string(sess.Role))
}
