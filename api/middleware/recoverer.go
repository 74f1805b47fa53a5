package middleware

import (
	"fmt"
	"net/http"

	"github.com/angelmondragon/ledger-notify/api/responses"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
)

// Recoverer turns handler panics into INTERNAL_ERROR responses. Aborts are
// re-raised for net/http, and upgraded connections get no body.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err := fmt.Errorf("panic: %v", v)
				ctx := r.Context()
				if logg != nil {
					ctx = logg.WithFields(ctx, map[string]any{
						"panic":      v,
						"request_id": RequestIDFromContext(ctx),
					})
					logg.Error(ctx, "panic.recovered", err)
				}
				if rec.hijacked || rec.status != 0 {
					return
				}
				responses.WriteError(ctx, nil, rec, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
