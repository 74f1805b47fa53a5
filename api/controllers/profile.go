package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/ledger-notify/api/middleware"
	"github.com/angelmondragon/ledger-notify/api/responses"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
)

// DocumentReader loads single documents.
type DocumentReader interface {
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
}

// Profile returns the caller's profile document written at registration.
func Profile(store DocumentReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "document store unavailable"))
			return
		}
		sess := middleware.SessionFromContext(r.Context())
		if sess == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required"))
			return
		}

		doc, err := store.Get(docstore.WithPrincipal(r.Context(), sess.UserID), docstore.CollectionUsers, sess.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, doc.Fields)
	}
}
