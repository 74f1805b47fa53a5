package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/ledger-notify/api/middleware"
	"github.com/angelmondragon/ledger-notify/api/responses"
	"github.com/angelmondragon/ledger-notify/api/validators"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
)

// IdentityService is the slice of the identity provider the auth endpoints use.
type IdentityService interface {
	Authenticate(ctx context.Context, email, password string) (*identity.Grant, error)
	Register(ctx context.Context, email, password string) (*identity.Grant, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*identity.Grant, error)
	Resolve(ctx context.Context, accessToken string) (*identity.Session, error)
	SignOut(ctx context.Context, s *identity.Session) error
}

// AuthLogin wires the login endpoint into the HTTP layer.
func AuthLogin(svc IdentityService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "identity provider unavailable"))
			return
		}

		var body identity.Credentials
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		grant, err := svc.Authenticate(r.Context(), body.Email, body.Password)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		w.Header().Set(middleware.TokenHeader, grant.AccessToken)
		responses.WriteSuccess(w, grant)
	}
}

// AuthRegister creates the account and its profile and signs it in.
func AuthRegister(svc IdentityService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "identity provider unavailable"))
			return
		}

		var body identity.Credentials
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		grant, err := svc.Register(r.Context(), body.Email, body.Password)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		w.Header().Set(middleware.TokenHeader, grant.AccessToken)
		responses.WriteSuccessStatus(w, http.StatusCreated, grant)
	}
}

// AuthLogout ends the session behind the presented access token. Every live
// listener bound to it observes the sign-out.
func AuthLogout(svc IdentityService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "identity provider unavailable"))
			return
		}

		token, err := middleware.BearerToken(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sess, err := svc.Resolve(r.Context(), token)
		if err != nil {
			// an ended or expired session is already logged out
			if pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
				responses.WriteSuccess(w, map[string]string{"status": "logged_out"})
				return
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.SignOut(r.Context(), sess); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"status": "logged_out"})
	}
}

// AuthRefresh rotates the refresh token and issues a new access token.
func AuthRefresh(svc IdentityService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "identity provider unavailable"))
			return
		}

		var body identity.RefreshRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		accessToken := strings.TrimSpace(body.AccessToken)
		if bearer, err := middleware.BearerToken(r); err == nil {
			accessToken = bearer
		}
		if accessToken == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		grant, err := svc.Refresh(r.Context(), accessToken, body.RefreshToken)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		w.Header().Set(middleware.TokenHeader, grant.AccessToken)
		responses.WriteSuccess(w, grant)
	}
}
