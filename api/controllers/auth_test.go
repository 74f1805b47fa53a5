package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/angelmondragon/ledger-notify/api/middleware"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/users"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
)

type stubIdentity struct {
	grant      *identity.Grant
	err        error
	session    *identity.Session
	resolveErr error

	refreshed []string
	signedOut []*identity.Session
}

func (s *stubIdentity) Authenticate(context.Context, string, string) (*identity.Grant, error) {
	return s.grant, s.err
}

func (s *stubIdentity) Register(context.Context, string, string) (*identity.Grant, error) {
	return s.grant, s.err
}

func (s *stubIdentity) Refresh(_ context.Context, accessToken, refreshToken string) (*identity.Grant, error) {
	s.refreshed = append(s.refreshed, accessToken+"|"+refreshToken)
	return s.grant, s.err
}

func (s *stubIdentity) Resolve(context.Context, string) (*identity.Session, error) {
	return s.session, s.resolveErr
}

func (s *stubIdentity) SignOut(_ context.Context, sess *identity.Session) error {
	s.signedOut = append(s.signedOut, sess)
	return nil
}

func testGrant() *identity.Grant {
	return &identity.Grant{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		User:         &users.UserDTO{ID: "u1", Email: "clerk@example.com"},
	}
}

func TestAuthLoginSetsTokenHeader(t *testing.T) {
	svc := &stubIdentity{grant: testGrant()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"clerk@example.com","password":"secret1"}`))
	resp := httptest.NewRecorder()

	AuthLogin(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if got := resp.Header().Get(middleware.TokenHeader); got != "access-token" {
		t.Fatalf("expected token header got %q", got)
	}
	var envelope struct {
		Data struct {
			AccessToken string         `json:"access_token"`
			User        *users.UserDTO `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.AccessToken != "access-token" || envelope.Data.User.Email != "clerk@example.com" {
		t.Fatalf("unexpected payload %s", resp.Body.String())
	}
}

func TestAuthLoginRejectsBadCredentials(t *testing.T) {
	svc := &stubIdentity{err: pkgerrors.New(pkgerrors.CodeUnauthorized, identity.InvalidCredentialsMessage)}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"clerk@example.com","password":"nope"}`))
	resp := httptest.NewRecorder()

	AuthLogin(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), identity.InvalidCredentialsMessage) {
		t.Fatalf("expected public message, got %s", resp.Body.String())
	}
}

func TestAuthRegisterReturnsCreated(t *testing.T) {
	svc := &stubIdentity{grant: testGrant()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(`{"email":"clerk@example.com","password":"secret1"}`))
	resp := httptest.NewRecorder()

	AuthRegister(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.Code)
	}
}

func TestAuthRegisterValidatesEmail(t *testing.T) {
	svc := &stubIdentity{grant: testGrant()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(`{"email":"not-an-email","password":"secret1"}`))
	resp := httptest.NewRecorder()

	AuthRegister(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestAuthLogoutSignsOutResolvedSession(t *testing.T) {
	sess := &identity.Session{AccessID: "acc", UserID: "u1"}
	svc := &stubIdentity{session: sess}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer access-token")
	resp := httptest.NewRecorder()

	AuthLogout(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if len(svc.signedOut) != 1 || svc.signedOut[0] != sess {
		t.Fatalf("expected one sign-out, got %v", svc.signedOut)
	}
}

func TestAuthLogoutTreatsEndedSessionAsDone(t *testing.T) {
	svc := &stubIdentity{resolveErr: pkgerrors.New(pkgerrors.CodeUnauthorized, "session ended")}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer stale")
	resp := httptest.NewRecorder()

	AuthLogout(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if len(svc.signedOut) != 0 {
		t.Fatalf("expected no sign-out call")
	}
}

func TestAuthRefreshPrefersBearerToken(t *testing.T) {
	svc := &stubIdentity{grant: testGrant()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", strings.NewReader(`{"access_token":"body-token","refresh_token":"r1"}`))
	req.Header.Set("Authorization", "Bearer header-token")
	resp := httptest.NewRecorder()

	AuthRefresh(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if len(svc.refreshed) != 1 || svc.refreshed[0] != "header-token|r1" {
		t.Fatalf("unexpected refresh call %v", svc.refreshed)
	}
}

func TestAuthRefreshRequiresAccessToken(t *testing.T) {
	svc := &stubIdentity{grant: testGrant()}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", strings.NewReader(`{"refresh_token":"r1"}`))
	resp := httptest.NewRecorder()

	AuthRefresh(svc, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}
