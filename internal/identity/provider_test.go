package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/ledger-notify/internal/users"
	"github.com/angelmondragon/ledger-notify/pkg/auth/session"
	"github.com/angelmondragon/ledger-notify/pkg/changefeed"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/db/models"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeUsers struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: map[string]*models.User{}}
}

func (f *fakeUsers) Create(_ context.Context, dto users.CreateUserDTO) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := dto.ToModel()
	f.byEmail[user.Email] = user
	return user, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byEmail[email]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == id {
			clone := *u
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeUsers) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, u := range f.byEmail {
		if u.ID == id {
			delete(f.byEmail, email)
		}
	}
	return nil
}

func (f *fakeUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == id {
			u.LastLoginAt = &at
		}
	}
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]string
	refresh  map[string]string
	// afterCheck runs once HasSession has its answer, before it returns.
	afterCheck func()
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]string{}, refresh: map[string]string{}}
}

func (f *fakeSessions) Generate(_ context.Context, userID, accessID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := uuid.NewString()
	f.sessions[accessID] = userID
	f.refresh[accessID] = token
	return token, nil
}

func (f *fakeSessions) Rotate(_ context.Context, oldAccessID, provided string) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refresh[oldAccessID] != provided || provided == "" {
		return "", "", "", session.ErrInvalidRefreshToken
	}
	userID := f.sessions[oldAccessID]
	delete(f.sessions, oldAccessID)
	delete(f.refresh, oldAccessID)
	next := session.NewAccessID()
	token := uuid.NewString()
	f.sessions[next] = userID
	f.refresh[next] = token
	return next, token, userID, nil
}

func (f *fakeSessions) Revoke(_ context.Context, accessID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, accessID)
	delete(f.refresh, accessID)
	return nil
}

func (f *fakeSessions) HasSession(_ context.Context, accessID string) (bool, error) {
	f.mu.Lock()
	_, ok := f.sessions[accessID]
	hook := f.afterCheck
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ok, nil
}

type profileCall struct {
	principal  string
	collection string
	id         string
	fields     map[string]any
}

type fakeProfiles struct {
	mu    sync.Mutex
	calls []profileCall
	err   error
}

func (f *fakeProfiles) SetDoc(ctx context.Context, collection, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, profileCall{principal: docstore.PrincipalFrom(ctx), collection: collection, id: id, fields: fields})
	return f.err
}

type testProvider struct {
	*Provider
	users    *fakeUsers
	sessions *fakeSessions
	profiles *fakeProfiles
	feed     *changefeed.Memory
}

var testJWT = config.JWTConfig{Secret: "ledger-secret", Issuer: "ledger-notify", ExpirationMinutes: 60, RefreshTokenTTLMinutes: 120}

var testPassword = config.PasswordConfig{ArgonMemoryKB: 64, ArgonTime: 1, ArgonParallelism: 1, ArgonSaltLen: 16, ArgonKeyLen: 32}

func newTestProvider(t *testing.T, now func() time.Time) testProvider {
	t.Helper()
	tp := testProvider{
		users:    newFakeUsers(),
		sessions: newFakeSessions(),
		profiles: &fakeProfiles{},
		feed:     changefeed.NewMemory(),
	}
	p, err := NewProvider(context.Background(), ProviderParams{
		Users:          tp.users,
		Sessions:       tp.sessions,
		Profiles:       tp.profiles,
		Feed:           tp.feed,
		JWTConfig:      testJWT,
		PasswordConfig: testPassword,
		Now:            now,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	tp.Provider = p
	return tp
}

func TestRegisterWritesProfileAndSignsIn(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()

	grant, err := p.Register(ctx, "  Clerk@Ledger.test ", "inkwell")
	require.NoError(t, err)
	require.Equal(t, "clerk@ledger.test", grant.User.Email)
	require.NotEmpty(t, grant.RefreshToken)

	require.Len(t, p.profiles.calls, 1)
	call := p.profiles.calls[0]
	require.Equal(t, docstore.CollectionUsers, call.collection)
	require.Equal(t, grant.User.ID, call.id)
	require.Equal(t, grant.User.ID, call.principal)
	require.Equal(t, map[string]any{docstore.FieldUID: grant.User.ID, docstore.FieldEmail: "clerk@ledger.test"}, call.fields)

	resolved, err := p.Resolve(ctx, grant.AccessToken)
	require.NoError(t, err)
	require.Equal(t, grant.User.ID, resolved.UserID)
	require.Equal(t, grant.Session.AccessID, resolved.AccessID)
}

func TestRegisterRejectsWeakPasswordAndDuplicates(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()

	_, err := p.Register(ctx, "clerk@ledger.test", "ink")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = p.Register(ctx, "clerk@ledger.test", "inkwell")
	require.NoError(t, err)
	_, err = p.Register(ctx, "CLERK@ledger.test", "inkwell")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	require.Len(t, p.profiles.calls, 1)
}

func TestRegisterSurfacesProfileWriteFailure(t *testing.T) {
	p := newTestProvider(t, nil)
	p.profiles.err = pkgerrors.New(pkgerrors.CodeDependency, "store down")

	_, err := p.Register(context.Background(), "clerk@ledger.test", "inkwell")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	_, err = p.users.FindByEmail(context.Background(), "clerk@ledger.test")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	p.profiles.mu.Lock()
	p.profiles.err = nil
	p.profiles.mu.Unlock()
	grant, err := p.Register(context.Background(), "clerk@ledger.test", "inkwell")
	require.NoError(t, err)
	require.Equal(t, "clerk@ledger.test", grant.User.Email)
}

func TestAuthenticate(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()
	_, err := p.Register(ctx, "clerk@ledger.test", "inkwell")
	require.NoError(t, err)

	grant, err := p.Authenticate(ctx, "clerk@ledger.test", "inkwell")
	require.NoError(t, err)
	require.NotNil(t, grant.User.LastLoginAt)

	for _, tc := range []struct{ email, password string }{
		{"clerk@ledger.test", "wrong-ink"},
		{"nobody@ledger.test", "inkwell"},
		{"", "inkwell"},
	} {
		_, err := p.Authenticate(ctx, tc.email, tc.password)
		typed := pkgerrors.As(err)
		require.NotNil(t, typed)
		require.Equal(t, pkgerrors.CodeUnauthorized, typed.Code())
		require.Equal(t, InvalidCredentialsMessage, typed.Message())
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()
	grant, err := p.Register(ctx, "clerk@ledger.test", "inkwell")
	require.NoError(t, err)

	next, err := p.Refresh(ctx, grant.AccessToken, grant.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, grant.Session.AccessID, next.Session.AccessID)

	_, err = p.Resolve(ctx, grant.AccessToken)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
	_, err = p.Resolve(ctx, next.AccessToken)
	require.NoError(t, err)

	_, err = p.Refresh(ctx, grant.AccessToken, grant.RefreshToken)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

func TestResolveRejectsGarbage(t *testing.T) {
	p := newTestProvider(t, nil)
	_, err := p.Resolve(context.Background(), "not-a-token")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

func TestNewProviderRequiresDependencies(t *testing.T) {
	_, err := NewProvider(context.Background(), ProviderParams{})
	require.ErrorContains(t, err, "required")
}
