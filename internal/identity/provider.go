package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/ledger-notify/internal/users"
	pkgAuth "github.com/angelmondragon/ledger-notify/pkg/auth"
	"github.com/angelmondragon/ledger-notify/pkg/auth/session"
	"github.com/angelmondragon/ledger-notify/pkg/changefeed"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/db"
	"github.com/angelmondragon/ledger-notify/pkg/db/models"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	"github.com/angelmondragon/ledger-notify/pkg/enums"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/security"
	"gorm.io/gorm"
)

// InvalidCredentialsMessage is the only message a failed sign-in reveals.
const InvalidCredentialsMessage = "Invalid Credentials"

// RevocationChannel carries the access ids of ended sessions.
const RevocationChannel = "identity"

type userRepository interface {
	Create(ctx context.Context, dto users.CreateUserDTO) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type sessionManager interface {
	Generate(ctx context.Context, userID, accessID string) (string, error)
	Rotate(ctx context.Context, oldAccessID, provided string) (string, string, string, error)
	Revoke(ctx context.Context, accessID string) error
	HasSession(ctx context.Context, accessID string) (bool, error)
}

type profileWriter interface {
	SetDoc(ctx context.Context, collection, id string, fields map[string]any) error
}

// ProviderParams bundles the dependencies required to build a Provider.
type ProviderParams struct {
	Users          userRepository
	Sessions       sessionManager
	Profiles       profileWriter
	Feed           changefeed.Feed
	JWTConfig      config.JWTConfig
	PasswordConfig config.PasswordConfig
	Logger         *logger.Logger
	Now            func() time.Time
}

// Provider issues, validates and ends sessions.
type Provider struct {
	users       userRepository
	sessions    sessionManager
	profiles    profileWriter
	feed        changefeed.Feed
	jwtCfg      config.JWTConfig
	passwordCfg config.PasswordConfig
	logg        *logger.Logger
	now         func() time.Time
	dummyHash   string

	mu       sync.Mutex
	nextID   uint64
	subs     map[string]map[uint64]*subscription
	stopFeed changefeed.Cancel
}

// NewProvider listens for revocations on the change feed until Close.
func NewProvider(ctx context.Context, params ProviderParams) (*Provider, error) {
	if params.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if params.Profiles == nil {
		return nil, fmt.Errorf("profile writer is required")
	}
	if params.Feed == nil {
		return nil, fmt.Errorf("change feed is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	p := &Provider{
		users:       params.Users,
		sessions:    params.Sessions,
		profiles:    params.Profiles,
		feed:        params.Feed,
		jwtCfg:      params.JWTConfig,
		passwordCfg: params.PasswordConfig,
		logg:        params.Logger,
		now:         now,
		dummyHash:   security.DummyHash(params.PasswordConfig),
		subs:        make(map[string]map[uint64]*subscription),
	}
	stop, err := params.Feed.Subscribe(ctx, RevocationChannel, p.onRevocation)
	if err != nil {
		return nil, fmt.Errorf("subscribe to revocations: %w", err)
	}
	p.stopFeed = stop
	return p, nil
}

// Authenticate signs in with email and password.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (*Grant, error) {
	input := normalizeEmail(email)
	if input == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, InvalidCredentialsMessage)
	}
	user, err := p.users.FindByEmail(ctx, input)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_, _ = security.VerifyPassword(password, p.dummyHash)
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, InvalidCredentialsMessage)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup user")
	}

	valid, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify password")
	}
	if !valid || !user.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, InvalidCredentialsMessage)
	}

	now := p.now().UTC()
	if err := p.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update last login")
	}
	user.LastLoginAt = &now
	return p.issue(ctx, user, now)
}

// Register creates the credential, writes the profile document and signs in.
// A failed profile write removes the credential again so the email stays free.
func (p *Provider) Register(ctx context.Context, email, password string) (*Grant, error) {
	input := normalizeEmail(email)
	if input == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}
	if err := security.ValidatePassword(password); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}

	if _, err := p.users.FindByEmail(ctx, input); err == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "email already registered")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check user email")
	}

	hash, err := security.HashPassword(password, p.passwordCfg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}
	user, err := p.users.Create(ctx, users.CreateUserDTO{Email: input, PasswordHash: hash, Role: enums.RoleAgent})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "email already registered")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create user")
	}

	profileCtx := docstore.WithPrincipal(ctx, user.ID)
	if err := p.profiles.SetDoc(profileCtx, docstore.CollectionUsers, user.ID, map[string]any{
		docstore.FieldUID:   user.ID,
		docstore.FieldEmail: user.Email,
	}); err != nil {
		if delErr := p.users.Delete(ctx, user.ID); delErr != nil && p.logg != nil {
			p.logg.Error(p.logg.WithUserID(ctx, user.ID), "remove credential after profile write failure", delErr)
		}
		return nil, err
	}

	return p.issue(ctx, user, p.now().UTC())
}

// SignOut ends the session and notifies every listener bound to it.
func (p *Provider) SignOut(ctx context.Context, s *Session) error {
	if s == nil || strings.TrimSpace(s.AccessID) == "" {
		return nil
	}
	if err := p.sessions.Revoke(ctx, s.AccessID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke session")
	}

	p.revokeLocal(s.AccessID)
	payload, err := json.Marshal(revocation{AccessID: s.AccessID})
	if err == nil {
		if err := p.feed.Publish(ctx, RevocationChannel, payload); err != nil && p.logg != nil {
			p.logg.Error(p.logg.WithSessionID(ctx, s.AccessID), "publish session revocation", err)
		}
	}
	return nil
}

// Refresh rotates the refresh token and mints a new access token.
func (p *Provider) Refresh(ctx context.Context, accessToken, refreshToken string) (*Grant, error) {
	claims, err := pkgAuth.ParseAccessTokenAllowExpired(p.jwtCfg, accessToken)
	if err != nil || claims.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid access token")
	}

	newAccessID, newRefresh, userID, err := p.sessions.Rotate(ctx, claims.ID, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRefreshToken) {
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid refresh token")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rotate session")
	}
	user, err := p.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid refresh token")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}

	now := p.now().UTC()
	access, expires, err := p.mint(user, newAccessID, now)
	if err != nil {
		return nil, err
	}
	return p.grant(user, access, newRefresh, newAccessID, expires), nil
}

// Resolve validates an access token and confirms its session is still open.
func (p *Provider) Resolve(ctx context.Context, accessToken string) (*Session, error) {
	s, err := p.parseSession(accessToken)
	if err != nil {
		return nil, err
	}
	if err := p.checkOpen(ctx, s.AccessID); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) parseSession(accessToken string) (*Session, error) {
	claims, err := pkgAuth.ParseAccessToken(p.jwtCfg, strings.TrimSpace(accessToken))
	if err != nil || claims.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid access token")
	}
	s := &Session{
		AccessID: claims.ID,
		UserID:   claims.UserID,
		Email:    claims.Email,
		Role:     claims.Role,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return s, nil
}

func (p *Provider) checkOpen(ctx context.Context, accessID string) error {
	ok, err := p.sessions.HasSession(ctx, accessID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check session")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "session ended")
	}
	return nil
}

// Close stops listening for revocations. Open subscriptions receive nothing further.
func (p *Provider) Close() {
	p.mu.Lock()
	stop := p.stopFeed
	p.stopFeed = nil
	subs := p.subs
	p.subs = make(map[string]map[uint64]*subscription)
	p.mu.Unlock()

	for _, group := range subs {
		for _, sub := range group {
			sub.cancel()
		}
	}
	if stop != nil {
		stop()
	}
}

func (p *Provider) issue(ctx context.Context, user *models.User, now time.Time) (*Grant, error) {
	accessID := session.NewAccessID()
	access, expires, err := p.mint(user, accessID, now)
	if err != nil {
		return nil, err
	}
	refresh, err := p.sessions.Generate(ctx, user.ID, accessID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store refresh token")
	}
	return p.grant(user, access, refresh, accessID, expires), nil
}

func (p *Provider) mint(user *models.User, accessID string, now time.Time) (string, time.Time, error) {
	token, err := pkgAuth.MintAccessToken(p.jwtCfg, now, pkgAuth.AccessTokenPayload{
		UserID: user.ID,
		Email:  user.Email,
		Role:   enums.ParseRole(user.Role),
		JTI:    accessID,
	})
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint jwt")
	}
	expires := now.Add(time.Duration(p.jwtCfg.ExpirationMinutes) * time.Minute)
	return token, expires, nil
}

func (p *Provider) grant(user *models.User, access, refresh, accessID string, expires time.Time) *Grant {
	dto := users.FromModel(user)
	return &Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expires,
		User:         dto,
		Session: &Session{
			AccessID:  accessID,
			UserID:    user.ID,
			Email:     user.Email,
			Role:      dto.Role,
			ExpiresAt: expires,
		},
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
