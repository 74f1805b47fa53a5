package identity

import (
	"time"

	"github.com/angelmondragon/ledger-notify/internal/users"
	"github.com/angelmondragon/ledger-notify/pkg/enums"
)

// Credentials is the email/password pair accepted by Authenticate and Register.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest carries the refresh token and, when no bearer header is sent,
// the possibly expired access token it belongs to.
type RefreshRequest struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Session is the resolved identity behind an access token.
type Session struct {
	AccessID  string     `json:"-"`
	UserID    string     `json:"uid"`
	Email     string     `json:"email"`
	Role      enums.Role `json:"role"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Grant is returned by every operation that opens a session.
type Grant struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	User         *users.UserDTO `json:"user"`
	Session      *Session       `json:"-"`
}
