package users

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ledger-notify/pkg/db/models"
	"github.com/angelmondragon/ledger-notify/pkg/enums"
)

// UserDTO is the transport shape that omits sensitive credentials.
type UserDTO struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        enums.Role `json:"role"`
	IsActive    bool       `json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateUserDTO holds the data required by the repo to persist a new user.
type CreateUserDTO struct {
	Email        string
	PasswordHash string
	Role         enums.Role
	IsActive     *bool
}

func FromModel(u *models.User) *UserDTO {
	if u == nil {
		return nil
	}

	return &UserDTO{
		ID:          u.ID,
		Email:       u.Email,
		Role:        enums.ParseRole(u.Role),
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

func (c CreateUserDTO) ToModel() *models.User {
	isActive := true
	if c.IsActive != nil {
		isActive = *c.IsActive
	}
	role := c.Role
	if !role.IsValid() {
		role = enums.RoleAgent
	}

	return &models.User{
		ID:           uuid.NewString(),
		Email:        c.Email,
		PasswordHash: c.PasswordHash,
		Role:         string(role),
		IsActive:     isActive,
	}
}
