package models

import "time"

// User holds the credentials owned by the identity provider.
type User struct {
	ID           string     `gorm:"type:uuid;primaryKey"`
	Email        string     `gorm:"type:text;not null;uniqueIndex"`
	PasswordHash string     `gorm:"column:password_hash;not null"`
	Role         string     `gorm:"column:role;not null;default:agent"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Profile is the public profile document written at registration.
type Profile struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Email     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// All lists every model, used by the sqlite auto-migration path.
func All() []any {
	return []any{&User{}, &Profile{}, &Notification{}}
}

// Tables names the tables behind All, in creation order.
func Tables() []string {
	return []string{"users", "profiles", "notifications"}
}
