package models

import "time"

// Notification is a single inbox entry owned by exactly one user.
type Notification struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"type:uuid;not null;index:idx_notifications_user_created,priority:1"`
	Title     string    `gorm:"type:text;not null"`
	Message   string    `gorm:"type:text;not null"`
	Read      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;index:idx_notifications_user_created,priority:2,sort:desc"`
}
