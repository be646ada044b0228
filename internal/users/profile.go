package users

import (
	"strings"
	"time"
)

// Profile maps a provider login onto the owner key records are stored under, plus the
// display name shown in the public feed.
type Profile struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	OwnerKey    string    `gorm:"column:owner_key;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing owner profiles.
func (Profile) TableName() string {
	return "owner_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
