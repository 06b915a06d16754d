package users

import (
	"strings"
	"time"
)

// Account maps a login email within a tenant to its canonical user id.
type Account struct {
	TenantID    string    `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;primaryKey;size:320;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenant accounts.
func (Account) TableName() string {
	return "tenant_accounts"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
