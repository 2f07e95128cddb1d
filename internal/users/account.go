package users

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Account is the global identity of a user, as opposed to a per-chat author.
type Account struct {
	ID          string        `gorm:"column:id;primaryKey;size:190;not null"`
	DisplayName string        `gorm:"column:display_name;size:320;not null;default:''"`
	AvatarID    string        `gorm:"column:avatar_id;size:256;not null;default:''"`
	IsGuest     bool          `gorm:"column:is_guest;not null;default:false"`
	IsAdmin     bool          `gorm:"column:is_admin;not null;default:false"`
	Status      AccountStatus `gorm:"column:status;size:32;not null;default:'active'"`
	LastSeenAt  time.Time     `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// IsActive reports whether the account may act in chats.
func (a Account) IsActive() bool {
	return a.Status == "" || a.Status == AccountStatusActive
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
