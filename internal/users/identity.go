package users

import (
	"strings"
	"time"

	"github.com/FabianTorres/confesiones/internal/store"
)

// Identity maps a client installation to its permanent anonymous user id.
type Identity struct {
	InstallID  string    `gorm:"column:install_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing anonymous identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the per-user document keyed by the anonymous user id.
type Profile struct {
	UserID          string          `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Gender          *string         `gorm:"column:gender;size:32" json:"gender,omitempty"`
	Age             *int            `gorm:"column:age" json:"age,omitempty"`
	CountryCode     *string         `gorm:"column:country_code;size:8" json:"country_code,omitempty"`
	AnonymousName   string          `gorm:"column:anonymous_name;size:64;not null" json:"anonymous_name"`
	AllowsMessaging bool            `gorm:"column:allows_messaging;not null" json:"allows_messaging"`
	BlockedUserIDs  store.StringSet `gorm:"column:blocked_user_ids;type:text;not null" json:"blocked_user_ids"`
	Version         int64           `gorm:"column:version;not null" json:"version"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// ProfileUpdate carries the user-editable profile fields.
type ProfileUpdate struct {
	Gender          *string
	Age             *int
	CountryCode     *string
	AllowsMessaging bool
}

// Session describes the identity resolved for an installation.
type Session struct {
	InstallID   string
	UserID      string
	NewIdentity bool
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := normalize(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
