package users

import (
	"strings"
	"time"
)

// Identity links one provider login to an account. Several identities may
// share a UserID; the provider+subject pair is unique.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

func identityKey(provider, subject string) string {
	return provider + ":" + subject
}

func newIdentity(provider, subject, userID string, login Login, seenAt time.Time) Identity {
	return Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      userID,
		Email:       strings.TrimSpace(login.Email),
		DisplayName: strings.TrimSpace(login.DisplayName),
		LastSeenAt:  seenAt,
	}
}

// changes returns the column updates a repeat login brings: the last-seen
// stamp always, profile fields only when the login carries a different value.
func (identity Identity) changes(login Login, seenAt time.Time) map[string]any {
	updates := map[string]any{"last_seen_at": seenAt}
	if email := strings.TrimSpace(login.Email); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if name := strings.TrimSpace(login.DisplayName); name != "" && name != identity.DisplayName {
		updates["user_display_name"] = name
	}
	return updates
}
