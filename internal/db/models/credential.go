package models

import "time"

// ProviderCredential is a user's own OAuth app for a credential family.
// The (UserID, CredentialKey) pair is unique; writes are upserts.
type ProviderCredential struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"uniqueIndex:idx_user_credential;not null" json:"user_id"`
	CredentialKey string    `gorm:"uniqueIndex:idx_user_credential;not null" json:"credential_key"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Complete reports whether both halves of the client credential are set.
func (p *ProviderCredential) Complete() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}
