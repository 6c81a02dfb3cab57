package models

import (
	"encoding/json"
	"time"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Connection stores the OAuth grant for one (user, provider) pair.
type Connection struct {
	ID           string     `gorm:"primaryKey" json:"id"` // UUID
	UserID       string     `gorm:"uniqueIndex:idx_user_provider;not null" json:"user_id"`
	ProviderID   string     `gorm:"uniqueIndex:idx_user_provider;not null" json:"provider_id"`
	DisplayName  string     `json:"display_name"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenType    string     `gorm:"default:'Bearer'" json:"token_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil: never auto-refresh
	Config       string     `json:"-"`                    // JSON, see ConnectionConfig
	Status       string     `gorm:"index;default:'connected'" json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConnectionConfig is the opaque metadata kept alongside a connection.
type ConnectionConfig struct {
	ExternalAccountID string    `json:"external_account_id"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// Metadata decodes Config. A malformed or empty blob yields the zero value.
func (c *Connection) Metadata() ConnectionConfig {
	var cfg ConnectionConfig
	if c.Config != "" {
		_ = json.Unmarshal([]byte(c.Config), &cfg)
	}
	return cfg
}

// SetMetadata encodes cfg into Config.
func (c *Connection) SetMetadata(cfg ConnectionConfig) {
	data, _ := json.Marshal(cfg)
	c.Config = string(data)
}

// HasRefreshToken reports whether a refresh grant can be attempted.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != ""
}
