package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/orca-platform/orca-server/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("record not found")

// Repository is the keyed record store behind credentials and connections.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetCredential returns the stored OAuth client for (userID, key).
func (r *Repository) GetCredential(ctx context.Context, userID, key string) (*models.ProviderCredential, error) {
	var cred models.ProviderCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND credential_key = ?", userID, key).
		First(&cred).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cred, nil
}

// UpsertCredential inserts or replaces the OAuth client for (userID, key).
func (r *Repository) UpsertCredential(ctx context.Context, userID, key, clientID, clientSecret string) error {
	cred := models.ProviderCredential{
		UserID:        userID,
		CredentialKey: key,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "credential_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"client_id", "client_secret", "updated_at"}),
	}).Create(&cred).Error
}

// SaveConnection writes conn, overwriting any existing connection for the
// same (user, provider). On return conn.ID holds the persisted row id.
func (r *Repository) SaveConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Status == "" {
		conn.Status = models.StatusConnected
	}
	conn.ExpiresAt = utcPtr(conn.ExpiresAt)
	tx := r.db.WithContext(ctx)
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "access_token", "refresh_token", "token_type",
			"expires_at", "config", "status", "updated_at",
		}),
	}).Create(conn).Error
	if err != nil {
		return err
	}

	var stored models.Connection
	if err := tx.Select("id", "created_at").
		Where("user_id = ? AND provider_id = ?", conn.UserID, conn.ProviderID).
		First(&stored).Error; err != nil {
		return notFound(err)
	}
	conn.ID = stored.ID
	conn.CreatedAt = stored.CreatedAt
	return nil
}

// GetConnection fetches the connection for (userID, providerID). An empty
// status matches any status.
func (r *Repository) GetConnection(ctx context.Context, userID, providerID, status string) (*models.Connection, error) {
	q := r.db.WithContext(ctx).Where("user_id = ? AND provider_id = ?", userID, providerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var conn models.Connection
	if err := q.First(&conn).Error; err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

// UpdateConnectionTokens replaces the access token and expiry in place. The
// refresh token is never touched.
func (r *Repository) UpdateConnectionTokens(ctx context.Context, id, accessToken string, expiresAt *time.Time) error {
	updates := map[string]any{
		"access_token": accessToken,
		"expires_at":   utcPtr(expiresAt),
	}
	res := r.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConnectionStatus moves the connection for (userID, providerID) to status.
func (r *Repository) SetConnectionStatus(ctx context.Context, userID, providerID, status string) error {
	res := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("user_id = ? AND provider_id = ?", userID, providerID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConnections returns every connection of a user, newest first.
func (r *Repository) ListConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	var conns []models.Connection
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&conns).Error
	return conns, err
}

// ConnectedProviders returns the set of provider ids the user has an active
// connection to.
func (r *Repository) ConnectedProviders(ctx context.Context, userID string) (map[string]bool, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("user_id = ? AND status = ?", userID, models.StatusConnected).
		Pluck("provider_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// ListRefreshableConnections returns connected rows with a refresh token
// whose access token expires at or before the given time.
func (r *Repository) ListRefreshableConnections(ctx context.Context, before time.Time) ([]models.Connection, error) {
	var conns []models.Connection
	err := r.db.WithContext(ctx).
		Where("status = ? AND refresh_token <> '' AND expires_at IS NOT NULL AND expires_at <= ?",
			models.StatusConnected, before.UTC()).
		Order("expires_at ASC").
		Find(&conns).Error
	return conns, err
}

// utcPtr normalizes stored times so SQLite's text comparison orders them.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
