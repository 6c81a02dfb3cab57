// Package token hands out valid access tokens for stored connections,
// refreshing and persisting them when they are about to expire.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orca-platform/orca-server/internal/auth/oauth"
	"github.com/orca-platform/orca-server/internal/db"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/metrics"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/orca-platform/orca-server/internal/telemetry"
	"github.com/orca-platform/orca-server/internal/util"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotConnected       = errors.New("provider not connected")
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

const (
	defaultExpiryBuffer = 5 * time.Minute
	refreshTimeout      = 30 * time.Second
	// The background loop looks this many buffers ahead.
	loopLookahead = 4
)

// Access is a usable bearer token and the connection it belongs to.
type Access struct {
	Token        string
	ConnectionID string
}

// Store is the connection persistence the manager needs.
type Store interface {
	GetConnection(ctx context.Context, userID, providerID, status string) (*models.Connection, error)
	UpdateConnectionTokens(ctx context.Context, id, accessToken string, expiresAt *time.Time) error
	SetConnectionStatus(ctx context.Context, userID, providerID, status string) error
	ListRefreshableConnections(ctx context.Context, before time.Time) ([]models.Connection, error)
}

type Options struct {
	ExpiryBuffer time.Duration
	HTTPClient   *http.Client
	Metrics      metrics.Recorder
	Now          func() time.Time
}

// Manager handles token lifecycle including refresh.
type Manager struct {
	registry *registry.Registry
	clients  oauth.ClientResolver
	store    Store

	buffer     time.Duration
	httpClient *http.Client
	metrics    metrics.Recorder
	now        func() time.Time

	flights  singleflight.Group
	loopOnce sync.Once
}

func NewManager(reg *registry.Registry, clients oauth.ClientResolver, store Store, opts Options) *Manager {
	m := &Manager{
		registry:   reg,
		clients:    clients,
		store:      store,
		buffer:     opts.ExpiryBuffer,
		httpClient: opts.HTTPClient,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if m.buffer <= 0 {
		m.buffer = defaultExpiryBuffer
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: refreshTimeout}
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// GetValidAccessToken returns the access token of the user's connected
// provider. A token expiring within the buffer is refreshed first when a
// refresh token is stored; if that fails the error wraps
// ErrTokenRefreshFailed and the stale token is not returned.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID, providerID string) (Access, error) {
	conn, err := m.store.GetConnection(ctx, userID, providerID, models.StatusConnected)
	if errors.Is(err, db.ErrNotFound) {
		return Access{}, fmt.Errorf("%w: %s", ErrNotConnected, providerID)
	}
	if err != nil {
		return Access{}, fmt.Errorf("load connection: %w", err)
	}

	if !m.needsRefresh(conn) {
		return Access{Token: conn.AccessToken, ConnectionID: conn.ID}, nil
	}

	logging.FromContext(ctx).Debug().
		Str("provider", providerID).
		Str("connection_id", conn.ID).
		Msg("access token expiring, refreshing")
	tok, err := m.refreshShared(ctx, conn)
	if err != nil {
		return Access{}, err
	}
	return Access{Token: tok, ConnectionID: conn.ID}, nil
}

func (m *Manager) needsRefresh(conn *models.Connection) bool {
	if conn.ExpiresAt == nil || !conn.HasRefreshToken() {
		return false
	}
	return !conn.ExpiresAt.After(m.now().Add(m.buffer))
}

// refreshShared collapses concurrent refreshes of one connection into a
// single grant. Every waiter shares the grant, so it runs detached from the
// first caller's cancellation and is bounded by refreshTimeout instead.
func (m *Manager) refreshShared(ctx context.Context, conn *models.Connection) (string, error) {
	v, err, _ := m.flights.Do(conn.ID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, conn *models.Connection) (accessToken string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "oauth.refresh", trace.WithAttributes(
		attribute.String("oauth.provider", conn.ProviderID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := logging.FromContext(ctx).With().
		Str("provider", conn.ProviderID).
		Str("connection_id", conn.ID).
		Logger()

	d, ok := m.registry.Get(conn.ProviderID)
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %s", ErrTokenRefreshFailed, conn.ProviderID)
	}
	client, err := m.clients.Resolve(ctx, conn.UserID, conn.ProviderID)
	if err != nil {
		return "", fmt.Errorf("%w: resolve client: %v", ErrTokenRefreshFailed, err)
	}

	cfg := oauth.Config(d, client.ID, client.Secret, "")
	src := cfg.TokenSource(oauth.ClientContext(ctx, m.httpClient, d), &oauth2.Token{RefreshToken: conn.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		logger.Error().Err(err).Msg("❌ refresh token grant failed")
		if isPermanentRefreshError(err) {
			// The grant is gone; the user has to reconnect.
			if serr := m.store.SetConnectionStatus(ctx, conn.UserID, conn.ProviderID, models.StatusError); serr != nil {
				logger.Warn().Err(serr).Msg("failed to mark connection as errored")
			}
			m.metrics.RecordTokenRefresh(conn.ProviderID, "revoked")
			logger.Warn().Msg("🔒 connection marked as error, reconnect required")
		} else {
			m.metrics.RecordTokenRefresh(conn.ProviderID, "failure")
		}
		return "", fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	var expiresAt *time.Time
	if !newToken.Expiry.IsZero() {
		exp := newToken.Expiry
		expiresAt = &exp
	}
	// The stored refresh token is kept verbatim even if the provider sends
	// a different one back.
	if newToken.RefreshToken != "" && newToken.RefreshToken != conn.RefreshToken {
		logger.Debug().Msg("provider returned a new refresh token, keeping the stored one")
	}
	if err := m.store.UpdateConnectionTokens(ctx, conn.ID, newToken.AccessToken, expiresAt); err != nil {
		m.metrics.RecordTokenRefresh(conn.ProviderID, "failure")
		return "", fmt.Errorf("%w: persist: %v", ErrTokenRefreshFailed, err)
	}

	m.metrics.RecordTokenRefresh(conn.ProviderID, "success")
	ev := logger.Info().Str("token", util.MaskToken(newToken.AccessToken))
	if expiresAt != nil {
		ev = ev.Time("expires_at", *expiresAt)
	}
	ev.Msg("✅ refreshed access token")
	return newToken.AccessToken, nil
}

// Disconnect marks the user's connection to providerID as disconnected.
func (m *Manager) Disconnect(ctx context.Context, userID, providerID string) error {
	err := m.store.SetConnectionStatus(ctx, userID, providerID, models.StatusDisconnected)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotConnected, providerID)
	}
	return err
}

// StartRefreshLoop refreshes connections of refresh-capable providers ahead
// of expiry until ctx is done. Only the first call starts the loop.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.loopOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RefreshDue(ctx)
				}
			}
		}()
		log.Info().Dur("interval", interval).Msg("🔄 token refresh loop started")
	})
}

// RefreshDue refreshes every refreshable connection expiring within the
// lookahead window and returns how many succeeded.
func (m *Manager) RefreshDue(ctx context.Context) int {
	conns, err := m.store.ListRefreshableConnections(ctx, m.now().Add(loopLookahead*m.buffer))
	if err != nil {
		log.Warn().Err(err).Msg("failed to list refreshable connections")
		return 0
	}
	ok := 0
	for i := range conns {
		conn := &conns[i]
		if d, found := m.registry.Get(conn.ProviderID); !found || !d.SupportsRefresh {
			continue
		}
		if _, err := m.refreshShared(ctx, conn); err == nil {
			ok++
		}
	}
	return ok
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
