package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/auth/token"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/providers/registry"
)

type CredentialStore interface {
	Exists(ctx context.Context, userID, key string) (bool, error)
	Save(ctx context.Context, userID, key, clientID, clientSecret string) error
}

// CredentialStatusHandler reports whether the user stored OAuth client
// credentials under {credentialKey}.
func CredentialStatusHandler(store CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "credentialKey")
		exists, err := store.Exists(r.Context(), middleware.UserID(r.Context()), key)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Str("credential_key", key).Msg("credential lookup failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
	}
}

// SaveCredentialHandler upserts the user's OAuth client credentials for
// {credentialKey}.
func SaveCredentialHandler(store CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "credentialKey")
		var body struct {
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		body.ClientID = strings.TrimSpace(body.ClientID)
		body.ClientSecret = strings.TrimSpace(body.ClientSecret)
		if body.ClientID == "" || body.ClientSecret == "" {
			writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
			return
		}

		if err := store.Save(r.Context(), middleware.UserID(r.Context()), key, body.ClientID, body.ClientSecret); err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Str("credential_key", key).Msg("credential upsert failed")
			writeError(w, http.StatusInternalServerError, "Failed to save credentials")
			return
		}
		logging.FromContext(r.Context()).Info().Str("credential_key", key).Msg("🔑 stored OAuth client credentials")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// ProvidersHandler lists the connectable providers and their categories.
func ProvidersHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		providers := reg.All()
		if category != "" {
			providers = reg.ByCategory(category)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"providers":  providers,
			"categories": reg.Categories(),
			"count":      len(providers),
		})
	}
}

type ConnectionLister interface {
	ListConnections(ctx context.Context, userID string) ([]models.Connection, error)
}

// connectionView is a connection without its secrets.
type connectionView struct {
	models.Connection
	ConnectedAt       string `json:"connected_at,omitempty"`
	ExternalAccountID string `json:"external_account_id,omitempty"`
}

// ConnectionsHandler lists the user's connections. Tokens are never
// included.
func ConnectionsHandler(store ConnectionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := store.ListConnections(r.Context(), middleware.UserID(r.Context()))
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("list connections failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		views := make([]connectionView, 0, len(conns))
		for i := range conns {
			meta := conns[i].Metadata()
			v := connectionView{Connection: conns[i], ExternalAccountID: meta.ExternalAccountID}
			if !meta.ConnectedAt.IsZero() {
				v.ConnectedAt = meta.ConnectedAt.UTC().Format(time.RFC3339)
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connections": views,
			"count":       len(views),
		})
	}
}

type Disconnector interface {
	Disconnect(ctx context.Context, userID, providerID string) error
}

// DisconnectHandler marks the user's {provider} connection disconnected.
func DisconnectHandler(tokens Disconnector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "provider")
		err := tokens.Disconnect(r.Context(), middleware.UserID(r.Context()), providerID)
		switch {
		case err == nil:
			logging.FromContext(r.Context()).Info().Str("provider", providerID).Msg("🔌 provider disconnected")
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		case errors.Is(err, token.ErrNotConnected):
			writeError(w, http.StatusNotFound, "Connection not found")
		default:
			logging.FromContext(r.Context()).Error().Err(err).Str("provider", providerID).Msg("disconnect failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
	}
}
