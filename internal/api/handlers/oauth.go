package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/auth/oauth"
	"github.com/orca-platform/orca-server/internal/logging"
)

type Authorizer interface {
	Authorize(ctx context.Context, providerID, userID string) (string, error)
}

type Completer interface {
	Callback(ctx context.Context, code, stateToken, errParam string) oauth.Outcome
}

// AuthorizeHandler starts the OAuth flow for {provider} and returns the URL
// the browser should open.
func AuthorizeHandler(broker Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "provider")
		url, err := broker.Authorize(r.Context(), providerID, middleware.UserID(r.Context()))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"authorization_url": url})
		case errors.Is(err, oauth.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "Unknown provider")
		case errors.Is(err, oauth.ErrUnsupportedFlow):
			writeError(w, http.StatusBadRequest, "Provider does not support OAuth")
		case errors.Is(err, oauth.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "Unauthorized")
		default:
			logging.FromContext(r.Context()).Error().Err(err).Str("provider", providerID).Msg("OAuth authorize failed")
			writeError(w, http.StatusInternalServerError, "Failed to initiate OAuth flow")
		}
	}
}

// CallbackHandler finishes the OAuth flow and redirects to the dashboard
// with oauth_success or oauth_error set.
func CallbackHandler(broker Completer, dashboardURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		outcome := broker.Callback(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"))
		http.Redirect(w, r, outcome.RedirectURL(dashboardURL), http.StatusFound)
	}
}
