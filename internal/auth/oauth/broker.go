// Package oauth runs the two phase OAuth authorization code flow that
// connects a user's third-party account: Authorize mints a one-time state
// and builds the provider URL, Callback consumes it, exchanges the code and
// stores the resulting connection.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/orca-platform/orca-server/internal/auth/credentials"
	"github.com/orca-platform/orca-server/internal/auth/state"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/metrics"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/orca-platform/orca-server/internal/telemetry"
	"github.com/orca-platform/orca-server/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// ClientResolver yields the OAuth client to use for a user and provider.
type ClientResolver interface {
	Resolve(ctx context.Context, userID, providerID string) (credentials.Client, error)
}

// ConnectionStore persists successful grants.
type ConnectionStore interface {
	SaveConnection(ctx context.Context, conn *models.Connection) error
}

// Options configures a Broker. CallbackURL is required.
type Options struct {
	CallbackURL string
	StateTTL    time.Duration
	HTTPClient  *http.Client
	Metrics     metrics.Recorder
	Now         func() time.Time
}

type Broker struct {
	registry *registry.Registry
	clients  ClientResolver
	states   state.Store
	conns    ConnectionStore

	callbackURL string
	stateTTL    time.Duration
	httpClient  *http.Client
	metrics     metrics.Recorder
	now         func() time.Time
}

func NewBroker(reg *registry.Registry, clients ClientResolver, states state.Store, conns ConnectionStore, opts Options) *Broker {
	b := &Broker{
		registry:    reg,
		clients:     clients,
		states:      states,
		conns:       conns,
		callbackURL: opts.CallbackURL,
		stateTTL:    opts.StateTTL,
		httpClient:  opts.HTTPClient,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if b.stateTTL <= 0 {
		b.stateTTL = 10 * time.Minute
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if b.metrics == nil {
		b.metrics = metrics.Nop{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// CallbackURL is the redirect_uri used by both phases.
func (b *Broker) CallbackURL() string {
	return b.callbackURL
}

// Authorize returns the provider URL the browser should navigate to.
func (b *Broker) Authorize(ctx context.Context, providerID, userID string) (string, error) {
	d, ok := b.registry.Get(providerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if !d.SupportsOAuth() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFlow, providerID)
	}
	if userID == "" {
		return "", ErrUnauthorized
	}

	token, err := state.NewToken()
	if err != nil {
		return "", err
	}
	entry := state.Entry{
		Token:      token,
		ProviderID: providerID,
		UserID:     userID,
		ExpiresAt:  b.now().Add(b.stateTTL),
	}
	if err := b.states.Set(ctx, entry); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	client, err := b.clients.Resolve(ctx, userID, providerID)
	if err != nil {
		return "", fmt.Errorf("resolve client: %w", err)
	}
	if !client.Configured() {
		logging.FromContext(ctx).Warn().
			Str("provider", providerID).
			Str("env", credentials.EnvPrefix(d.Family)+"_CLIENT_ID").
			Msg("no OAuth client configured, authorize URL will be rejected by the provider")
	}

	cfg := Config(d, client.ID, "", b.callbackURL)
	return cfg.AuthCodeURL(token, authParams(d)...), nil
}

func authParams(d registry.Descriptor) []oauth2.AuthCodeOption {
	keys := make([]string, 0, len(d.ExtraAuthParams))
	for k := range d.ExtraAuthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, d.ExtraAuthParams[k]))
	}
	return opts
}

// Outcome is the terminal state of one callback.
type Outcome struct {
	ProviderID string
	Err        error
}

// Reason is the redirect error code, empty on success.
func (o Outcome) Reason() string {
	return Reason(o.Err)
}

// RedirectURL appends oauth_success or oauth_error to dashboardURL.
func (o Outcome) RedirectURL(dashboardURL string) string {
	q := url.Values{}
	if o.Err == nil {
		q.Set("oauth_success", o.ProviderID)
	} else {
		q.Set("oauth_error", o.Reason())
	}
	return dashboardURL + "?" + q.Encode()
}

// Callback completes the flow. It never panics and always returns an
// Outcome; a connection is stored only after a fully successful exchange.
func (b *Broker) Callback(ctx context.Context, code, stateToken, errParam string) Outcome {
	out := b.callback(ctx, code, stateToken, errParam)
	result := "success"
	if out.Err != nil {
		result = out.Reason()
		logging.FromContext(ctx).Warn().Err(out.Err).
			Str("provider", out.ProviderID).
			Str("reason", result).
			Msg("oauth callback failed")
	}
	b.metrics.RecordOAuthCallback(out.ProviderID, metricOutcome(out.Err))
	return out
}

func metricOutcome(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return "provider_error"
	}
	if err == nil {
		return "success"
	}
	return Reason(err)
}

func (b *Broker) callback(ctx context.Context, code, stateToken, errParam string) Outcome {
	if errParam != "" {
		return Outcome{Err: &ProviderError{Code: errParam}}
	}
	if code == "" || stateToken == "" {
		return Outcome{Err: ErrMissingParams}
	}

	entry, ok, err := b.states.Consume(ctx, stateToken)
	if err != nil {
		return Outcome{Err: fmt.Errorf("%w: %v", ErrInvalidState, err)}
	}
	if !ok {
		return Outcome{Err: ErrInvalidState}
	}
	if entry.Expired(b.now()) {
		return Outcome{ProviderID: entry.ProviderID, Err: ErrStateExpired}
	}

	d, ok := b.registry.Get(entry.ProviderID)
	if !ok {
		return Outcome{ProviderID: entry.ProviderID, Err: ErrUnknownProvider}
	}

	token, err := b.exchange(ctx, d, entry.UserID, code)
	if err != nil {
		return Outcome{ProviderID: d.ID, Err: err}
	}

	conn := newConnection(d, entry.UserID, token, b.now())
	if err := b.conns.SaveConnection(ctx, conn); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("provider", d.ID).Msg("failed to save connection")
		return Outcome{ProviderID: d.ID, Err: fmt.Errorf("%w: %v", ErrSaveFailed, err)}
	}

	logging.FromContext(ctx).Info().
		Str("provider", d.ID).
		Str("connection_id", conn.ID).
		Str("access_token", util.MaskToken(token.AccessToken)).
		Bool("refresh_token", token.RefreshToken != "").
		Msg("✅ connection stored")
	return Outcome{ProviderID: d.ID}
}

func (b *Broker) exchange(ctx context.Context, d registry.Descriptor, userID, code string) (tok *oauth2.Token, err error) {
	ctx, span := telemetry.StartSpan(ctx, "oauth.exchange", trace.WithAttributes(
		attribute.String("oauth.provider", d.ID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	client, err := b.clients.Resolve(ctx, userID, d.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve client: %v", ErrTokenExchangeFailed, err)
	}

	cfg := Config(d, client.ID, client.Secret, b.callbackURL)
	tok, err = cfg.Exchange(ClientContext(ctx, b.httpClient, d), code)
	if err != nil {
		logExchangeError(ctx, d.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token received", ErrTokenExchangeFailed)
	}
	return tok, nil
}

func logExchangeError(ctx context.Context, providerID string, err error) {
	ev := logging.FromContext(ctx).Error().Str("provider", providerID)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			ev = ev.Int("status", re.Response.StatusCode)
		}
		ev = ev.Str("body", util.TruncateBytes(re.Body))
	} else {
		ev = ev.Err(err)
	}
	ev.Msg("token exchange failed")
}

// accountIDKeys are token response fields some providers use to identify
// the connected account (Notion workspace, Dropbox account, ...).
var accountIDKeys = []string{"workspace_id", "account_id", "user_id"}

func newConnection(d registry.Descriptor, userID string, tok *oauth2.Token, now time.Time) *models.Connection {
	conn := &models.Connection{
		UserID:       userID,
		ProviderID:   d.ID,
		DisplayName:  d.DisplayName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Status:       models.StatusConnected,
	}
	if conn.TokenType == "" {
		conn.TokenType = "Bearer"
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		conn.ExpiresAt = &exp
	}

	meta := models.ConnectionConfig{ConnectedAt: now.UTC()}
	for _, k := range accountIDKeys {
		if v, ok := tok.Extra(k).(string); ok && v != "" {
			meta.ExternalAccountID = v
			break
		}
	}
	conn.SetMetadata(meta)
	return conn
}
