package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/orca-platform/orca-server/internal/auth/credentials"
	"github.com/orca-platform/orca-server/internal/auth/state"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/providers/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCallback = "https://orca.example.com/api/integrations/oauth/callback"

func testRegistry(t *testing.T, tokenURL string) *registry.Registry {
	t.Helper()
	doc := fmt.Sprintf(`
families:
  google:
    extra_auth_params: {access_type: offline, prompt: consent}
    supports_refresh: true
providers:
  - id: gmail
    family: google
    display_name: Gmail
    auth_url: https://accounts.example.com/auth
    token_url: %[1]s
    scopes: [https://www.googleapis.com/auth/gmail.send, email]
  - id: notion
    display_name: Notion
    auth_url: https://notion.example.com/authorize
    token_url: %[1]s
    token_auth_style: basic
    extra_auth_params: {owner: user}
  - id: github
    display_name: GitHub
    auth_url: https://github.example.com/authorize
    token_url: %[1]s
    token_headers: {Accept: application/json}
  - id: webhook
    display_name: Webhook
`, tokenURL)
	r, err := registry.Parse([]byte(doc))
	require.NoError(t, err)
	return r
}

type staticResolver struct {
	client credentials.Client
	err    error
}

func (s staticResolver) Resolve(context.Context, string, string) (credentials.Client, error) {
	return s.client, s.err
}

type memConns struct {
	mu    sync.Mutex
	saved []*models.Connection
	err   error
}

func (m *memConns) SaveConnection(_ context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c.ID = fmt.Sprintf("conn-%d", len(m.saved)+1)
	m.saved = append(m.saved, c)
	return nil
}

type tokenRequest struct {
	form   url.Values
	header http.Header
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter)) (*httptest.Server, *[]tokenRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		reqs = append(reqs, tokenRequest{form: r.PostForm, header: r.Header.Clone()})
		mu.Unlock()
		respond(w)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func jsonToken(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func newTestBroker(t *testing.T, tokenURL string, conns *memConns) (*Broker, *state.MemoryStore) {
	t.Helper()
	states := state.NewMemoryStore()
	b := NewBroker(testRegistry(t, tokenURL),
		staticResolver{client: credentials.Client{ID: "cid", Secret: "csecret", Source: credentials.SourceEnv}},
		states, conns, Options{CallbackURL: testCallback})
	return b, states
}

func authorizeState(t *testing.T, b *Broker, provider string) string {
	t.Helper()
	raw, err := b.Authorize(context.Background(), provider, "user-1")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestAuthorize_Errors(t *testing.T) {
	b, states := newTestBroker(t, "https://token.example.com", &memConns{})
	ctx := context.Background()

	_, err := b.Authorize(ctx, "nope", "user-1")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = b.Authorize(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrUnknownProvider, "unknown provider is reported before auth")

	_, err = b.Authorize(ctx, "webhook", "user-1")
	assert.ErrorIs(t, err, ErrUnsupportedFlow)

	_, err = b.Authorize(ctx, "gmail", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Zero(t, states.Len(), "no state minted on failure")
}

func TestAuthorize_BuildsProviderURL(t *testing.T) {
	b, states := newTestBroker(t, "https://token.example.com", &memConns{})

	raw, err := b.Authorize(context.Background(), "gmail", "user-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.com", u.Host)
	q := u.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, testCallback, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.send email", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Len(t, q.Get("state"), 64)
	assert.Equal(t, 1, states.Len())

	entry, ok, err := states.Consume(context.Background(), q.Get("state"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gmail", entry.ProviderID)
	assert.Equal(t, "user-1", entry.UserID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), entry.ExpiresAt, 5*time.Second)
}

func TestAuthorize_NoScopeParamWhenEmpty(t *testing.T) {
	b, _ := newTestBroker(t, "https://token.example.com", &memConns{})
	raw, err := b.Authorize(context.Background(), "notion", "user-1")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	_, has := u.Query()["scope"]
	assert.False(t, has)
	assert.Equal(t, "user", u.Query().Get("owner"))
}

func TestCallback_Success(t *testing.T) {
	srv, reqs := newTokenServer(t, jsonToken(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	conns := &memConns{}
	b, _ := newTestBroker(t, srv.URL, conns)

	st := authorizeState(t, b, "gmail")
	out := b.Callback(context.Background(), "the-code", st, "")
	require.NoError(t, out.Err)
	assert.Equal(t, "gmail", out.ProviderID)
	assert.Equal(t, "https://orca.example.com/dashboard?oauth_success=gmail", out.RedirectURL("https://orca.example.com/dashboard"))

	require.Len(t, *reqs, 1)
	form := (*reqs)[0].form
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, testCallback, form.Get("redirect_uri"))
	assert.Equal(t, "cid", form.Get("client_id"))
	assert.Equal(t, "csecret", form.Get("client_secret"))

	require.Len(t, conns.saved, 1)
	c := conns.saved[0]
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, "at-1", c.AccessToken)
	assert.Equal(t, "rt-1", c.RefreshToken)
	assert.Equal(t, models.StatusConnected, c.Status)
	require.NotNil(t, c.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *c.ExpiresAt, 5*time.Second)
	assert.False(t, c.Metadata().ConnectedAt.IsZero())

	replay := b.Callback(context.Background(), "the-code", st, "")
	assert.Equal(t, "invalid_state", replay.Reason())
	assert.Len(t, conns.saved, 1)
}

func TestCallback_NoExpiry(t *testing.T) {
	srv, _ := newTokenServer(t, jsonToken(`{"access_token":"at-1"}`))
	conns := &memConns{}
	b, _ := newTestBroker(t, srv.URL, conns)

	out := b.Callback(context.Background(), "c", authorizeState(t, b, "gmail"), "")
	require.NoError(t, out.Err)
	require.Len(t, conns.saved, 1)
	assert.Nil(t, conns.saved[0].ExpiresAt)
	assert.Equal(t, "Bearer", conns.saved[0].TokenType)
}

func TestCallback_NotionUsesBasicAuth(t *testing.T) {
	srv, reqs := newTokenServer(t, jsonToken(`{"access_token":"secret_notion","workspace_id":"ws-42"}`))
	conns := &memConns{}
	b, _ := newTestBroker(t, srv.URL, conns)

	out := b.Callback(context.Background(), "c", authorizeState(t, b, "notion"), "")
	require.NoError(t, out.Err)

	require.Len(t, *reqs, 1)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("cid:csecret"))
	assert.Equal(t, want, (*reqs)[0].header.Get("Authorization"))
	assert.Empty(t, (*reqs)[0].form.Get("client_secret"))
	assert.Equal(t, "ws-42", conns.saved[0].Metadata().ExternalAccountID)
}

func TestCallback_GitHubSendsAcceptJSON(t *testing.T) {
	srv, reqs := newTokenServer(t, jsonToken(`{"access_token":"gho_x","token_type":"bearer","scope":"repo"}`))
	b, _ := newTestBroker(t, srv.URL, &memConns{})

	out := b.Callback(context.Background(), "c", authorizeState(t, b, "github"), "")
	require.NoError(t, out.Err)
	assert.Equal(t, "application/json", (*reqs)[0].header.Get("Accept"))
}

func TestCallback_Failures(t *testing.T) {
	failing := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}

	t.Run("provider error param", func(t *testing.T) {
		b, _ := newTestBroker(t, "https://token.example.com", &memConns{})
		out := b.Callback(context.Background(), "", "", "access_denied")
		assert.Equal(t, "access_denied", out.Reason())
		assert.Equal(t, "https://x/dashboard?oauth_error=access_denied", out.RedirectURL("https://x/dashboard"))
	})

	t.Run("missing params", func(t *testing.T) {
		b, _ := newTestBroker(t, "https://token.example.com", &memConns{})
		assert.Equal(t, "missing_params", b.Callback(context.Background(), "code", "", "").Reason())
		assert.Equal(t, "missing_params", b.Callback(context.Background(), "", "st", "").Reason())
	})

	t.Run("forged state", func(t *testing.T) {
		srv, reqs := newTokenServer(t, jsonToken(`{"access_token":"x"}`))
		conns := &memConns{}
		b, _ := newTestBroker(t, srv.URL, conns)
		authorizeState(t, b, "gmail")
		forged, _ := state.NewToken()
		assert.Equal(t, "invalid_state", b.Callback(context.Background(), "c", forged, "").Reason())
		assert.Empty(t, *reqs)
		assert.Empty(t, conns.saved)
	})

	t.Run("expired state", func(t *testing.T) {
		srv, reqs := newTokenServer(t, jsonToken(`{"access_token":"x"}`))
		conns := &memConns{}
		b, _ := newTestBroker(t, srv.URL, conns)
		st := authorizeState(t, b, "gmail")
		b.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
		assert.Equal(t, "state_expired", b.Callback(context.Background(), "c", st, "").Reason())
		assert.Empty(t, *reqs)
		assert.Empty(t, conns.saved)
	})

	t.Run("exchange rejected", func(t *testing.T) {
		srv, _ := newTokenServer(t, failing)
		conns := &memConns{}
		b, _ := newTestBroker(t, srv.URL, conns)
		out := b.Callback(context.Background(), "c", authorizeState(t, b, "gmail"), "")
		assert.ErrorIs(t, out.Err, ErrTokenExchangeFailed)
		assert.Equal(t, "token_exchange_failed", out.Reason())
		assert.Empty(t, conns.saved, "never persist on exchange failure")
	})

	t.Run("missing access token", func(t *testing.T) {
		srv, _ := newTokenServer(t, jsonToken(`{"token_type":"Bearer"}`))
		conns := &memConns{}
		b, _ := newTestBroker(t, srv.URL, conns)
		out := b.Callback(context.Background(), "c", authorizeState(t, b, "gmail"), "")
		assert.Equal(t, "token_exchange_failed", out.Reason())
		assert.Empty(t, conns.saved)
	})

	t.Run("save failure", func(t *testing.T) {
		srv, _ := newTokenServer(t, jsonToken(`{"access_token":"x"}`))
		conns := &memConns{err: errors.New("constraint violated")}
		b, _ := newTestBroker(t, srv.URL, conns)
		out := b.Callback(context.Background(), "c", authorizeState(t, b, "gmail"), "")
		assert.ErrorIs(t, out.Err, ErrSaveFailed)
		assert.Equal(t, "save_failed", out.Reason())
	})
}

func TestCallback_UnknownProviderInState(t *testing.T) {
	b, states := newTestBroker(t, "https://token.example.com", &memConns{})
	require.NoError(t, states.Set(context.Background(), state.Entry{
		Token: "tok", ProviderID: "removed", UserID: "u", ExpiresAt: time.Now().Add(time.Minute),
	}))
	assert.Equal(t, "unknown_provider", b.Callback(context.Background(), "c", "tok", "").Reason())
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "token_exchange_failed", Reason(errors.New("boom")))
	assert.Equal(t, "invalid_state", Reason(fmt.Errorf("wrapped: %w", ErrInvalidState)))
}
