// Package gmail sends mail on behalf of a user through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/orca-platform/orca-server/internal/logging"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultTimeout = 30 * time.Second

type Options struct {
	// Endpoint overrides the Gmail API root, e.g. for tests.
	Endpoint   string
	HTTPClient *http.Client
}

type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	c := &Client{endpoint: opts.Endpoint, httpClient: opts.HTTPClient}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c
}

// SendResult is the outcome of Send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EncodeRaw builds a minimal plain-text RFC 2822 message and encodes it as
// unpadded base64url, the form the Gmail API expects in Message.Raw.
func EncodeRaw(to, subject, body string) string {
	msg := strings.Join([]string{
		"To: " + headerValue(to),
		"Subject: " + headerValue(subject),
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}, "\r\n")
	return base64.RawURLEncoding.EncodeToString([]byte(msg))
}

// headerValue keeps a value on one header line.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Send mails body to the recipient as the owner of accessToken.
func (c *Client) Send(ctx context.Context, accessToken, to, subject, body string) SendResult {
	log := logging.FromContext(ctx)

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		log.Error().Err(err).Msg("gmail client setup failed")
		return SendResult{Error: "Failed to send email"}
	}

	msg, err := svc.Users.Messages.Send("me", &gmailapi.Message{Raw: EncodeRaw(to, subject, body)}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			log.Warn().Int("status", apiErr.Code).Str("message", apiErr.Message).Msg("gmail send failed")
			return SendResult{Error: fmt.Sprintf("Gmail API error: %d", apiErr.Code)}
		}
		log.Error().Err(err).Msg("gmail send failed")
		return SendResult{Error: "Failed to send email"}
	}
	return SendResult{Success: true, MessageID: msg.Id}
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	authed := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(authed)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}
