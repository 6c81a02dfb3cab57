package oauth

import (
	"context"
	"net/http"

	"github.com/orca-platform/orca-server/internal/providers/registry"
	"golang.org/x/oauth2"
)

// headerTransport adds fixed headers to every token endpoint request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// ClientContext returns ctx carrying the HTTP client oauth2 should use for
// d's token endpoint, with d.TokenHeaders applied.
func ClientContext(ctx context.Context, base *http.Client, d registry.Descriptor) context.Context {
	if base == nil {
		base = http.DefaultClient
	}
	client := base
	if len(d.TokenHeaders) > 0 {
		rt := base.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		client = &http.Client{
			Transport:     &headerTransport{base: rt, headers: d.TokenHeaders},
			CheckRedirect: base.CheckRedirect,
			Jar:           base.Jar,
			Timeout:       base.Timeout,
		}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// Config builds the oauth2 config for d with the given client.
func Config(d registry.Descriptor, clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       d.Scopes,
		Endpoint:     d.Endpoint(),
	}
}
