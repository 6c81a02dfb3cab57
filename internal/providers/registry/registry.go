// Package registry holds the static catalog of OAuth providers users can
// connect, together with the per-provider capability table the broker and
// token manager consult instead of branching on provider ids.
package registry

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// TokenAuthStyle selects how client credentials reach the token endpoint.
type TokenAuthStyle string

const (
	// AuthStyleBody sends client_id and client_secret as form fields.
	AuthStyleBody TokenAuthStyle = "body"
	// AuthStyleBasic sends them as an HTTP Basic Authorization header.
	AuthStyleBasic TokenAuthStyle = "basic"

	// CategoryAll is the pseudo category that matches every provider.
	CategoryAll = "All"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

//go:embed providers.yaml
var defaultYAML []byte

// Descriptor describes one connectable provider. Map fields are shared and
// must be treated as read-only.
type Descriptor struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"display_name"`
	Icon            string            `json:"icon"`
	Category        string            `json:"category"`
	Description     string            `json:"description"`
	AuthURL         string            `json:"-"`
	TokenURL        string            `json:"-"`
	Scopes          []string          `json:"scopes"`
	Family          string            `json:"credential_key"`
	SupportsSync    bool              `json:"supports_sync"`
	TokenAuthStyle  TokenAuthStyle    `json:"-"`
	ExtraAuthParams map[string]string `json:"-"`
	TokenHeaders    map[string]string `json:"-"`
	SupportsRefresh bool              `json:"supports_refresh"`
}

// SupportsOAuth reports whether the provider can run the authorization code flow.
func (d Descriptor) SupportsOAuth() bool {
	return d.AuthURL != ""
}

// Endpoint converts the descriptor into an oauth2 endpoint with the auth
// style pinned, so the oauth2 package never has to guess it.
func (d Descriptor) Endpoint() oauth2.Endpoint {
	style := oauth2.AuthStyleInParams
	if d.TokenAuthStyle == AuthStyleBasic {
		style = oauth2.AuthStyleInHeader
	}
	return oauth2.Endpoint{
		AuthURL:   d.AuthURL,
		TokenURL:  d.TokenURL,
		AuthStyle: style,
	}
}

type fileConfig struct {
	Families  map[string]capabilityConfig `yaml:"families"`
	Providers []providerConfig            `yaml:"providers"`
}

type capabilityConfig struct {
	TokenAuthStyle  string            `yaml:"token_auth_style"`
	ExtraAuthParams map[string]string `yaml:"extra_auth_params"`
	TokenHeaders    map[string]string `yaml:"token_headers"`
	SupportsRefresh *bool             `yaml:"supports_refresh"`
}

type providerConfig struct {
	ID           string   `yaml:"id"`
	Family       string   `yaml:"family"`
	DisplayName  string   `yaml:"display_name"`
	Icon         string   `yaml:"icon"`
	Category     string   `yaml:"category"`
	Description  string   `yaml:"description"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	SupportsSync bool     `yaml:"supports_sync"`

	capabilityConfig `yaml:",inline"`
}

// Registry is an immutable provider catalog.
type Registry struct {
	byID  map[string]Descriptor
	order []string
}

// Parse builds a registry from YAML. Provider ids must be unique and every
// referenced family must be declared.
func Parse(data []byte) (*Registry, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse provider registry: %w", err)
	}

	r := &Registry{byID: make(map[string]Descriptor, len(cfg.Providers))}
	for i, p := range cfg.Providers {
		if !providerIDRegexp.MatchString(p.ID) {
			return nil, fmt.Errorf("providers[%d]: invalid id %q", i, p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}

		family := p.Family
		var inherited capabilityConfig
		if family != "" {
			fam, ok := cfg.Families[family]
			if !ok {
				return nil, fmt.Errorf("provider %s: undeclared family %q", p.ID, family)
			}
			inherited = fam
		} else {
			family = p.ID
		}

		d := Descriptor{
			ID:           p.ID,
			DisplayName:  p.DisplayName,
			Icon:         p.Icon,
			Category:     p.Category,
			Description:  p.Description,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
			Family:       family,
			SupportsSync: p.SupportsSync,
		}
		if err := applyCapabilities(&d, inherited, p.capabilityConfig); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		if d.SupportsOAuth() && d.TokenURL == "" {
			return nil, fmt.Errorf("provider %s: auth_url without token_url", p.ID)
		}

		r.byID[p.ID] = d
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

func applyCapabilities(d *Descriptor, family, own capabilityConfig) error {
	style := own.TokenAuthStyle
	if style == "" {
		style = family.TokenAuthStyle
	}
	switch TokenAuthStyle(style) {
	case "", AuthStyleBody:
		d.TokenAuthStyle = AuthStyleBody
	case AuthStyleBasic:
		d.TokenAuthStyle = AuthStyleBasic
	default:
		return fmt.Errorf("unsupported token_auth_style %q", style)
	}

	d.ExtraAuthParams = mergeMaps(family.ExtraAuthParams, own.ExtraAuthParams)
	d.TokenHeaders = mergeMaps(family.TokenHeaders, own.TokenHeaders)

	switch {
	case own.SupportsRefresh != nil:
		d.SupportsRefresh = *own.SupportsRefresh
	case family.SupportsRefresh != nil:
		d.SupportsRefresh = *family.SupportsRefresh
	}
	return nil
}

func mergeMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// CredentialFamily returns the credential key shared by providers that use
// one OAuth app. Unknown ids map to themselves.
func (r *Registry) CredentialFamily(id string) string {
	if d, ok := r.byID[id]; ok {
		return d.Family
	}
	return id
}

// All returns every provider in declaration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ByCategory filters providers by category. CategoryAll returns everything.
func (r *Registry) ByCategory(category string) []Descriptor {
	if category == CategoryAll {
		return r.All()
	}
	var out []Descriptor
	for _, id := range r.order {
		if d := r.byID[id]; d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// Categories lists CategoryAll followed by each category in first-seen order.
func (r *Registry) Categories() []string {
	seen := map[string]bool{}
	out := []string{CategoryAll}
	for _, id := range r.order {
		c := r.byID[id].Category
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry compiled into the binary. It panics if the
// embedded data is invalid, which the package tests rule out.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Parse(defaultYAML)
		if err != nil {
			panic(err)
		}
		defaultReg = r
	})
	return defaultReg
}
