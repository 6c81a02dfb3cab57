// Package credentials resolves which OAuth client (id and secret) to use for
// a provider, preferring a user's own app over the process-wide default.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/orca-platform/orca-server/internal/db"
	"github.com/orca-platform/orca-server/internal/db/models"
	"github.com/orca-platform/orca-server/internal/providers/registry"
)

// Source tells where a resolved client came from.
type Source string

const (
	SourceUser Source = "user"
	SourceEnv  Source = "env"
	SourceNone Source = "none"
)

// Client is a resolved OAuth client. An empty ID means the provider is not
// configured for this user.
type Client struct {
	ID     string
	Secret string
	Source Source
}

// Configured reports whether a client id was found.
func (c Client) Configured() bool {
	return c.ID != ""
}

// Store is the subset of the record store the resolver needs.
type Store interface {
	GetCredential(ctx context.Context, userID, key string) (*models.ProviderCredential, error)
	UpsertCredential(ctx context.Context, userID, key, clientID, clientSecret string) error
}

type Resolver struct {
	registry *registry.Registry
	store    Store

	// LookupEnv reads fallback secrets. Defaults to os.Getenv.
	LookupEnv func(string) string
}

func NewResolver(reg *registry.Registry, store Store) *Resolver {
	return &Resolver{registry: reg, store: store, LookupEnv: os.Getenv}
}

// Resolve returns the OAuth client for (userID, providerID). A stored row is
// used only when both its id and secret are set; otherwise the
// {FAMILY}_CLIENT_ID and {FAMILY}_CLIENT_SECRET environment variables apply.
func (r *Resolver) Resolve(ctx context.Context, userID, providerID string) (Client, error) {
	family := r.registry.CredentialFamily(providerID)

	cred, err := r.store.GetCredential(ctx, userID, family)
	switch {
	case err == nil && cred.Complete():
		return Client{ID: cred.ClientID, Secret: cred.ClientSecret, Source: SourceUser}, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return Client{}, fmt.Errorf("load credential %s: %w", family, err)
	}

	prefix := EnvPrefix(family)
	c := Client{
		ID:     r.LookupEnv(prefix + "_CLIENT_ID"),
		Secret: r.LookupEnv(prefix + "_CLIENT_SECRET"),
		Source: SourceEnv,
	}
	if c.ID == "" {
		c.Source = SourceNone
	}
	return c, nil
}

// Exists reports whether the user stored credentials under key.
func (r *Resolver) Exists(ctx context.Context, userID, key string) (bool, error) {
	_, err := r.store.GetCredential(ctx, userID, key)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save upserts the user's client credentials for key.
func (r *Resolver) Save(ctx context.Context, userID, key, clientID, clientSecret string) error {
	return r.store.UpsertCredential(ctx, userID, key, clientID, clientSecret)
}

// EnvPrefix maps a credential family to its environment variable prefix.
func EnvPrefix(family string) string {
	return strings.ToUpper(family)
}
