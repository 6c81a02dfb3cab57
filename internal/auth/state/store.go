// Package state keeps the one-time CSRF tokens that bind an OAuth authorize
// request to its callback.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenBytes is the entropy of a state token before hex encoding.
const TokenBytes = 32

// Entry is one pending authorization.
type Entry struct {
	Token      string
	ProviderID string
	UserID     string
	ExpiresAt  time.Time
}

// Expired reports whether the entry is no longer usable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the CSRF state repository. Consume must be atomic: of several
// concurrent callers presenting the same token, exactly one gets ok=true.
type Store interface {
	Set(ctx context.Context, e Entry) error
	Consume(ctx context.Context, token string) (Entry, bool, error)
}

// NewToken returns a fresh hex encoded random token.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry

	startOnce sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

var (
	defaultOnce  sync.Once
	defaultStore *MemoryStore
)

// Default returns the process-wide memory store. Every caller in the process
// shares the same instance.
func Default() *MemoryStore {
	defaultOnce.Do(func() {
		defaultStore = NewMemoryStore()
	})
	return defaultStore
}

func (s *MemoryStore) Set(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries[e.Token] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	return e, ok, nil
}

// Sweep drops every entry expired at now and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, token)
			n++
		}
	}
	return n
}

// Len returns the number of pending entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start runs Sweep every interval until ctx is done. Only the first call on
// a store starts the loop; later calls are no-ops.
func (s *MemoryStore) Start(ctx context.Context, interval time.Duration) {
	s.startOnce.Do(func() {
		go sweepLoop(ctx, interval, func(now time.Time) (int, error) {
			return s.Sweep(now), nil
		})
	})
}

func sweepLoop(ctx context.Context, interval time.Duration, sweep func(time.Time) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Debug().Dur("interval", interval).Msg("oauth state sweep started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sweep(now)
			if err != nil {
				log.Warn().Err(err).Msg("oauth state sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("removed", n).Msg("swept expired oauth states")
			}
		}
	}
}
