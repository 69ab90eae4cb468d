// Package auth holds the bearer token the connection manager borrows.
//
// Tokens are issued and refreshed elsewhere. This package only stores the
// current value, tells interested parties when it changes, and can follow a
// token file written by an external issuer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Store is a concurrency-safe holder for the current bearer token.
// The zero value is an empty store with no token.
type Store struct {
	mu        sync.RWMutex
	token     string
	nextID    int
	listeners map[int]func(prev, next string)
}

// NewStore creates a store seeded with token ("" means no token).
func NewStore(token string) *Store {
	return &Store{token: token}
}

// Token returns the current token, or "" when none is available.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token. Listeners are called outside the lock, and only
// when the value actually changes.
func (s *Store) Set(token string) {
	s.mu.Lock()
	prev := s.token
	if prev == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	listeners := make([]func(prev, next string), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, token)
	}
}

// Clear removes the token.
func (s *Store) Clear() {
	s.Set("")
}

// OnChange registers fn, called with the previous and next token after every
// change, and returns a function that unregisters it.
func (s *Store) OnChange(fn func(prev, next string)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[int]func(prev, next string))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// LoadTokenFile reads a token from path. Surrounding whitespace is trimmed;
// an empty file yields "" (no token).
func LoadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WatchFile polls path every interval and mirrors its contents into store
// until ctx is done. A missing file clears the token; other read errors are
// logged and leave the current token in place.
func WatchFile(ctx context.Context, store *Store, path string, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	refresh := func() {
		token, err := LoadTokenFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				store.Clear()
				return
			}
			logger.Warn("failed to read token file", "path", path, "error", err)
			return
		}
		store.Set(token)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
