package secrets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// DefaultDebounce is the quiescence window for SaveDebounced.
	DefaultDebounce = 3 * time.Second

	// createRetries is how many times Save re-attempts the version write
	// after creating a missing secret. Kept at exactly one, matching the
	// service's behavior of making a new secret writable immediately.
	createRetries = 1
)

// Store is a durable get/set layer for one opaque blob per secret name,
// with write-burst coalescing. Safe for concurrent use.
type Store struct {
	api      API
	debounce time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending *pendingSave
}

type pendingSave struct {
	name string
	blob []byte
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) { s.debounce = d }
}

// WithLogger sets the logger for verbose output. If not set, logging is
// disabled.
func WithLogger(l *log.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore wraps a secret service client.
func NewStore(api API, opts ...StoreOption) *Store {
	s := &Store{api: api, debounce: DefaultDebounce}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Load fetches the latest version of the named secret. Returns ErrNotFound
// when no session has ever been saved; any other failure propagates so the
// caller can decide whether to abort startup.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	blob, err := s.api.AccessLatestVersion(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secrets: load %s: %w", name, err)
	}
	s.logf("loaded secret %s (%d bytes)", name, len(blob))
	return blob, nil
}

// Save appends the blob as a new version. If the secret does not exist yet
// it is created and the write is retried createRetries times; a failure
// after that propagates. A pending debounced save of the same name is
// discarded: it holds an older blob and must never land after this one.
func (s *Store) Save(ctx context.Context, name string, blob []byte) error {
	s.discardPending(name)
	version, err := s.api.AddVersion(ctx, name, blob)
	for retry := 0; errors.Is(err, ErrNotFound) && retry < createRetries; retry++ {
		if cerr := s.api.CreateSecret(ctx, name); cerr != nil {
			return fmt.Errorf("secrets: save %s: %w", name, cerr)
		}
		s.logf("created secret %s", name)
		version, err = s.api.AddVersion(ctx, name, blob)
	}
	if err != nil {
		return fmt.Errorf("secrets: save %s: %w", name, err)
	}
	s.logf("saved secret %s as %s (%d bytes)", name, version, len(blob))
	return nil
}

// SaveDebounced schedules a Save after the debounce window. A newer call
// within the window supersedes the pending one, so only the most recent
// blob in a burst is written. Failures are logged, never returned: no
// caller is positioned to act on them.
func (s *Store) SaveDebounced(name string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = &pendingSave{name: name, blob: blob}
	s.timer = time.AfterFunc(s.debounce, s.flushPending)
}

// Flush writes any pending debounced save immediately. Called at shutdown
// so at most one debounce window of key material can be lost to a crash,
// not to a clean exit.
func (s *Store) Flush() {
	s.flushPending()
}

// discardPending drops the pending debounced save for name, if any.
func (s *Store) discardPending(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.name != name {
		return
	}
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flushPending takes the pending save, if any, and runs it. A fired timer
// whose save was already superseded or flushed finds pending nil and
// returns.
func (s *Store) flushPending() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if p == nil {
		return
	}
	if err := s.Save(context.Background(), p.name, p.blob); err != nil {
		s.logf("debounced save failed: %v", err)
	}
}
