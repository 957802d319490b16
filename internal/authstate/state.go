// Package authstate adapts the protocol client's key-store contract onto
// the remote credential store: an in-memory mirror for synchronous reads,
// debounced blob writes for key churn, immediate writes for credentials.
package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"wabot/internal/secrets"
	"wabot/internal/wa"
)

// State owns the session blob for the lifetime of one process. Get and Set
// run on the socket's read goroutine while PersistCredentials runs on the
// lifecycle goroutine, so the mirror and blob encoding are guarded by a
// mutex.
type State struct {
	Creds *wa.Credentials

	store  *secrets.Store
	name   string
	logger *log.Logger

	mu   sync.Mutex
	keys map[string][]byte // "category:id" -> opaque key record
}

var _ wa.KeyStore = (*State)(nil)

// blob is the serialized form of the full session state. The format is
// private to this package and the credential store never interprets it.
type blob struct {
	Creds *wa.Credentials   `json:"creds"`
	Keys  map[string][]byte `json:"keys"`
}

// Load fetches the named secret and deserializes it, or initializes blank
// state when no session exists yet. Whether Creds.Registered is set tells
// the lifecycle manager if pairing is needed.
func Load(ctx context.Context, store *secrets.Store, name string, logger *log.Logger) (*State, error) {
	s := &State{store: store, name: name, logger: logger, keys: map[string][]byte{}}

	data, err := store.Load(ctx, name)
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		creds, err := wa.NewCredentials()
		if err != nil {
			return nil, fmt.Errorf("authstate: init credentials: %w", err)
		}
		s.Creds = creds
		s.logf("no stored session, starting blank")
		return s, nil
	case err != nil:
		return nil, err
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("authstate: decode session blob: %w", err)
	}
	if b.Creds == nil {
		return nil, fmt.Errorf("authstate: session blob %s has no credentials", name)
	}
	s.Creds = b.Creds
	if b.Keys != nil {
		s.keys = b.Keys
	}
	s.logf("loaded session jid=%s registered=%v keys=%d", s.Creds.JID, s.Creds.Registered, len(s.keys))
	return s, nil
}

func (s *State) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func mirrorKey(category, id string) string {
	return category + ":" + id
}

// Get returns the requested key records. Ids with no stored record are
// absent from the result.
func (s *State) Get(category string, ids []string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := s.keys[mirrorKey(category, id)]; ok {
			out[id] = v
		}
	}
	return out
}

// Set applies key mutations to the mirror (nil value deletes) and schedules
// a debounced save of the full blob. Mutations are visible to Get before
// Set returns.
func (s *State) Set(entries []wa.KeyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		k := mirrorKey(e.Category, e.ID)
		if e.Value == nil {
			delete(s.keys, k)
		} else {
			s.keys[k] = e.Value
		}
	}
	data, err := s.encode()
	if err != nil {
		s.logf("encode session blob: %v", err)
		return
	}
	s.store.SaveDebounced(s.name, data)
}

// PersistCredentials writes the blob immediately, bypassing the debounce.
// Credential updates are rare and consistency-critical; losing one to a
// crash inside the debounce window would orphan the registration.
func (s *State) PersistCredentials(ctx context.Context) error {
	s.mu.Lock()
	data, err := s.encode()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.store.Save(ctx, s.name, data)
}

// Auth returns the bundle handed to socket construction.
func (s *State) Auth() wa.AuthState {
	return wa.AuthState{Creds: s.Creds, Keys: s}
}

// encode serializes the blob. Callers must hold mu.
func (s *State) encode() ([]byte, error) {
	data, err := json.Marshal(blob{Creds: s.Creds, Keys: s.keys})
	if err != nil {
		return nil, fmt.Errorf("authstate: encode session blob: %w", err)
	}
	return data, nil
}
