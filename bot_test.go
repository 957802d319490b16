package wabot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wabot/internal/secrets"
	"wabot/internal/wa"
)

type fakeSecretAPI struct {
	mu       sync.Mutex
	versions map[string][][]byte
}

func newFakeSecretAPI() *fakeSecretAPI {
	return &fakeSecretAPI{versions: map[string][][]byte{}}
}

func (f *fakeSecretAPI) AccessLatestVersion(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.versions[name]
	if !ok || len(vs) == 0 {
		return nil, secrets.ErrNotFound
	}
	return vs[len(vs)-1], nil
}

func (f *fakeSecretAPI) AddVersion(_ context.Context, name string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[name] = append(f.versions[name], payload)
	return name, nil
}

func (f *fakeSecretAPI) CreateSecret(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[name]; !ok {
		f.versions[name] = nil
	}
	return nil
}

type scriptedSocket struct {
	events chan wa.Event
}

func (s *scriptedSocket) Connect(context.Context) error { return nil }
func (s *scriptedSocket) Events() <-chan wa.Event       { return s.events }
func (s *scriptedSocket) Close()                        {}
func (s *scriptedSocket) SendMessage(context.Context, string, string) error {
	return nil
}
func (s *scriptedSocket) RequestPairingCode(context.Context, string) (string, error) {
	return "ABCD-EFGH", nil
}

func TestNewRequiresSecretAPI(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("want error")
	}
}

func TestRunReturnsOnRemoteLogout(t *testing.T) {
	sock := &scriptedSocket{events: make(chan wa.Event, 2)}
	sock.events <- wa.Event{Conn: &wa.ConnUpdate{State: wa.StateOpen}}
	sock.events <- wa.Event{Conn: &wa.ConnUpdate{State: wa.StateClosed, Code: wa.CodeLoggedOut}}

	b, err := New(
		WithSecretAPI(newFakeSecretAPI()),
		WithDialer(func(wa.SocketConfig) (wa.Socket, error) { return sock, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}

	err = b.Run(context.Background())
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run: %v, want ErrLoggedOut", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sock := &scriptedSocket{events: make(chan wa.Event)}
	b, err := New(
		WithSecretAPI(newFakeSecretAPI()),
		WithDialer(func(wa.SocketConfig) (wa.Socket, error) { return sock, nil }),
		WithReconnectDelay(10*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConnStateBeforeRun(t *testing.T) {
	b, err := New(WithSecretAPI(newFakeSecretAPI()))
	if err != nil {
		t.Fatal(err)
	}
	if got := b.ConnState(); got != wa.StateClosed {
		t.Fatalf("ConnState: %v, want %v", got, wa.StateClosed)
	}
}
