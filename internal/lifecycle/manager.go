// Package lifecycle drives one protocol-client socket at a time through its
// connection states: pairing when unauthenticated, reconnecting with a
// fixed delay on recoverable failures, stopping on remote logout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wabot/internal/authstate"
	"wabot/internal/metacache"
	"wabot/internal/wa"
)

const (
	// DefaultReconnectDelay is the fixed backoff between connection
	// attempts. Unbounded retries with a flat delay: the only consumer is
	// one long-lived background process, not a request path.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultConnectTimeout bounds the dial+handshake of one attempt.
	DefaultConnectTimeout = 20 * time.Second

	defaultVersionMajor = 2
	defaultVersionMinor = 3000
	defaultVersionPatch = 1023223821
)

// Config assembles a Manager. Dialer and State are required.
type Config struct {
	Dialer         wa.Dialer
	State          *authstate.State
	Phone          string    // E.164 number without '+', used for pairing
	Version        [3]uint32 // zero value means the default client version
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Logger         *log.Logger

	// OnQR is called with the QR hint during unauthenticated connects.
	OnQR func(qr string)
	// OnPairingCode is called once a pairing code has been issued.
	OnPairingCode func(code string)
	// OnMessage is called for each incoming message while open.
	OnMessage func(ctx context.Context, msg wa.Message, sock wa.Socket)
}

// Manager runs the connection state machine. One Manager owns at most one
// live socket at any time.
type Manager struct {
	cfg       Config
	connState atomic.Int32
}

// New validates and applies defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("lifecycle: dialer is required")
	}
	if cfg.State == nil {
		return nil, errors.New("lifecycle: auth state is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Version == [3]uint32{} {
		cfg.Version = [3]uint32{defaultVersionMajor, defaultVersionMinor, defaultVersionPatch}
	}
	m := &Manager{cfg: cfg}
	m.connState.Store(int32(wa.StateClosed))
	return m, nil
}

// ConnState reports the current connection state, for health reporting.
func (m *Manager) ConnState() wa.ConnState {
	return wa.ConnState(m.connState.Load())
}

func (m *Manager) logf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}

// Run executes the reconnect loop until the context is cancelled or the
// session is terminally logged out. Each attempt builds a brand-new socket
// with a fresh pairing flag; errors from one attempt never retry
// synchronously, the next attempt happens after the fixed delay.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.runSocket(ctx)
		m.connState.Store(int32(wa.StateClosed))
		switch {
		case errors.Is(err, wa.ErrLoggedOut):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		m.logf("connection attempt ended: %v, reconnecting in %s", err, m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

// runSocket is one socket lifetime: construct, connect, consume events
// until the stream closes. The pairing flag lives on the stack so every
// socket starts with it unset.
func (m *Manager) runSocket(ctx context.Context) error {
	sockID := uuid.NewString()[:8]
	m.connState.Store(int32(wa.StateConnecting))

	sock, err := m.cfg.Dialer(wa.SocketConfig{
		Version:        m.cfg.Version,
		Auth:           m.cfg.State.Auth(),
		ConnectTimeout: m.cfg.ConnectTimeout,
		GroupCache:     metacache.New(0, 0),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: build socket %s: %w", sockID, err)
	}
	defer sock.Close()

	m.logf("socket %s connecting", sockID)
	if err := sock.Connect(ctx); err != nil {
		return fmt.Errorf("lifecycle: connect %s: %w", sockID, err)
	}

	pairingRequested := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sock.Events():
			if !ok {
				return fmt.Errorf("lifecycle: socket %s event stream ended", sockID)
			}
			// Credential durability outranks everything else in the
			// same event.
			if ev.CredsChanged {
				if err := m.cfg.State.PersistCredentials(ctx); err != nil {
					m.logf("socket %s: persist credentials: %v", sockID, err)
				}
			}
			if ev.Message != nil && m.cfg.OnMessage != nil {
				m.cfg.OnMessage(ctx, *ev.Message, sock)
			}
			if ev.Conn == nil {
				continue
			}
			done, err := m.handleConnUpdate(ctx, sockID, sock, *ev.Conn, &pairingRequested)
			if done {
				return err
			}
		}
	}
}

// handleConnUpdate applies one (state, event) transition. done is true when
// the socket's life is over.
func (m *Manager) handleConnUpdate(ctx context.Context, sockID string, sock wa.Socket, up wa.ConnUpdate, pairingRequested *bool) (done bool, err error) {
	m.connState.Store(int32(up.State))
	switch up.State {
	case wa.StateConnecting:
		if up.QRHint != "" && m.cfg.OnQR != nil {
			m.cfg.OnQR(up.QRHint)
		}
		m.maybeRequestPairing(ctx, sockID, sock, pairingRequested)
		return false, nil

	case wa.StateOpen:
		m.logf("socket %s open jid=%s", sockID, m.cfg.State.Creds.JID)
		return false, nil

	case wa.StateClosed:
		if up.Code.LoggedOut() {
			m.logf("socket %s closed: %s, terminal, re-pairing required", sockID, up.Code)
			return true, wa.ErrLoggedOut
		}
		return true, fmt.Errorf("lifecycle: socket %s closed: %s", sockID, up.Code)

	default:
		return false, nil
	}
}

// maybeRequestPairing issues at most one pairing-code request per socket
// lifetime. A failed request resets the flag so the next connecting event
// may retry; pairing failure alone never tears down the socket.
func (m *Manager) maybeRequestPairing(ctx context.Context, sockID string, sock wa.Socket, pairingRequested *bool) {
	if m.cfg.State.Creds.Registered || *pairingRequested || m.cfg.Phone == "" {
		return
	}
	*pairingRequested = true
	code, err := sock.RequestPairingCode(ctx, m.cfg.Phone)
	if err != nil {
		*pairingRequested = false
		m.logf("socket %s: pairing code request failed: %v", sockID, err)
		return
	}
	m.logf("socket %s: pairing code issued", sockID)
	if m.cfg.OnPairingCode != nil {
		m.cfg.OnPairingCode(code)
	}
}
