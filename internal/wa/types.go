// Package wa defines the contract between the bot core and the WhatsApp
// protocol client: connection states, the event stream, the credential
// record, and the signal-key store interface the client reads and writes
// session material through.
package wa

import (
	"context"
	"errors"
	"time"
)

// ErrLoggedOut is returned when the server has revoked this session.
// It is terminal: reconnecting is pointless until the operator re-pairs.
var ErrLoggedOut = errors.New("wa: logged out by server")

// ConnState is the state of one socket's connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectCode is the server-assigned reason carried on a stream close.
type DisconnectCode int

// Close codes used by the gateway.
const (
	CodeLoggedOut           DisconnectCode = 401
	CodeConnectionLost      DisconnectCode = 408
	CodeMultideviceMismatch DisconnectCode = 411
	CodeConnectionClosed    DisconnectCode = 428
	CodeConnectionReplaced  DisconnectCode = 440
	CodeBadSession          DisconnectCode = 500
	CodeRestartRequired     DisconnectCode = 515
)

// LoggedOut reports whether the code means the session was revoked remotely.
func (c DisconnectCode) LoggedOut() bool {
	return c == CodeLoggedOut
}

func (c DisconnectCode) String() string {
	switch c {
	case CodeLoggedOut:
		return "logged out"
	case CodeConnectionLost:
		return "connection lost"
	case CodeMultideviceMismatch:
		return "multidevice mismatch"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeConnectionReplaced:
		return "connection replaced"
	case CodeBadSession:
		return "bad session"
	case CodeRestartRequired:
		return "restart required"
	default:
		return "unknown"
	}
}

// ConnUpdate describes a connection state change.
type ConnUpdate struct {
	State  ConnState
	QRHint string         // pairing QR payload, only during unauthenticated connects
	Code   DisconnectCode // only meaningful when State is StateClosed
}

// Message is an incoming chat message.
type Message struct {
	Chat   string // chat JID the message arrived in
	Sender string // sender JID
	Text   string
}

// Event is one entry in a socket's ordered event stream. Exactly one of the
// optional fields is set per event, except CredsChanged which may accompany
// a connection update.
type Event struct {
	Conn         *ConnUpdate
	CredsChanged bool
	Message      *Message
}

// KeyEntry is one signal-key mutation. A nil Value deletes the entry.
type KeyEntry struct {
	Category string
	ID       string
	Value    []byte
}

// KeyStore is the signal-key storage contract the protocol client reads and
// writes through. Get returns only entries that exist; missing ids are
// absent from the result. Both methods are synchronous and must only be
// called from the socket's event goroutine.
type KeyStore interface {
	Get(category string, ids []string) map[string][]byte
	Set(entries []KeyEntry)
}

// AuthState bundles the credential record with the key store backing it.
type AuthState struct {
	Creds *Credentials
	Keys  KeyStore
}

// MetadataCache caches slow-changing metadata (group subjects, participant
// lists) so the socket does not refetch it on every send.
type MetadataCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte)
}

// SocketConfig carries everything needed to construct a socket.
type SocketConfig struct {
	Version        [3]uint32 // advertised client version
	Auth           AuthState
	ConnectTimeout time.Duration
	GroupCache     MetadataCache
}

// Socket is one protocol-client connection. A Socket is single-use: after
// it closes, a new one must be constructed for the next attempt.
type Socket interface {
	// Connect dials and authenticates. Events start flowing on success.
	Connect(ctx context.Context) error
	// Events returns the socket's ordered event stream. The channel is
	// closed when the socket is done.
	Events() <-chan Event
	// RequestPairingCode registers a phone-number pairing attempt and
	// returns the code the user must enter on their primary device.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// SendMessage sends a text message to the given JID.
	SendMessage(ctx context.Context, to, text string) error
	// Close tears the connection down. Safe to call more than once.
	Close()
}

// Dialer constructs a socket from a config. Injected into the lifecycle
// manager so tests can substitute a scripted event source.
type Dialer func(cfg SocketConfig) (Socket, error)
