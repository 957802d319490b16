package wasocket

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"wabot/internal/wa"
)

const (
	defaultKeepAliveInterval = 30 * time.Second

	// pairingAlphabet excludes characters the official clients consider
	// ambiguous (0, O, 1, I).
	pairingAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	pairingCodeLen  = 8
)

type dialerOptions struct {
	url               string
	logger            *log.Logger
	keepAliveInterval time.Duration
}

// Option configures the dialer.
type Option func(*dialerOptions)

// WithGatewayURL overrides the gateway endpoint.
func WithGatewayURL(url string) Option {
	return func(o *dialerOptions) { o.url = url }
}

// WithLogger sets the logger for verbose output. If not set, logging is
// disabled.
func WithLogger(l *log.Logger) Option {
	return func(o *dialerOptions) { o.logger = l }
}

// WithKeepAliveInterval sets the interval between keep-alive pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *dialerOptions) { o.keepAliveInterval = d }
}

// NewDialer returns a Dialer producing gateway sockets.
func NewDialer(opts ...Option) wa.Dialer {
	o := dialerOptions{
		url:               DefaultGatewayURL,
		keepAliveInterval: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return func(cfg wa.SocketConfig) (wa.Socket, error) {
		return &Socket{
			cfg:    cfg,
			opts:   o,
			events: make(chan wa.Event, 16),
		}, nil
	}
}

// Socket is one gateway connection. Single-use: Connect may be called once.
type Socket struct {
	cfg    wa.SocketConfig
	opts   dialerOptions
	events chan wa.Event

	fc     *frameConn
	tr     *transport
	closed atomic.Bool
	cancel context.CancelFunc

	// writeMu serializes encrypted writes: the transport cipher's nonce
	// counter must match the frame order on the wire.
	writeMu sync.Mutex
}

var _ wa.Socket = (*Socket)(nil)

// emit delivers an event in order. When the buffer is full the read loop
// blocks until the consumer catches up or the socket winds down; events are
// never dropped.
func (s *Socket) emit(ctx context.Context, ev wa.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Socket) logf(format string, args ...any) {
	if s.opts.logger != nil {
		s.opts.logger.Printf(format, args...)
	}
}

// Events returns the socket's event stream. Closed when the socket is done.
func (s *Socket) Events() <-chan wa.Event {
	return s.events
}

// Connect dials the gateway and runs the noise handshake. On success the
// read and keep-alive loops start and events begin to flow; on failure the
// caller owns retry policy.
func (s *Socket) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("wasocket: socket already closed")
	}
	s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateConnecting}})

	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	fc, err := dialFrame(dialCtx, s.opts.url)
	if err != nil {
		return err
	}
	tr, err := s.handshake(dialCtx, fc)
	if err != nil {
		fc.closeNow()
		return err
	}
	s.fc = fc
	s.tr = tr

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(loopCtx)
	go s.keepAliveLoop(loopCtx)
	return nil
}

// handshake runs the noise XX exchange and sends the client payload.
func (s *Socket) handshake(ctx context.Context, fc *frameConn) (*transport, error) {
	creds := s.cfg.Auth.Creds

	ephemeral, err := wa.NewKeyPair()
	if err != nil {
		return nil, err
	}
	hs, err := newHandshake(frameHeader)
	if err != nil {
		return nil, err
	}

	hs.mixHash(ephemeral.Pub)
	if err := fc.writeFrame(ctx, marshalClientHello(ephemeral.Pub)); err != nil {
		return nil, err
	}

	resp, err := fc.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	sh, err := parseServerHello(resp)
	if err != nil {
		return nil, err
	}
	hs.mixHash(sh.ephemeral)
	if err := hs.mixECDH(ephemeral.Priv, sh.ephemeral); err != nil {
		return nil, err
	}
	serverStatic, err := hs.decrypt(sh.static)
	if err != nil {
		return nil, err
	}
	if err := hs.mixECDH(ephemeral.Priv, serverStatic); err != nil {
		return nil, err
	}
	// The payload carries the server certificate chain.
	// TODO: verify the chain against the pinned gateway root.
	if _, err := hs.decrypt(sh.payload); err != nil {
		return nil, err
	}

	encStatic := hs.encrypt(creds.NoiseKey.Pub)
	if err := hs.mixECDH(creds.NoiseKey.Priv, sh.ephemeral); err != nil {
		return nil, err
	}
	encPayload := hs.encrypt(marshalClientPayload(creds, s.cfg.Version))
	if err := fc.writeFrame(ctx, marshalClientFinish(encStatic, encPayload)); err != nil {
		return nil, err
	}
	return hs.finish(true)
}

// readLoop decrypts incoming frames and maps envelopes onto the event
// stream. Key updates are applied to the key store directly; everything
// else surfaces as events.
func (s *Socket) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		frame, err := s.fc.readFrame(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			s.logf("read failed: %v", err)
			s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateClosed, Code: wa.CodeConnectionLost}})
			return
		}
		plain, err := s.tr.decrypt(frame)
		if err != nil {
			s.logf("frame decrypt failed: %v", err)
			s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateClosed, Code: wa.CodeBadSession}})
			return
		}
		env, err := parseEnvelope(plain)
		if err != nil {
			s.logf("bad envelope: %v", err)
			continue
		}
		if done := s.handleEnvelope(ctx, env); done {
			return
		}
	}
}

// handleEnvelope dispatches one decrypted envelope. Returns true when the
// stream is over.
func (s *Socket) handleEnvelope(ctx context.Context, env *envelope) bool {
	switch env.op {
	case opLoginOK:
		s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateOpen}})

	case opPairRef:
		s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateConnecting, QRHint: string(env.payload)}})

	case opCredsUpdate:
		jid, platform, err := parseCredsUpdate(env.payload)
		if err != nil {
			s.logf("creds update: %v", err)
			return false
		}
		creds := s.cfg.Auth.Creds
		if jid != "" {
			creds.JID = jid
		}
		if platform != "" {
			creds.Platform = platform
		}
		creds.Registered = true
		s.emit(ctx, wa.Event{CredsChanged: true})

	case opKeyUpdate:
		entries, err := parseKeyUpdate(env.payload)
		if err != nil {
			s.logf("key update: %v", err)
			return false
		}
		s.cfg.Auth.Keys.Set(entries)

	case opMessage:
		msg, err := parseMessage(env.payload)
		if err != nil {
			s.logf("message: %v", err)
			return false
		}
		s.emit(ctx, wa.Event{Message: msg})

	case opStreamEnd:
		code := parseStreamEnd(env.payload)
		s.emit(ctx, wa.Event{Conn: &wa.ConnUpdate{State: wa.StateClosed, Code: code}})
		return true

	case opPing:
		// Server-initiated ping; nothing to do at this layer.

	default:
		s.logf("unhandled envelope op=%d (%d bytes)", env.op, len(env.payload))
	}
	return false
}

func (s *Socket) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeEnvelope(ctx, opPing, nil); err != nil {
				// Broken pipe surfaces through the read loop.
				s.logf("keep-alive failed: %v", err)
				return
			}
		}
	}
}

// writeEnvelope encrypts and sends one envelope.
func (s *Socket) writeEnvelope(ctx context.Context, op uint64, payload []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("wasocket: socket closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.fc.writeFrame(ctx, s.tr.encrypt(marshalEnvelope(op, payload)))
}

// RequestPairingCode generates a pairing code, registers a pairing attempt
// for the phone number with the gateway, and returns the code for display.
// The companion side of code pairing commits to the code's hash; the user
// enters the code on their primary device to release the credentials.
func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := generatePairingCode()
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(code))
	req := marshalPairRequest(phone, s.cfg.Auth.Creds.PairingEphemeral.Pub, hash[:])
	if err := s.writeEnvelope(ctx, opPairRequest, req); err != nil {
		return "", fmt.Errorf("wasocket: register pairing: %w", err)
	}
	return code[:4] + "-" + code[4:], nil
}

// SendMessage sends a text message to the given JID.
func (s *Socket) SendMessage(ctx context.Context, to, text string) error {
	jid := s.cfg.Auth.Creds.JID
	if err := s.writeEnvelope(ctx, opMessage, marshalMessage(to, jid, text)); err != nil {
		return fmt.Errorf("wasocket: send to %s: %w", to, err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (s *Socket) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.fc != nil {
		s.fc.close()
	}
}

func generatePairingCode() (string, error) {
	raw := make([]byte, pairingCodeLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("wasocket: generate pairing code: %w", err)
	}
	code := make([]byte, pairingCodeLen)
	for i, b := range raw {
		code[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(code), nil
}
