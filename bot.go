// Package wabot provides a high-level single-account WhatsApp bot client.
// It keeps session state in a versioned remote secret, maintains one live
// gateway connection with fixed-delay reconnects, and answers a text
// command in any chat it is a member of.
package wabot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"wabot/internal/authstate"
	"wabot/internal/bot"
	"wabot/internal/lifecycle"
	"wabot/internal/secrets"
	"wabot/internal/wa"
	"wabot/internal/wasocket"
)

// ErrLoggedOut reports that the account was logged out remotely. Run returns
// it instead of reconnecting; the stored session is no longer usable and the
// device must be paired again.
var ErrLoggedOut = wa.ErrLoggedOut

// DefaultSecretName is the secret that holds the serialized session.
const DefaultSecretName = "wa-session"

// Bot is the main entry point. Construct with New, then call Run.
type Bot struct {
	logger         *log.Logger
	secretName     string
	phone          string
	debounce       time.Duration
	reconnectDelay time.Duration
	dialer         wa.Dialer
	secretAPI      secrets.API
	onQR           func(qr string)
	onPairingCode  func(code string)
	command        string
	reply          string

	// manager is set by Run and read by ConnState, possibly from a
	// health-check goroutine.
	manager atomic.Pointer[lifecycle.Manager]
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger for verbose output. If not set, logging is
// disabled.
func WithLogger(l *log.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithSecretName overrides the name of the secret that stores the session.
func WithSecretName(name string) Option {
	return func(b *Bot) { b.secretName = name }
}

// WithPhoneNumber sets the account's phone number in E.164 digits without
// the leading '+'. Required for pairing an unregistered session; ignored
// once the session is registered.
func WithPhoneNumber(phone string) Option {
	return func(b *Bot) { b.phone = phone }
}

// WithDebounce overrides the session-save debounce window.
func WithDebounce(d time.Duration) Option {
	return func(b *Bot) { b.debounce = d }
}

// WithReconnectDelay overrides the fixed delay between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(b *Bot) { b.reconnectDelay = d }
}

// WithDialer overrides how gateway sockets are built. The default dials the
// production gateway.
func WithDialer(d wa.Dialer) Option {
	return func(b *Bot) { b.dialer = d }
}

// WithSecretAPI sets the secret service client. Required.
func WithSecretAPI(api secrets.API) Option {
	return func(b *Bot) { b.secretAPI = api }
}

// WithQRCallback is called with the QR hint string during unauthenticated
// connects, for rendering in a terminal.
func WithQRCallback(fn func(qr string)) Option {
	return func(b *Bot) { b.onQR = fn }
}

// WithPairingCodeCallback is called once a pairing code has been issued.
func WithPairingCodeCallback(fn func(code string)) Option {
	return func(b *Bot) { b.onPairingCode = fn }
}

// WithCommand overrides the trigger text and its reply.
func WithCommand(command, reply string) Option {
	return func(b *Bot) {
		b.command = command
		b.reply = reply
	}
}

// New creates a Bot. A secret API client is required; everything else has a
// default.
func New(opts ...Option) (*Bot, error) {
	b := &Bot{
		secretName:     DefaultSecretName,
		debounce:       secrets.DefaultDebounce,
		reconnectDelay: lifecycle.DefaultReconnectDelay,
		command:        bot.DefaultCommand,
		reply:          bot.DefaultReply,
	}
	for _, o := range opts {
		o(b)
	}
	if b.secretAPI == nil {
		return nil, errors.New("wabot: secret API is required (use WithSecretAPI)")
	}
	if b.dialer == nil {
		b.dialer = wasocket.NewDialer(wasocket.WithLogger(b.logger))
	}
	return b, nil
}

// Run loads the stored session and drives the connection until ctx is
// cancelled or the account is logged out remotely. Pending session writes
// are flushed before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	store := secrets.NewStore(b.secretAPI,
		secrets.WithDebounce(b.debounce),
		secrets.WithLogger(b.logger),
	)
	defer store.Flush()

	state, err := authstate.Load(ctx, store, b.secretName, b.logger)
	if err != nil {
		return fmt.Errorf("wabot: load session: %w", err)
	}

	responder := &bot.Responder{Command: b.command, Reply: b.reply, Logger: b.logger}
	mgr, err := lifecycle.New(lifecycle.Config{
		Dialer:         b.dialer,
		State:          state,
		Phone:          b.phone,
		ReconnectDelay: b.reconnectDelay,
		Logger:         b.logger,
		OnQR:           b.onQR,
		OnPairingCode:  b.onPairingCode,
		OnMessage:      responder.Handle,
	})
	if err != nil {
		return fmt.Errorf("wabot: %w", err)
	}
	b.manager.Store(mgr)

	return mgr.Run(ctx)
}

// ConnState reports the current connection state, for health reporting.
// Before Run has started it reports closed.
func (b *Bot) ConnState() wa.ConnState {
	mgr := b.manager.Load()
	if mgr == nil {
		return wa.StateClosed
	}
	return mgr.ConnState()
}
