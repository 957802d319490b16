// Package bot holds the message-handling glue: a single fixed-text command
// answered with a fixed reply.
package bot

import (
	"context"
	"log"
	"strings"

	"wabot/internal/wa"
)

// Defaults for the one command the bot answers.
const (
	DefaultCommand = "!ping"
	DefaultReply   = "pong"
)

// Responder answers one exact command. Anything else is ignored.
type Responder struct {
	Command string
	Reply   string
	Logger  *log.Logger
}

// Handle inspects one incoming message and replies to the chat it arrived
// in if it matches. Send failures are logged, not surfaced: the message
// loop must not stall on one reply.
func (r *Responder) Handle(ctx context.Context, msg wa.Message, sock wa.Socket) {
	if strings.TrimSpace(msg.Text) != r.Command {
		return
	}
	if err := sock.SendMessage(ctx, msg.Chat, r.Reply); err != nil && r.Logger != nil {
		r.Logger.Printf("reply to %s failed: %v", msg.Chat, err)
	}
}
