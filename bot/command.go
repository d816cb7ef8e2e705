package bot

import (
	"context"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// CommandHandler defines the interface every registered command implements
type CommandHandler interface {
	// Handle processes a command with the given context
	Handle(ctx context.Context, cmdCtx *CommandContext) error
	// Command returns the command string this handler processes (e.g., "download", "status")
	Command() string
}

// CommandContext carries the routed command and its sender, built by the
// router from an incoming message update
type CommandContext struct {
	// Update contains the original Telegram update
	Update *tg.UpdateNewMessage
	// UserID is the ID of the user who sent the command
	UserID int64
	// ChatID identifies where the command was sent. Private chats carry
	// the positive user ID, basic groups the negated chat ID.
	ChatID int64
	// MessageID is the ID of the message containing the command
	MessageID int
	// Username is the username of the user (may be empty)
	Username string
	// FirstName is the first name of the user
	FirstName string
	// LastName is the last name of the user (may be empty)
	LastName string
	// Command is the normalized command without the leading slash,
	// lowercased and with any @botname mention stripped
	Command string
	// Args contains the raw argument text after the command
	Args string
	// ReplyToMessageID is the ID of the message being replied to (0 if not a reply)
	ReplyToMessageID int32
	// Timestamp is when the command was received
	Timestamp time.Time
}

// TrimmedArgs returns the argument text without surrounding whitespace.
// Handlers treat an empty result as a missing argument.
func (c *CommandContext) TrimmedArgs() string {
	return strings.TrimSpace(c.Args)
}
