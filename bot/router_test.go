package bot

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/gotd/td/tg"
)

// MockCommandHandler is a test implementation of CommandHandler
type MockCommandHandler struct {
	command     string
	handleCalls int
	lastContext *CommandContext
}

func (m *MockCommandHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	m.handleCalls++
	m.lastContext = cmdCtx
	return nil
}

func (m *MockCommandHandler) Command() string {
	return m.command
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	handler := &MockCommandHandler{command: "test"}
	router.RegisterHandler(handler)

	if !router.HasHandler("test") {
		t.Error("Expected handler to be registered for 'test' command")
	}

	commands := router.GetRegisteredCommands()
	if len(commands) != 1 || commands[0] != "test" {
		t.Errorf("Expected registered commands to contain 'test', got: %v", commands)
	}
}

func TestCommandRouter_ExtractCommandContext(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	// Create a mock update with a command message
	message := &tg.Message{
		Message: "/start hello world",
		PeerID:  &tg.PeerUser{UserID: 12345},
		FromID:  &tg.PeerUser{UserID: 12345},
	}

	update := &tg.UpdateNewMessage{
		Message: message,
	}

	cmdCtx, err := router.extractCommandContext(update)
	if err != nil {
		t.Fatalf("Failed to extract command context: %v", err)
	}

	if cmdCtx.Command != "start" {
		t.Errorf("Expected command 'start', got: %s", cmdCtx.Command)
	}

	if cmdCtx.Args != "hello world" {
		t.Errorf("Expected args 'hello world', got: %s", cmdCtx.Args)
	}

	if cmdCtx.UserID != 12345 {
		t.Errorf("Expected UserID 12345, got: %d", cmdCtx.UserID)
	}

	if cmdCtx.ChatID != 12345 {
		t.Errorf("Expected ChatID 12345, got: %d", cmdCtx.ChatID)
	}
}

func TestCommandRouter_RouteCommand(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	handler := &MockCommandHandler{command: "ping"}
	router.RegisterHandler(handler)

	// Create a mock update with a ping command
	message := &tg.Message{
		Message: "/ping",
		PeerID:  &tg.PeerUser{UserID: 12345},
		FromID:  &tg.PeerUser{UserID: 12345},
	}

	update := &tg.UpdateNewMessage{
		Message: message,
	}

	ctx := context.Background()
	err := router.RouteCommand(ctx, update)
	if err != nil {
		t.Fatalf("Failed to route command: %v", err)
	}

	if handler.handleCalls != 1 {
		t.Errorf("Expected handler to be called once, got: %d", handler.handleCalls)
	}

	if handler.lastContext.Command != "ping" {
		t.Errorf("Expected command 'ping', got: %s", handler.lastContext.Command)
	}
}

func TestCommandRouter_NonCommand(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	handler := &MockCommandHandler{command: "test"}
	router.RegisterHandler(handler)

	// Create a mock update with a regular message (not a command)
	message := &tg.Message{
		Message: "hello world",
		PeerID:  &tg.PeerUser{UserID: 12345},
		FromID:  &tg.PeerUser{UserID: 12345},
	}

	update := &tg.UpdateNewMessage{
		Message: message,
	}

	ctx := context.Background()
	err := router.RouteCommand(ctx, update)
	if err != nil {
		t.Fatalf("Failed to route non-command: %v", err)
	}

	// Handler should not be called for non-commands
	if handler.handleCalls != 0 {
		t.Errorf("Expected handler not to be called for non-command, got: %d calls", handler.handleCalls)
	}
}

func TestCommandRouter_AddressedCommand(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	handler := &MockCommandHandler{command: "ping"}
	router.RegisterHandler(handler)

	// Group chats address the bot as /ping@botname
	message := &tg.Message{
		Message: "/Ping@MediaFetchBot",
		PeerID:  &tg.PeerUser{UserID: 12345},
		FromID:  &tg.PeerUser{UserID: 12345},
	}

	update := &tg.UpdateNewMessage{
		Message: message,
	}

	ctx := context.Background()
	if err := router.RouteCommand(ctx, update); err != nil {
		t.Fatalf("Failed to route addressed command: %v", err)
	}

	if handler.handleCalls != 1 {
		t.Errorf("Expected handler to be called once, got: %d", handler.handleCalls)
	}
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"download", "download"},
		{"DOWNLOAD", "download"},
		{"ping@MediaFetchBot", "ping"},
		{"Status@MediaFetchBot", "status"},
		{"queue@", "queue"},
	}

	for _, tt := range tests {
		if got := normalizeCommand(tt.input); got != tt.expected {
			t.Errorf("normalizeCommand(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
func TestCommandRouter_ExtractGroupChatContext(t *testing.T) {
	logger := log.New(os.Stdout, "TEST: ", log.LstdFlags)
	router := NewCommandRouter(logger)

	// Group messages arrive with a PeerChat and must produce a negated chat ID
	message := &tg.Message{
		Message: "/queue",
		PeerID:  &tg.PeerChat{ChatID: 55555},
		FromID:  &tg.PeerUser{UserID: 12345},
	}

	update := &tg.UpdateNewMessage{
		Message: message,
	}

	cmdCtx, err := router.extractCommandContext(update)
	if err != nil {
		t.Fatalf("extractCommandContext failed: %v", err)
	}

	if cmdCtx.ChatID != -55555 {
		t.Errorf("Expected chat ID -55555 for group chat, got %d", cmdCtx.ChatID)
	}

	if cmdCtx.UserID != 12345 {
		t.Errorf("Expected user ID 12345, got %d", cmdCtx.UserID)
	}
}

func TestCommandContext_TrimmedArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		expected string
	}{
		{"plain args", "https://example.com/v audio", "https://example.com/v audio"},
		{"padded args", "  a1b2c3d4  ", "a1b2c3d4"},
		{"whitespace only", "   ", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdCtx := &CommandContext{Args: tt.args}
			if got := cmdCtx.TrimmedArgs(); got != tt.expected {
				t.Errorf("TrimmedArgs() = %q, want %q", got, tt.expected)
			}
		})
	}
}
