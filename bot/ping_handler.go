package bot

import (
	"context"
	"fmt"
	"log"
	"time"
)

// PingHandler implements CommandHandler for the /ping command
type PingHandler struct {
	client   *TelegramBot
	pipeline Pipeline
	logger   *log.Logger
}

// NewPingHandler creates a new PingHandler instance. The pipeline is
// optional; without it the pong omits the queue line.
func NewPingHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *PingHandler {
	return &PingHandler{
		client:   client,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Command returns the command string this handler processes
func (h *PingHandler) Command() string {
	return "ping"
}

// Handle processes the /ping command and sends a pong response with timestamp and latency
func (h *PingHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /ping command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with short timeout for immediate response
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// Calculate latency from command timestamp to processing start
	commandLatency := startTime.Sub(cmdCtx.Timestamp)

	// Create pong message with timestamp and latency information
	pongMessage := h.createPongMessage(startTime, commandLatency)

	// Send the pong response immediately
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, pongMessage); err != nil {
		h.logger.Printf("Failed to send pong message to chat %d: %v", cmdCtx.ChatID, err)
		return fmt.Errorf("failed to send pong message: %w", err)
	}

	// Log successful processing with total response time
	totalResponseTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /ping command for user %d (response time: %v, command latency: %v)",
		cmdCtx.UserID, totalResponseTime, commandLatency)

	return nil
}

// createPongMessage creates a pong response with timestamp and latency information
func (h *PingHandler) createPongMessage(responseTime time.Time, commandLatency time.Duration) string {
	message := fmt.Sprintf("🏓 Pong!\n\n"+
		"📅 Timestamp: %s\n"+
		"⚡ Command Latency: %v\n",
		responseTime.Format("2006-01-02 15:04:05 MST"),
		commandLatency.Round(time.Millisecond))

	if h.pipeline != nil {
		snapshot := h.pipeline.Queue()
		message += fmt.Sprintf("📊 Queue: %d running, %d waiting (%d/%d requests)\n",
			snapshot.Running, snapshot.ContinuationDepth+snapshot.FreshDepth,
			snapshot.ActiveRequests, snapshot.Capacity)
	}

	message += "✅ Status: Bot is responsive and operational"

	return message
}

// sendMessage sends a text message to the specified chat
func (h *PingHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}
