package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go-media-bot/downloader"
)

// maxQueueLines caps how many queued items a /queue reply lists
const maxQueueLines = 10

// QueueHandler implements CommandHandler for the /queue command
type QueueHandler struct {
	client       *TelegramBot
	pipeline     Pipeline
	logger       *log.Logger
	errorHandler *ErrorHandler
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *QueueHandler {
	handler := &QueueHandler{
		client:   client,
		pipeline: pipeline,
		logger:   logger,
	}

	// Set error handler if client is available
	if client != nil {
		handler.errorHandler = client.GetErrorHandler()
	}

	return handler
}

// Command returns the command string this handler processes
func (h *QueueHandler) Command() string {
	return "queue"
}

// Handle processes the /queue command and shows current queue status
func (h *QueueHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /queue command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with timeout
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if h.pipeline == nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "The download pipeline is not available right now.")
	}

	snapshot := h.pipeline.Queue()

	// Generate queue status message
	message := h.createQueueStatusMessage(snapshot)

	// Send the queue status message
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, message); err != nil {
		h.logger.Printf("Failed to send queue status message: %v", err)

		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, false)
		}

		return fmt.Errorf("failed to send queue status: %w", err)
	}

	// Log successful processing with timing
	processingTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /queue command for user %d (took %v)",
		cmdCtx.UserID, processingTime)

	return nil
}

// createQueueStatusMessage creates a formatted queue status message
func (h *QueueHandler) createQueueStatusMessage(snapshot downloader.QueueSnapshot) string {
	var builder strings.Builder

	builder.WriteString("📊 Download Queue\n\n")
	builder.WriteString(fmt.Sprintf("Capacity: %d/%d requests\n", snapshot.ActiveRequests, snapshot.Capacity))
	builder.WriteString(fmt.Sprintf("🔄 Running: %d\n", snapshot.Running))

	waiting := snapshot.ContinuationDepth + snapshot.FreshDepth
	if snapshot.ContinuationDepth > 0 {
		builder.WriteString(fmt.Sprintf("⏳ Waiting: %d (%d resumed from restart)\n",
			waiting, snapshot.ContinuationDepth))
	} else {
		builder.WriteString(fmt.Sprintf("⏳ Waiting: %d\n", waiting))
	}

	if len(snapshot.Entries) == 0 {
		builder.WriteString("\n📋 Queue: Empty\n")
	} else {
		builder.WriteString(fmt.Sprintf("\n📋 Queued Items (%d):\n", len(snapshot.Entries)))
		for i, entry := range snapshot.Entries {
			if i == maxQueueLines {
				builder.WriteString(fmt.Sprintf("… and %d more\n", len(snapshot.Entries)-maxQueueLines))
				break
			}
			builder.WriteString(queueLine(i+1, entry))
		}
	}

	builder.WriteString("\n💡 Use /download <url> to add a new request")

	return builder.String()
}

// queueLine renders one queued item for the /queue reply
func queueLine(position int, entry downloader.QueueEntry) string {
	label := entry.Title
	if label == "" {
		label = fmt.Sprintf("%s item %d", shortRef(entry.RequestID), entry.Index+1)
	}

	line := fmt.Sprintf("%d. %s (user %d)", position, label, entry.UserID)
	if entry.Continuation {
		line += " [resumed]"
	}

	return line + "\n"
}

// sendErrorMessage sends an error message to the user
func (h *QueueHandler) sendErrorMessage(ctx context.Context, chatID int64, errorMsg string) error {
	return h.sendMessage(ctx, chatID, "❌ "+errorMsg)
}

// sendMessage sends a text message to the specified chat
func (h *QueueHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}
