package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go-media-bot/downloader"
)

// CancelHandler implements CommandHandler for the /cancel command
type CancelHandler struct {
	client       *TelegramBot
	pipeline     Pipeline
	logger       *log.Logger
	errorHandler *ErrorHandler
}

// NewCancelHandler creates a new CancelHandler instance
func NewCancelHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *CancelHandler {
	handler := &CancelHandler{
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
func (h *CancelHandler) Command() string {
	return "cancel"
}

// Handle processes the /cancel command and aborts a download request
func (h *CancelHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /cancel command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with timeout
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ref := cmdCtx.TrimmedArgs()
	if ref == "" {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID,
			"Please provide a request ID.\nUsage: /cancel <id>")
	}

	if h.pipeline == nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "The download pipeline is not available right now.")
	}

	req, err := h.pipeline.Cancel(timeoutCtx, ref)
	if err != nil {
		h.logger.Printf("Cancel of %q for user %d failed: %v", ref, cmdCtx.UserID, err)
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, describeRefError(ref, err))
	}

	responseMessage := fmt.Sprintf("🛑 Cancelled %s", shortRef(req.ID))
	if req.Title != "" {
		responseMessage = fmt.Sprintf("🛑 Cancelled %s (%s)", shortRef(req.ID), req.Title)
	}

	// Send the response
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, responseMessage); err != nil {
		h.logger.Printf("Failed to send cancel response to chat %d: %v", cmdCtx.ChatID, err)

		// Use error handler if available for network errors
		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, true)
		}

		return fmt.Errorf("failed to send cancel response: %w", err)
	}

	// Log successful processing with timing
	processingTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /cancel command for user %d (took %v)",
		cmdCtx.UserID, processingTime)

	return nil
}

// describeRefError turns a request lookup failure into a user-facing line
func describeRefError(ref string, err error) string {
	switch {
	case errors.Is(err, downloader.ErrUnknownRequest):
		return fmt.Sprintf("No request matches %q. Check the ID with /queue.", ref)
	case errors.Is(err, downloader.ErrAmbiguousPrefix):
		return fmt.Sprintf("More than one request matches %q. Use a longer prefix or the full ID.", ref)
	default:
		return capitalizeFirst(err.Error()) + "."
	}
}

// capitalizeFirst uppercases the first byte of an ASCII message
func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// sendErrorMessage sends an error message to the user
func (h *CancelHandler) sendErrorMessage(ctx context.Context, chatID int64, errorMsg string) error {
	return h.sendMessage(ctx, chatID, "❌ "+errorMsg)
}

// sendMessage sends a text message to the specified chat
func (h *CancelHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}
