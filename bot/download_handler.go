package bot

import (
	"context"
	"fmt"
	"log"
	"time"

	"go-media-bot/downloader"
)

// DownloadHandler implements CommandHandler for the /download command
type DownloadHandler struct {
	client       *TelegramBot
	pipeline     Pipeline
	logger       *log.Logger
	errorHandler *ErrorHandler
}

// NewDownloadHandler creates a new DownloadHandler instance
func NewDownloadHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *DownloadHandler {
	handler := &DownloadHandler{
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
func (h *DownloadHandler) Command() string {
	return "download"
}

// Handle processes the /download command and submits a download request
func (h *DownloadHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /download command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with timeout. Playlist locators need a remote
	// listing before the request is accepted, so this is generous.
	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if cmdCtx.TrimmedArgs() == "" {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID,
			"Please provide a URL.\nUsage: /download <url> [format]")
	}

	args, err := ParseDownloadArgs(cmdCtx.Args)
	if err != nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, err.Error())
	}

	if h.pipeline == nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "The download pipeline is not available right now.")
	}

	h.logger.Printf("Received download request: %s (format: %s)", args.Locator, args.Format)

	// Send processing message
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, "⏳ Checking your link..."); err != nil {
		h.logger.Printf("Failed to send processing message: %v", err)
	}

	req, err := h.pipeline.Submit(timeoutCtx, cmdCtx.UserID, cmdCtx.ChatID, args.Locator, args.Format)
	if err != nil {
		// Rejections surface to the user through the pipeline's own
		// notifier, so they are only logged here.
		if reason, ok := downloader.AsDownloadError(err); ok {
			h.logger.Printf("Download request rejected for user %d: %s (%s)",
				cmdCtx.UserID, reason.Message, reason.Code)
			return nil
		}

		h.logger.Printf("Failed to submit download for user %d: %v", cmdCtx.UserID, err)

		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, true)
		}

		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "Could not submit your download. Please try again.")
	}

	responseMessage := h.createAcceptedResponse(req)

	// Send the response
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, responseMessage); err != nil {
		h.logger.Printf("Failed to send download response to chat %d: %v", cmdCtx.ChatID, err)

		// Use error handler if available for network errors
		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, true)
		}

		return fmt.Errorf("failed to send download response: %w", err)
	}

	// Log successful processing with timing
	processingTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /download command for user %d (took %v)",
		cmdCtx.UserID, processingTime)

	return nil
}

// createAcceptedResponse creates the acceptance message for a submitted request
func (h *DownloadHandler) createAcceptedResponse(req *downloader.DownloadRequest) string {
	title := req.Title
	if title == "" {
		title = req.Locator
	}

	message := fmt.Sprintf("✅ Accepted: %s\n\n"+
		"🆔 ID: %s\n"+
		"🎞 Format: %s\n"+
		"📦 Items: %d\n",
		title, shortRef(req.ID), req.Format, len(req.Items))

	if req.Truncated {
		message += "⚠️ The playlist was longer than allowed, only the first items were kept.\n"
	}

	message += fmt.Sprintf("\nUse /status %s to follow progress or /cancel %s to abort.",
		shortRef(req.ID), shortRef(req.ID))

	return message
}

// sendErrorMessage sends an error message to the user
func (h *DownloadHandler) sendErrorMessage(ctx context.Context, chatID int64, errorMsg string) error {
	return h.sendMessage(ctx, chatID, "❌ "+errorMsg)
}

// sendMessage sends a text message to the specified chat
func (h *DownloadHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}

// shortRef is the compact request id form shown to users. Lookups accept
// any unique prefix of at least eight characters, so this stays usable
// as a /status or /cancel argument.
func shortRef(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
