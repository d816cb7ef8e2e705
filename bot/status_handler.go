package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go-media-bot/downloader"
)

// maxStatusItems caps how many per-item lines a status reply lists
const maxStatusItems = 10

// StatusHandler implements CommandHandler for the /status command
type StatusHandler struct {
	client       *TelegramBot
	pipeline     Pipeline
	logger       *log.Logger
	errorHandler *ErrorHandler
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *StatusHandler {
	handler := &StatusHandler{
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
func (h *StatusHandler) Command() string {
	return "status"
}

// Handle processes the /status command and reports a download request
func (h *StatusHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /status command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with timeout
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ref := cmdCtx.TrimmedArgs()
	if ref == "" {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID,
			"Please provide a request ID.\nUsage: /status <id>")
	}

	if h.pipeline == nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "The download pipeline is not available right now.")
	}

	req, err := h.pipeline.Status(timeoutCtx, ref)
	if err != nil {
		h.logger.Printf("Status lookup of %q for user %d failed: %v", ref, cmdCtx.UserID, err)
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, describeRefError(ref, err))
	}

	responseMessage := h.createStatusResponse(req)

	// Send the response
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, responseMessage); err != nil {
		h.logger.Printf("Failed to send status response to chat %d: %v", cmdCtx.ChatID, err)

		// Use error handler if available for network errors
		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, true)
		}

		return fmt.Errorf("failed to send status response: %w", err)
	}

	// Log successful processing with timing
	processingTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /status command for user %d (took %v)",
		cmdCtx.UserID, processingTime)

	return nil
}

// createStatusResponse renders a download request for the user
func (h *StatusHandler) createStatusResponse(req *downloader.DownloadRequest) string {
	title := req.Title
	if title == "" {
		title = req.Locator
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%s %s\n\n", statusEmoji(req.Status), title))
	builder.WriteString(fmt.Sprintf("🆔 ID: %s\n", shortRef(req.ID)))
	builder.WriteString(fmt.Sprintf("🎞 Format: %s\n", req.Format))
	builder.WriteString(fmt.Sprintf("📊 Status: %s\n", req.Status))

	done, transferred := 0, int64(0)
	for _, item := range req.Items {
		if item.Status == downloader.ItemSucceeded {
			done++
		}
		transferred += item.BytesWritten
	}
	builder.WriteString(fmt.Sprintf("📦 Items: %d/%d done\n", done, len(req.Items)))
	if transferred > 0 {
		builder.WriteString(fmt.Sprintf("💾 Transferred: %s\n", formatBytes(transferred)))
	}

	if !req.CompletedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("⏱ Took: %s\n", req.CompletedAt.Sub(req.SubmittedAt).Round(time.Second)))
	} else {
		builder.WriteString(fmt.Sprintf("⏱ Elapsed: %s\n", time.Since(req.SubmittedAt).Round(time.Second)))
	}

	if req.Truncated {
		builder.WriteString("⚠️ Playlist was truncated to the allowed length.\n")
	}

	if len(req.Items) > 1 {
		builder.WriteString("\n")
		for i, item := range req.Items {
			if i == maxStatusItems {
				builder.WriteString(fmt.Sprintf("… and %d more\n", len(req.Items)-maxStatusItems))
				break
			}
			builder.WriteString(itemLine(item))
		}
	} else if len(req.Items) == 1 && req.Items[0].LastErrorCode != "" {
		builder.WriteString(fmt.Sprintf("\n⚠️ Last error: %s\n", req.Items[0].LastErrorCode))
	}

	return strings.TrimRight(builder.String(), "\n")
}

// itemLine renders one playlist entry of a status reply
func itemLine(item *downloader.DownloadItem) string {
	label := item.Title
	if label == "" {
		label = fmt.Sprintf("item %d", item.Index+1)
	}

	line := fmt.Sprintf("%d. %s %s", item.Index+1, itemEmoji(item.Status), label)
	if item.BytesWritten > 0 {
		line += fmt.Sprintf(" (%s)", formatBytes(item.BytesWritten))
	}
	if item.Status == downloader.ItemFailed && item.LastErrorCode != "" {
		line += fmt.Sprintf(" [%s]", item.LastErrorCode)
	}

	return line + "\n"
}

// statusEmoji maps a request status to its display emoji
func statusEmoji(status downloader.RequestStatus) string {
	switch status {
	case downloader.StatusPending, downloader.StatusQueued:
		return "⏳"
	case downloader.StatusResolving:
		return "🔍"
	case downloader.StatusRunning:
		return "🔄"
	case downloader.StatusCompleted:
		return "✅"
	case downloader.StatusPartial:
		return "⚠️"
	case downloader.StatusFailed:
		return "❌"
	case downloader.StatusCancelled:
		return "🛑"
	default:
		return "❓"
	}
}

// itemEmoji maps an item status to its display emoji
func itemEmoji(status downloader.ItemStatus) string {
	switch status {
	case downloader.ItemQueued:
		return "⏳"
	case downloader.ItemRunning:
		return "🔄"
	case downloader.ItemSucceeded:
		return "✅"
	case downloader.ItemFailed:
		return "❌"
	case downloader.ItemCancelled:
		return "🛑"
	default:
		return "❓"
	}
}

// formatBytes formats byte count into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// sendErrorMessage sends an error message to the user
func (h *StatusHandler) sendErrorMessage(ctx context.Context, chatID int64, errorMsg string) error {
	return h.sendMessage(ctx, chatID, "❌ "+errorMsg)
}

// sendMessage sends a text message to the specified chat
func (h *StatusHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}
