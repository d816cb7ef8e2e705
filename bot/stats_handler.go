package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go-media-bot/downloader"
)

// StatsHandler implements CommandHandler for the /stats command
type StatsHandler struct {
	client       *TelegramBot
	pipeline     Pipeline
	logger       *log.Logger
	errorHandler *ErrorHandler
}

// NewStatsHandler creates a new StatsHandler instance
func NewStatsHandler(client *TelegramBot, pipeline Pipeline, logger *log.Logger) *StatsHandler {
	handler := &StatsHandler{
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
func (h *StatsHandler) Command() string {
	return "stats"
}

// Handle processes the /stats command and reports the user's outcomes
func (h *StatsHandler) Handle(ctx context.Context, cmdCtx *CommandContext) error {
	startTime := time.Now()

	h.logger.Printf("Processing /stats command for user %d in chat %d", cmdCtx.UserID, cmdCtx.ChatID)

	// Create context with timeout
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if h.pipeline == nil {
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "The download pipeline is not available right now.")
	}

	stats, err := h.pipeline.UserStats(timeoutCtx, cmdCtx.UserID)
	if err != nil {
		h.logger.Printf("Stats lookup for user %d failed: %v", cmdCtx.UserID, err)
		return h.sendErrorMessage(timeoutCtx, cmdCtx.ChatID, "Could not load your stats. Please try again.")
	}

	budget := h.pipeline.Budget(cmdCtx.UserID)

	responseMessage := h.createStatsResponse(stats, budget)

	// Send the response
	if err := h.sendMessage(timeoutCtx, cmdCtx.ChatID, responseMessage); err != nil {
		h.logger.Printf("Failed to send stats response to chat %d: %v", cmdCtx.ChatID, err)

		// Use error handler if available for network errors
		if h.errorHandler != nil && h.errorHandler.IsNetworkError(err) {
			return h.errorHandler.HandleNetworkError(err, true)
		}

		return fmt.Errorf("failed to send stats response: %w", err)
	}

	// Log successful processing with timing
	processingTime := time.Since(startTime)
	h.logger.Printf("Successfully processed /stats command for user %d (took %v)",
		cmdCtx.UserID, processingTime)

	return nil
}

// createStatsResponse renders lifetime outcomes and the current budget
func (h *StatsHandler) createStatsResponse(stats *downloader.OutcomeStats, budget downloader.RateBudget) string {
	var builder strings.Builder

	builder.WriteString("📈 Your Download Stats\n\n")
	builder.WriteString(fmt.Sprintf("✅ Completed: %d\n", stats.Completed))
	builder.WriteString(fmt.Sprintf("⚠️ Partial: %d\n", stats.Partial))
	builder.WriteString(fmt.Sprintf("❌ Failed: %d\n", stats.Failed))
	builder.WriteString(fmt.Sprintf("🛑 Cancelled: %d\n", stats.Cancelled))
	builder.WriteString(fmt.Sprintf("💾 Transferred: %s\n", formatBytes(stats.BytesTransferred)))

	builder.WriteString("\n🎟 Submissions left this window: ")
	builder.WriteString(fmt.Sprintf("%d", budget.SubmissionTokens))
	if until := time.Until(budget.WindowReset); until > 0 {
		builder.WriteString(fmt.Sprintf(" (resets in %s)", until.Round(time.Second)))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("🔀 Active slots: %d/%d\n", budget.SlotsInUse, budget.SlotLimit))

	if until := time.Until(budget.BannedUntil); until > 0 {
		builder.WriteString(fmt.Sprintf("🚫 Submissions blocked for another %s\n", until.Round(time.Second)))
	}

	return strings.TrimRight(builder.String(), "\n")
}

// sendErrorMessage sends an error message to the user
func (h *StatsHandler) sendErrorMessage(ctx context.Context, chatID int64, errorMsg string) error {
	return h.sendMessage(ctx, chatID, "❌ "+errorMsg)
}

// sendMessage sends a text message to the specified chat
func (h *StatsHandler) sendMessage(ctx context.Context, chatID int64, message string) error {
	return sendChatMessage(ctx, h.client, chatID, message)
}
