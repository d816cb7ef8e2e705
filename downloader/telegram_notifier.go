package downloader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// notifyTimeout bounds every outbound Telegram call
const notifyTimeout = 5 * time.Second

// TelegramAPI defines the interface for Telegram API operations needed by the notifier
type TelegramAPI interface {
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesEditMessage(ctx context.Context, request *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error)
}

// requestTracking holds the live status message for one request
type requestTracking struct {
	chatID    int64
	messageID int
	startTime time.Time
}

// TelegramNotifier delivers request lifecycle notifications as Telegram
// messages: one status message per request, created on admission and
// edited in place until the terminal summary replaces it. Delivery is
// best effort; failures are logged and never reach the job state.
type TelegramNotifier struct {
	api    TelegramAPI
	logger *zap.Logger

	mu       sync.Mutex
	tracking map[string]*requestTracking
}

// NewTelegramNotifier creates a notifier on top of the Telegram API
func NewTelegramNotifier(api TelegramAPI, logger *zap.Logger) *TelegramNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{
		api:      api,
		logger:   logger.Named("notifier"),
		tracking: make(map[string]*requestTracking),
	}
}

// Notify handles request-level lifecycle events
func (tn *TelegramNotifier) Notify(ctx context.Context, request *DownloadRequest, event Event) {
	switch event {
	case EventResolved:
		tn.startTracking(ctx, request)
	case EventRequestCompleted, EventRequestPartial, EventRequestFailed, EventRequestCancelled:
		tn.finishTracking(ctx, request, event)
	}
}

// NotifyProgress edits the request's status message with transfer progress
func (tn *TelegramNotifier) NotifyProgress(ctx context.Context, request *DownloadRequest, progress Progress) {
	tracked, ok := tn.tracked(request.ID)
	if !ok {
		return
	}

	message := tn.formatProgressMessage(requestLabel(request), progress, tracked.startTime)
	if err := tn.editMessage(ctx, tracked.chatID, tracked.messageID, message); err != nil {
		tn.logger.Warn("progress notification failed",
			zap.String("request_id", request.ID),
			zap.Error(err))
	}
}

// NotifyItem reports a finished item inside a multi-item request
func (tn *TelegramNotifier) NotifyItem(ctx context.Context, request *DownloadRequest, item *DownloadItem, event Event) {
	if len(request.Items) <= 1 {
		return
	}
	tracked, ok := tn.tracked(request.ID)
	if !ok {
		return
	}

	var succeeded, failed, terminal int
	for _, it := range request.Items {
		if it.Status.Terminal() {
			terminal++
		}
		switch it.Status {
		case ItemSucceeded:
			succeeded++
		case ItemFailed:
			failed++
		}
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("📥 **%s**\n\n", requestLabel(request)))
	builder.WriteString(fmt.Sprintf("%s %s\n", itemEventEmoji(event), itemLabel(item)))
	builder.WriteString(fmt.Sprintf("📊 %d/%d items done (%d ✅, %d ❌)\n", terminal, len(request.Items), succeeded, failed))
	builder.WriteString(fmt.Sprintf("\n⏱️ Elapsed: %s", time.Since(tracked.startTime).Round(time.Second)))

	if err := tn.editMessage(ctx, tracked.chatID, tracked.messageID, builder.String()); err != nil {
		tn.logger.Warn("item notification failed",
			zap.String("request_id", request.ID),
			zap.Int("item", item.Index),
			zap.Error(err))
	}
}

// NotifyRejected sends a standalone rejection message with the reason and,
// for rate-limit denials, a retry hint
func (tn *TelegramNotifier) NotifyRejected(ctx context.Context, request *DownloadRequest, reason *DownloadError) {
	message := fmt.Sprintf("🚫 **Request rejected**\n\n%s", reason.Message)
	if retryAfter, ok := reason.Context["retry_after_seconds"]; ok {
		message += fmt.Sprintf("\n\n⏳ Try again in %vs", retryAfter)
	}

	if _, err := tn.sendMessage(ctx, request.ChatID, message); err != nil {
		tn.logger.Warn("rejection notification failed",
			zap.String("request_id", request.ID),
			zap.Error(err))
	}
}

// startTracking sends the initial status message for an admitted request
func (tn *TelegramNotifier) startTracking(ctx context.Context, request *DownloadRequest) {
	label := requestLabel(request)
	message := fmt.Sprintf("📥 **%s**\n\n⏳ Queued (%d item%s)...", label, len(request.Items), plural(len(request.Items)))
	if request.Truncated {
		message += "\n⚠️ Playlist truncated to the configured limit"
	}

	messageID, err := tn.sendMessage(ctx, request.ChatID, message)
	if err != nil {
		tn.logger.Warn("initial notification failed",
			zap.String("request_id", request.ID),
			zap.Error(err))
		return
	}

	tn.mu.Lock()
	tn.tracking[request.ID] = &requestTracking{
		chatID:    request.ChatID,
		messageID: messageID,
		startTime: time.Now(),
	}
	tn.mu.Unlock()
}

// finishTracking edits the status message into the terminal summary and
// releases the tracking entry
func (tn *TelegramNotifier) finishTracking(ctx context.Context, request *DownloadRequest, event Event) {
	tn.mu.Lock()
	tracked, ok := tn.tracking[request.ID]
	delete(tn.tracking, request.ID)
	tn.mu.Unlock()

	message := tn.formatSummary(request, event, tracked)

	var err error
	if ok && tracked.messageID != 0 {
		err = tn.editMessage(ctx, tracked.chatID, tracked.messageID, message)
	} else {
		// The initial send failed or tracking was lost; the summary still
		// has to reach the user.
		_, err = tn.sendMessage(ctx, request.ChatID, message)
	}
	if err != nil {
		tn.logger.Warn("terminal notification failed",
			zap.String("request_id", request.ID),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// tracked returns the tracking entry for a request
func (tn *TelegramNotifier) tracked(requestID string) (*requestTracking, bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tracked, ok := tn.tracking[requestID]
	return tracked, ok
}

// Tracking returns the number of requests with a live status message
func (tn *TelegramNotifier) Tracking() int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return len(tn.tracking)
}

// formatSummary renders the terminal summary for a request
func (tn *TelegramNotifier) formatSummary(request *DownloadRequest, event Event, tracked *requestTracking) string {
	var succeeded, failed, cancelled int
	var bytes int64
	for _, item := range request.Items {
		switch item.Status {
		case ItemSucceeded:
			succeeded++
		case ItemFailed:
			failed++
		case ItemCancelled:
			cancelled++
		}
		bytes += item.BytesWritten
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("📥 **%s**\n\n", requestLabel(request)))
	builder.WriteString(fmt.Sprintf("%s **%s**\n", eventEmoji(event), eventHeadline(event)))

	if len(request.Items) > 1 {
		builder.WriteString(fmt.Sprintf("📊 %d ✅ / %d ❌ / %d 🚫 of %d items\n", succeeded, failed, cancelled, len(request.Items)))
	}
	if failed > 0 {
		for _, item := range request.Items {
			if item.Status == ItemFailed && item.LastErrorCode != "" {
				builder.WriteString(fmt.Sprintf("❌ %s: %s\n", itemLabel(item), item.LastErrorCode))
			}
		}
	}
	if bytes > 0 {
		builder.WriteString(fmt.Sprintf("📦 %s transferred\n", tn.formatBytes(bytes)))
	}
	if tracked != nil {
		builder.WriteString(fmt.Sprintf("\n⏱️ Total time: %s", time.Since(tracked.startTime).Round(time.Second)))
	}
	return builder.String()
}

// sendMessage sends a new message and returns the message ID
func (tn *TelegramNotifier) sendMessage(ctx context.Context, chatID int64, message string) (int, error) {
	if tn.api == nil {
		return 0, fmt.Errorf("telegram API is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	request := &tg.MessagesSendMessageRequest{
		Peer:     peerForChat(chatID),
		Message:  message,
		RandomID: time.Now().UnixNano(),
	}

	updates, err := tn.api.MessagesSendMessage(ctx, request)
	if err != nil {
		return 0, err
	}
	return extractMessageID(updates), nil
}

// editMessage edits an existing message
func (tn *TelegramNotifier) editMessage(ctx context.Context, chatID int64, messageID int, message string) error {
	if tn.api == nil {
		return fmt.Errorf("telegram API is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	request := &tg.MessagesEditMessageRequest{
		Peer:    peerForChat(chatID),
		ID:      messageID,
		Message: message,
	}

	_, err := tn.api.MessagesEditMessage(ctx, request)
	return err
}

// peerForChat determines the peer type based on chat ID
func peerForChat(chatID int64) tg.InputPeerClass {
	if chatID > 0 {
		return &tg.InputPeerUser{UserID: chatID}
	}
	return &tg.InputPeerChat{ChatID: -chatID}
}

// extractMessageID extracts the message ID from Telegram API updates
func extractMessageID(updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.Updates:
		for _, update := range u.Updates {
			if msgUpdate, ok := update.(*tg.UpdateNewMessage); ok {
				if msg, ok := msgUpdate.Message.(*tg.Message); ok {
					return msg.ID
				}
			}
		}
	case *tg.UpdateShortSentMessage:
		return u.ID
	}
	return 0
}

// formatProgressMessage formats a progress update message
func (tn *TelegramNotifier) formatProgressMessage(label string, progress Progress, startTime time.Time) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("📥 **%s**\n\n", label))
	builder.WriteString("⬇️ Downloading...\n\n")

	if progress.TotalBytes > 0 {
		progressBar := tn.createProgressBar(progress.Percentage, 20)
		builder.WriteString(fmt.Sprintf("📊 %s %.1f%%\n", progressBar, progress.Percentage))
		builder.WriteString(fmt.Sprintf("📦 %s / %s\n",
			tn.formatBytes(progress.BytesProcessed),
			tn.formatBytes(progress.TotalBytes)))
	} else if progress.BytesProcessed > 0 {
		builder.WriteString(fmt.Sprintf("📦 %s\n", tn.formatBytes(progress.BytesProcessed)))
	}

	if progress.Speed > 0 {
		builder.WriteString(fmt.Sprintf("⚡ %s/s", tn.formatBytes(progress.Speed)))
		if progress.ETA > 0 {
			builder.WriteString(fmt.Sprintf(" • ETA: %s", progress.ETA.Round(time.Second)))
		}
		builder.WriteString("\n")
	}

	builder.WriteString(fmt.Sprintf("\n⏱️ Elapsed: %s", time.Since(startTime).Round(time.Second)))

	return builder.String()
}

// createProgressBar creates a visual progress bar
func (tn *TelegramNotifier) createProgressBar(percentage float64, length int) string {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	filled := int((percentage / 100.0) * float64(length))
	empty := length - filled

	return strings.Repeat("█", filled) + strings.Repeat("░", empty)
}

// formatBytes formats byte count into human-readable format
func (tn *TelegramNotifier) formatBytes(bytes int64) string {
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

// requestLabel picks the display name for a request
func requestLabel(request *DownloadRequest) string {
	if request.Title != "" {
		return truncateLabel(request.Title, 48)
	}
	if len(request.Items) > 0 && request.Items[0].Title != "" {
		return truncateLabel(request.Items[0].Title, 48)
	}
	return truncateLabel(request.Locator, 48)
}

// itemLabel picks the display name for an item
func itemLabel(item *DownloadItem) string {
	if item.Title != "" {
		return truncateLabel(item.Title, 48)
	}
	return fmt.Sprintf("item %d", item.Index+1)
}

// truncateLabel shortens a label to at most limit runes
func truncateLabel(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

// plural returns the suffix for simple count phrases
func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// eventEmoji returns the emoji for a terminal event
func eventEmoji(event Event) string {
	switch event {
	case EventRequestCompleted:
		return "✅"
	case EventRequestPartial:
		return "⚠️"
	case EventRequestFailed:
		return "❌"
	case EventRequestCancelled:
		return "🚫"
	default:
		return "⏳"
	}
}

// eventHeadline returns the headline for a terminal event
func eventHeadline(event Event) string {
	switch event {
	case EventRequestCompleted:
		return "Download complete!"
	case EventRequestPartial:
		return "Finished with some failures"
	case EventRequestFailed:
		return "Download failed"
	case EventRequestCancelled:
		return "Cancelled"
	default:
		return "Processing..."
	}
}

// itemEventEmoji returns the emoji for an item event
func itemEventEmoji(event Event) string {
	if event == EventItemFailed {
		return "❌"
	}
	return "✅"
}
