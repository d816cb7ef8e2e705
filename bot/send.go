package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

// sendChatMessage sends a text message to the specified chat. Every
// command handler funnels its replies through here.
func sendChatMessage(ctx context.Context, client *TelegramBot, chatID int64, message string) error {
	if client == nil || client.GetClient() == nil {
		return fmt.Errorf("bot client is not initialized")
	}

	// For bot API, we need to determine the correct peer type
	var peer tg.InputPeerClass

	// If chatID is positive, it's likely a user chat
	if chatID > 0 {
		peer = &tg.InputPeerUser{UserID: chatID}
	} else {
		// For negative chat IDs, it could be a group or channel
		peer = &tg.InputPeerChat{ChatID: -chatID}
	}

	// Create the message request
	request := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  message,
		RandomID: time.Now().UnixNano(),
	}

	// Send the message using gotgproto client
	_, err := client.GetClient().API().MessagesSendMessage(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to send message via Telegram API: %w", err)
	}

	return nil
}
