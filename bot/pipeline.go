package bot

import (
	"context"

	"go-media-bot/downloader"
)

// Pipeline is the slice of the download orchestrator the command handlers
// consume. The orchestrator satisfies it directly; tests substitute stubs.
type Pipeline interface {
	// Submit admits a locator and returns the queued request
	Submit(ctx context.Context, userID, chatID int64, locator string, format downloader.MediaFormat) (*downloader.DownloadRequest, error)
	// Cancel stops a request referenced by ID or unique ID prefix
	Cancel(ctx context.Context, ref string) (*downloader.DownloadRequest, error)
	// Status reports a request referenced by ID or unique ID prefix
	Status(ctx context.Context, ref string) (*downloader.DownloadRequest, error)
	// Queue returns the current queue state
	Queue() downloader.QueueSnapshot
	// UserStats returns a user's lifetime outcome counters
	UserStats(ctx context.Context, userID int64) (*downloader.OutcomeStats, error)
	// Budget returns a user's remaining submission and slot budget
	Budget(userID int64) downloader.RateBudget
}
