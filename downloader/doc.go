// Package downloader implements the media download pipeline behind the
// Telegram bot: admission, resolution, scheduling, transfer, and
// notification.
//
// The package is organized around a few collaborators:
//   - Orchestrator: the front door; admits submissions and answers
//     status, cancellation, and stats lookups
//   - SourceResolver: expands a locator into downloadable items, with
//     capped playlist expansion and metadata caching
//   - Scheduler: two-tier FIFO dispatch with per-user and global
//     concurrency bounds, retries, and all status transitions
//   - ItemExecutor: single-attempt transfers over HTTP, platform
//     tooling, or the local filesystem
//   - Notifier: lifecycle and progress delivery back to the chat
//
// Failures carry structured DownloadError codes that split transient
// from permanent causes; the scheduler retries only the former.
package downloader
