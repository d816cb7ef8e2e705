package downloader

import (
	"time"
)

// MediaFormat identifies the quality/format code a user may request.
// The set is closed; anything else is rejected during resolution.
type MediaFormat string

const (
	FormatVideo          MediaFormat = "video"
	FormatAudio          MediaFormat = "audio"
	FormatVideoAudio     MediaFormat = "video+audio"
	FormatImage          MediaFormat = "image"
	FormatAudioFromImage MediaFormat = "audio-from-image"
	FormatPlaylistVideo  MediaFormat = "playlist-video"
	FormatPlaylistAudio  MediaFormat = "playlist-audio"
)

// ParseFormat maps a user-supplied format code to a MediaFormat
func ParseFormat(s string) (MediaFormat, bool) {
	switch MediaFormat(s) {
	case FormatVideo, FormatAudio, FormatVideoAudio, FormatImage,
		FormatAudioFromImage, FormatPlaylistVideo, FormatPlaylistAudio:
		return MediaFormat(s), true
	default:
		return "", false
	}
}

// Playlist reports whether the format expands to multiple items
func (f MediaFormat) Playlist() bool {
	return f == FormatPlaylistVideo || f == FormatPlaylistAudio
}

// ItemFormat returns the per-item format a request format resolves to.
// Playlist formats expand to their single-media counterpart, and
// audio extraction formats resolve to plain audio.
func (f MediaFormat) ItemFormat() MediaFormat {
	switch f {
	case FormatPlaylistVideo:
		return FormatVideo
	case FormatPlaylistAudio, FormatAudioFromImage:
		return FormatAudio
	default:
		return f
	}
}

// RequestStatus represents the overall state of a DownloadRequest
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusResolving RequestStatus = "resolving"
	StatusQueued    RequestStatus = "queued"
	StatusRunning   RequestStatus = "running"
	StatusPartial   RequestStatus = "partial"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusPartial, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus represents the state of a single DownloadItem
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemSucceeded, ItemFailed, ItemCancelled:
		return true
	default:
		return false
	}
}

// TransferKind selects the transfer path the executor uses for an item
type TransferKind string

const (
	// TransferDirect fetches bytes over plain HTTP(S)
	TransferDirect TransferKind = "direct"
	// TransferPlatform delegates to the media platform tooling
	TransferPlatform TransferKind = "platform"
	// TransferLocal copies an already-materialized file reference
	TransferLocal TransferKind = "local"
)

// DownloadRequest represents one user submission and owns its items
type DownloadRequest struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"user_id"`
	ChatID      int64           `json:"chat_id"`
	Locator     string          `json:"locator"`
	Title       string          `json:"title,omitempty"`
	Format      MediaFormat     `json:"format"`
	Status      RequestStatus   `json:"status"`
	Truncated   bool            `json:"truncated,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Items       []*DownloadItem `json:"items,omitempty"`
}

// Aggregate recomputes the request status from its items' statuses
func (r *DownloadRequest) Aggregate() RequestStatus {
	statuses := make([]ItemStatus, len(r.Items))
	for i, item := range r.Items {
		statuses[i] = item.Status
	}
	return AggregateStatus(statuses)
}

// DownloadItem represents one retrievable unit after resolution
type DownloadItem struct {
	RequestID     string       `json:"request_id"`
	Index         int          `json:"index"`
	Locator       string       `json:"locator"`
	Format        MediaFormat  `json:"format"`
	Kind          TransferKind `json:"kind"`
	Title         string       `json:"title,omitempty"`
	SizeEstimate  int64        `json:"size_estimate,omitempty"`
	Status        ItemStatus   `json:"status"`
	RetryCount    int          `json:"retry_count"`
	LastErrorCode ErrorCode    `json:"last_error_code,omitempty"`
	BytesWritten  int64        `json:"bytes_written,omitempty"`
	OutputPath    string       `json:"output_path,omitempty"`
}

// AggregateStatus reduces a set of item statuses to the request status.
// The reduction depends only on how many items hold each status, never
// on the order items finished in. Rules are evaluated top to bottom:
// any item still running keeps the request running; untouched items keep
// it queued; then all succeeded means completed, succeeded mixed with
// failed means partial, all failed means failed, and any remaining mix
// involving cancelled items means cancelled.
func AggregateStatus(statuses []ItemStatus) RequestStatus {
	if len(statuses) == 0 {
		return StatusFailed
	}

	var queued, running, succeeded, failed, cancelled int
	for _, s := range statuses {
		switch s {
		case ItemQueued:
			queued++
		case ItemRunning:
			running++
		case ItemSucceeded:
			succeeded++
		case ItemFailed:
			failed++
		case ItemCancelled:
			cancelled++
		}
	}

	if running > 0 {
		return StatusRunning
	}
	if queued > 0 {
		if succeeded+failed+cancelled > 0 {
			return StatusRunning
		}
		return StatusQueued
	}

	// All items are terminal from here on.
	total := len(statuses)
	switch {
	case succeeded == total:
		return StatusCompleted
	case succeeded > 0 && failed > 0:
		return StatusPartial
	case failed == total:
		return StatusFailed
	default:
		return StatusCancelled
	}
}

// RateBudget is a read-only view of one user's throttling state
type RateBudget struct {
	UserID           int64     `json:"user_id"`
	SubmissionTokens int       `json:"submission_tokens"`
	SlotsInUse       int       `json:"slots_in_use"`
	SlotLimit        int       `json:"slot_limit"`
	WindowReset      time.Time `json:"window_reset"`
	BannedUntil      time.Time `json:"banned_until,omitempty"`
}

// SourceMetadata holds what resolution learned about a locator
type SourceMetadata struct {
	Title        string       `json:"title,omitempty"`
	Format       MediaFormat  `json:"format"`
	Kind         TransferKind `json:"kind"`
	SizeEstimate int64        `json:"size_estimate,omitempty"`
	ItemCount    int          `json:"item_count,omitempty"`
}

// Result describes the outcome of executing a single item. Title is set
// when the transfer discovered one the resolver did not have.
type Result struct {
	BytesWritten int64      `json:"bytes_written"`
	FinalStatus  ItemStatus `json:"final_status"`
	OutputPath   string     `json:"output_path,omitempty"`
	Title        string     `json:"title,omitempty"`
}

// Event identifies a lifecycle notification class
type Event string

const (
	EventResolved         Event = "resolved"
	EventProgress         Event = "progress"
	EventItemSucceeded    Event = "item-succeeded"
	EventItemFailed       Event = "item-failed"
	EventRequestCompleted Event = "request-completed"
	EventRequestPartial   Event = "request-partial"
	EventRequestFailed    Event = "request-failed"
	EventRequestCancelled Event = "request-cancelled"
)

// TerminalEvent maps a terminal request status to its notification event
func TerminalEvent(status RequestStatus) (Event, bool) {
	switch status {
	case StatusCompleted:
		return EventRequestCompleted, true
	case StatusPartial:
		return EventRequestPartial, true
	case StatusFailed:
		return EventRequestFailed, true
	case StatusCancelled:
		return EventRequestCancelled, true
	default:
		return "", false
	}
}

// Submission is the input accepted by the request-submission entry point
type Submission struct {
	UserID  int64       `json:"user_id"`
	ChatID  int64       `json:"chat_id"`
	Locator string      `json:"locator"`
	Format  MediaFormat `json:"format"`
}

// ItemReport is the per-item slice of a status query response
type ItemReport struct {
	Index         int        `json:"index"`
	Title         string     `json:"title,omitempty"`
	Status        ItemStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastErrorCode ErrorCode  `json:"last_error_code,omitempty"`
	BytesWritten  int64      `json:"bytes_written"`
}

// StatusReport is the response of the status-query entry point
type StatusReport struct {
	RequestID   string        `json:"request_id"`
	Status      RequestStatus `json:"status"`
	Format      MediaFormat   `json:"format"`
	Locator     string        `json:"locator"`
	Truncated   bool          `json:"truncated,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Items       []ItemReport  `json:"items"`
}
