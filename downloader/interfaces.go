package downloader

import (
	"context"
	"time"
)

// Phase represents the current phase of processing for a request or item
type Phase int

const (
	PhaseValidating Phase = iota
	PhaseResolving
	PhaseDownloading
	PhaseWriting
	PhaseComplete
	PhaseError
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseResolving:
		return "resolving"
	case PhaseDownloading:
		return "downloading"
	case PhaseWriting:
		return "writing"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Progress represents the current progress of an operation
type Progress struct {
	BytesProcessed int64         `json:"bytes_processed"`
	TotalBytes     int64         `json:"total_bytes"`
	Speed          int64         `json:"speed"` // bytes per second
	ETA            time.Duration `json:"eta"`
	Percentage     float64       `json:"percentage"`
}

// OutcomeStats aggregates one user's terminal request outcomes.
// Partial is its own bucket and counts toward neither success nor failure.
type OutcomeStats struct {
	UserID           int64 `json:"user_id"`
	Completed        int64 `json:"completed"`
	Partial          int64 `json:"partial"`
	Failed           int64 `json:"failed"`
	Cancelled        int64 `json:"cancelled"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// Store makes request and item state durable across restarts
type Store interface {
	// SaveRequest inserts or updates a request record
	SaveRequest(ctx context.Context, request *DownloadRequest) error

	// SaveItem inserts or updates an item record
	SaveItem(ctx context.Context, item *DownloadItem) error

	// LoadRequest returns one request by ID with its items attached
	LoadRequest(ctx context.Context, id string) (*DownloadRequest, error)

	// LoadPendingRequests returns all requests that have not reached a
	// terminal status, with their items attached
	LoadPendingRequests(ctx context.Context) ([]*DownloadRequest, error)

	// RecordOutcome adds a terminal request outcome to the user's stats
	RecordOutcome(ctx context.Context, userID int64, status RequestStatus, bytes int64) error

	// UserStats returns the accumulated outcome stats for a user
	UserStats(ctx context.Context, userID int64) (*OutcomeStats, error)

	// PurgeTerminal deletes terminal requests whose completion is older
	// than the given cutoff and returns how many were removed
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

// Verdict is the content-safety classification of a locator
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictBlock
	VerdictUncertain
)

// String returns the string representation of the verdict
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictBlock:
		return "block"
	case VerdictUncertain:
		return "uncertain"
	default:
		return "unknown"
	}
}

// Classifier screens locators before resolution admits them. A block
// verdict fails resolution; uncertain is treated as allow with a logged
// flag so a flaky screen cannot deny service.
type Classifier interface {
	// Classify returns the safety verdict for a locator
	Classify(ctx context.Context, locator string) Verdict
}

// Notifier translates lifecycle events into outbound messages. Methods
// return nothing: delivery failures are logged by the implementation and
// never affect job state.
type Notifier interface {
	// Notify reports a request-level event (resolved or a terminal outcome)
	Notify(ctx context.Context, request *DownloadRequest, event Event)

	// NotifyProgress reports transfer progress for a request. Calls may
	// arrive at any rate; the implementation coalesces them so at most
	// one outbound update fires per interval per request.
	NotifyProgress(ctx context.Context, request *DownloadRequest, progress Progress)

	// NotifyItem reports a single item reaching succeeded or failed
	NotifyItem(ctx context.Context, request *DownloadRequest, item *DownloadItem, event Event)

	// NotifyRejected reports a request that was refused before entering
	// the queue, with the resolution or admission error that refused it
	NotifyRejected(ctx context.Context, request *DownloadRequest, reason *DownloadError)
}

// Resolution is the outcome of expanding a locator into items
type Resolution struct {
	Items     []*DownloadItem `json:"items"`
	Metadata  SourceMetadata  `json:"metadata"`
	Truncated bool            `json:"truncated,omitempty"`
}

// SourceResolver classifies a submitted locator into retrievable items
type SourceResolver interface {
	// Resolve expands a locator into one or more item descriptors.
	// Playlist expansion is capped; hitting the cap sets Truncated
	// on the result instead of failing.
	Resolve(ctx context.Context, locator string, format MediaFormat) (*Resolution, error)
}

// ItemIterator yields playlist item descriptors one at a time so large
// playlists are never fully materialized. Iterators are finite and
// restartable.
type ItemIterator interface {
	// Next returns the next descriptor, or ok=false once exhausted
	Next(ctx context.Context) (item *DownloadItem, ok bool, err error)

	// Reset rewinds the iterator to the start of the sequence
	Reset()
}

// ItemExecutor performs the transfer for a single item
type ItemExecutor interface {
	// Execute moves the item's bytes to local storage and reports the
	// outcome. Cancellation is observed via ctx between units of work.
	Execute(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error)
}

// AcquireKind selects which budget a rate-limit acquisition draws from
type AcquireKind int

const (
	KindSubmission AcquireKind = iota
	KindConcurrentSlot
)

// String returns the string representation of the acquire kind
func (k AcquireKind) String() string {
	switch k {
	case KindSubmission:
		return "submission"
	case KindConcurrentSlot:
		return "concurrent-slot"
	default:
		return "unknown"
	}
}

// Grant is the outcome of a rate-limit acquisition attempt
type Grant struct {
	Granted    bool          `json:"granted"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter throttles per-user submissions and concurrent execution slots
type Limiter interface {
	// TryAcquire atomically consumes one token of the given kind for a
	// user. Denials carry a positive RetryAfter computed from the
	// refill rate.
	TryAcquire(userID int64, kind AcquireKind) Grant

	// Release returns a previously acquired token of the given kind.
	// Submission tokens refill on their own and releasing one is a no-op.
	Release(userID int64, kind AcquireKind)

	// Budget returns a read-only snapshot of the user's remaining budget
	Budget(userID int64) RateBudget
}
