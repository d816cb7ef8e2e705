package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// progressSample pairs a request with its most recent transfer progress
type progressSample struct {
	request  *DownloadRequest
	progress Progress
}

// ProgressCoalescer batches high-frequency transfer progress into
// per-request notifications at a fixed cadence. Samples arriving faster
// than the cadence overwrite each other, so only the latest sample per
// request reaches the notifier on each tick.
type ProgressCoalescer struct {
	interval time.Duration
	notifier Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	pending   map[string]progressSample

	ctx        context.Context
	cancel     context.CancelFunc
	updateChan chan progressSample
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewProgressCoalescer creates a coalescer delivering to notifier every
// interval
func NewProgressCoalescer(notifier Notifier, interval time.Duration, logger *zap.Logger) *ProgressCoalescer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressCoalescer{
		interval: interval,
		notifier: notifier,
		logger:   logger.Named("progress"),
		pending:  make(map[string]progressSample),
	}
}

// Start begins the delivery loop
func (pc *ProgressCoalescer) Start(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.isRunning {
		return errors.New("progress coalescer is already running")
	}

	pc.updateChan = make(chan progressSample, 64)
	pc.stopChan = make(chan struct{})
	pc.doneChan = make(chan struct{})
	pc.ctx, pc.cancel = context.WithCancel(ctx)
	pc.isRunning = true

	go pc.deliverLoop()

	return nil
}

// Stop halts delivery and waits for the loop to drain
func (pc *ProgressCoalescer) Stop() {
	pc.mu.Lock()
	if !pc.isRunning {
		pc.mu.Unlock()
		return
	}
	close(pc.stopChan)
	if pc.cancel != nil {
		pc.cancel()
	}
	pc.isRunning = false
	pc.mu.Unlock()

	<-pc.doneChan
}

// Observe records a progress sample for the request. Never blocks: when
// the intake channel is full the sample is dropped, a later one will
// replace it anyway.
func (pc *ProgressCoalescer) Observe(request *DownloadRequest, progress Progress) {
	pc.mu.Lock()
	if !pc.isRunning {
		pc.mu.Unlock()
		return
	}
	pc.mu.Unlock()

	select {
	case pc.updateChan <- progressSample{request: request, progress: progress}:
	default:
	}
}

// Forget drops any pending sample for the request. Called when a request
// reaches a terminal state so no progress edit lands after the summary.
func (pc *ProgressCoalescer) Forget(requestID string) {
	pc.mu.Lock()
	delete(pc.pending, requestID)
	pc.mu.Unlock()
}

// Pending returns the number of requests with an undelivered sample
func (pc *ProgressCoalescer) Pending() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.pending)
}

// IsRunning returns whether the delivery loop is active
func (pc *ProgressCoalescer) IsRunning() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.isRunning
}

// deliverLoop accumulates samples and flushes the latest one per request
// on each tick
func (pc *ProgressCoalescer) deliverLoop() {
	defer close(pc.doneChan)

	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.ctx.Done():
			return

		case <-pc.stopChan:
			return

		case sample := <-pc.updateChan:
			pc.mu.Lock()
			pc.pending[sample.request.ID] = sample
			pc.mu.Unlock()

		case <-ticker.C:
			pc.mu.Lock()
			if len(pc.pending) == 0 {
				pc.mu.Unlock()
				continue
			}
			batch := pc.pending
			pc.pending = make(map[string]progressSample, len(batch))
			pc.mu.Unlock()

			for _, sample := range batch {
				pc.notifier.NotifyProgress(pc.ctx, sample.request, sample.progress)
			}
		}
	}
}
