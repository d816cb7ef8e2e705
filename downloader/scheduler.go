package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrUnknownRequest is returned for operations on requests the scheduler
// does not track
var ErrUnknownRequest = errors.New("unknown request")

// ErrAmbiguousPrefix is returned when an ID prefix matches more than one
// tracked request
var ErrAmbiguousPrefix = errors.New("prefix matches more than one request")

// queuedItem pairs an item with its owning request while it waits for a
// worker
type queuedItem struct {
	request *DownloadRequest
	item    *DownloadItem
	runCtx  context.Context
}

// QueueEntry describes one queued item for display
type QueueEntry struct {
	RequestID    string `json:"request_id"`
	Index        int    `json:"index"`
	Title        string `json:"title,omitempty"`
	UserID       int64  `json:"user_id"`
	Continuation bool   `json:"continuation"`
}

// QueueSnapshot is a point-in-time view of the scheduler's queues
type QueueSnapshot struct {
	ContinuationDepth int          `json:"continuation_depth"`
	FreshDepth        int          `json:"fresh_depth"`
	Running           int          `json:"running"`
	ActiveRequests    int          `json:"active_requests"`
	Capacity          int          `json:"capacity"`
	Entries           []QueueEntry `json:"entries,omitempty"`
}

// SchedulerConfig carries the scheduler's tunables
type SchedulerConfig struct {
	Workers        int
	Capacity       int
	MaxRetries     int
	InitialBackoff time.Duration
	VerboseRetries bool
}

// Scheduler owns the dispatch queues and every status transition after
// admission. Items dispatch FIFO across two tiers: remaining items of
// requests that already started run before first items of requests that
// have not, so a playlist in flight finishes before new work begins.
// The per-user concurrency cap is checked at dispatch time; entries
// whose user has no free slot are skipped without losing their place.
//
// The executor performs exactly one attempt per dispatch. Transient
// failures re-enter the continuation tier after an exponential backoff
// delay until the retry budget runs out.
type Scheduler struct {
	executor  ItemExecutor
	store     Store
	notifier  Notifier
	limiter   Limiter
	coalescer *ProgressCoalescer
	logger    *zap.Logger

	workers        int
	capacity       int
	maxRetries     int
	initialBackoff time.Duration
	verboseRetries bool

	mu              sync.Mutex
	continuation    []*queuedItem
	fresh           []*queuedItem
	requests        map[string]*DownloadRequest
	started         map[string]bool
	cancelRequested map[string]bool
	running         map[string]context.CancelFunc
	retryTimers     map[string]*time.Timer
	retryBackoff    map[string]*backoff.ExponentialBackOff
	stopping        bool

	sem    *semaphore.Weighted
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. The coalescer must not be started;
// the scheduler owns its lifecycle.
func NewScheduler(executor ItemExecutor, store Store, notifier Notifier, limiter Limiter, coalescer *ProgressCoalescer, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 20
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		executor:        executor,
		store:           store,
		notifier:        notifier,
		limiter:         limiter,
		coalescer:       coalescer,
		logger:          logger.Named("scheduler"),
		workers:         cfg.Workers,
		capacity:        cfg.Capacity,
		maxRetries:      cfg.MaxRetries,
		initialBackoff:  cfg.InitialBackoff,
		verboseRetries:  cfg.VerboseRetries,
		requests:        make(map[string]*DownloadRequest),
		started:         make(map[string]bool),
		cancelRequested: make(map[string]bool),
		running:         make(map[string]context.CancelFunc),
		retryTimers:     make(map[string]*time.Timer),
		retryBackoff:    make(map[string]*backoff.ExponentialBackOff),
		sem:             semaphore.NewWeighted(int64(cfg.Workers)),
		wake:            make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.coalescer.Start(s.ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.dispatchLoop()

	s.logger.Info("scheduler started",
		zap.Int("workers", s.workers),
		zap.Int("capacity", s.capacity),
		zap.Int("max_retries", s.maxRetries))
	return nil
}

// Stop cancels running transfers and waits for workers to return.
// Interrupted items keep their running status in the store so startup
// recovery re-queues them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	for key, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.coalescer.Stop()
	s.logger.Info("scheduler stopped")
}

// Enqueue admits a resolved request into the dispatch queue. Requests
// with a terminal item already on record (startup recovery) join the
// continuation tier; everything else starts fresh.
func (s *Scheduler) Enqueue(request *DownloadRequest) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return NewDownloadError(CodeQueueSaturated, "scheduler is shutting down")
	}
	if len(s.requests) >= s.capacity {
		s.mu.Unlock()
		return NewDownloadError(CodeQueueSaturated, "download queue is full").
			WithContext("capacity", s.capacity)
	}
	if _, exists := s.requests[request.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("request %s is already queued", request.ID)
	}

	request.Status = StatusQueued
	s.requests[request.ID] = request

	resumed := false
	for _, item := range request.Items {
		if item.Status.Terminal() {
			resumed = true
			break
		}
	}
	queued := 0
	for _, item := range request.Items {
		if item.Status.Terminal() {
			continue
		}
		item.Status = ItemQueued
		queued++
	}
	if resumed {
		s.started[request.ID] = true
	}

	if queued == 0 {
		snapshot, terminalEvent := s.settleLocked(request)
		s.mu.Unlock()
		if terminalEvent != "" {
			s.notifier.Notify(context.Background(), snapshot, terminalEvent)
		}
		return nil
	}

	s.persistRequest(request)
	snapshot := snapshotRequest(request)
	s.mu.Unlock()

	s.logger.Info("request queued",
		zap.String("request_id", request.ID),
		zap.Int64("user_id", request.UserID),
		zap.Int("items", queued),
		zap.Bool("resumed", resumed))

	// Confirm admission before any item can dispatch, so the resolved
	// notification always precedes item and terminal ones.
	s.notifier.Notify(context.Background(), snapshot, EventResolved)

	s.mu.Lock()
	if _, live := s.requests[request.ID]; live && !s.cancelRequested[request.ID] {
		for _, item := range request.Items {
			if item.Status != ItemQueued {
				continue
			}
			entry := &queuedItem{request: request, item: item}
			if s.started[request.ID] {
				s.continuation = append(s.continuation, entry)
			} else {
				s.fresh = append(s.fresh, entry)
			}
		}
	}
	s.mu.Unlock()

	s.signal()
	return nil
}

// Cancel moves every non-terminal item of the request toward cancelled.
// Queued items (including ones waiting out a retry delay) cancel
// immediately; running items cancel cooperatively and settle when their
// executor returns.
func (s *Scheduler) Cancel(requestID string) (*DownloadRequest, error) {
	s.mu.Lock()
	request, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownRequest
	}
	s.cancelRequested[requestID] = true
	s.removeQueuedLocked(requestID)

	for _, item := range request.Items {
		key := itemKey(item)
		if timer, exists := s.retryTimers[key]; exists {
			timer.Stop()
			delete(s.retryTimers, key)
		}
		switch {
		case item.Status.Terminal():
		case item.Status == ItemRunning:
			if cancelItem, running := s.running[key]; running {
				cancelItem()
			}
		default:
			item.Status = ItemCancelled
			s.persistItem(item)
		}
	}

	snapshot, terminalEvent := s.settleLocked(request)
	s.mu.Unlock()

	s.logger.Info("cancellation requested", zap.String("request_id", requestID))
	if terminalEvent != "" {
		s.notifier.Notify(context.Background(), snapshot, terminalEvent)
	}
	s.signal()
	return snapshot, nil
}

// Status returns a snapshot of a tracked request
func (s *Scheduler) Status(requestID string) (*DownloadRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[requestID]
	if !ok {
		return nil, false
	}
	return snapshotRequest(request), true
}

// FindByPrefix resolves an ID prefix to exactly one tracked request
func (s *Scheduler) FindByPrefix(prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match string
	for id := range s.requests {
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return "", ErrAmbiguousPrefix
			}
			match = id
		}
	}
	if match == "" {
		return "", ErrUnknownRequest
	}
	return match, nil
}

// Snapshot returns the current queue state for display
func (s *Scheduler) Snapshot() QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := QueueSnapshot{
		ContinuationDepth: len(s.continuation),
		FreshDepth:        len(s.fresh),
		Running:           len(s.running),
		ActiveRequests:    len(s.requests),
		Capacity:          s.capacity,
	}
	for _, entry := range s.continuation {
		snapshot.Entries = append(snapshot.Entries, queueEntry(entry, true))
	}
	for _, entry := range s.fresh {
		snapshot.Entries = append(snapshot.Entries, queueEntry(entry, false))
	}
	return snapshot
}

// ObserveProgress feeds executor progress samples into the per-request
// coalescer. Only immutable request fields cross this boundary.
func (s *Scheduler) ObserveProgress(item *DownloadItem, progress Progress) {
	s.mu.Lock()
	request, ok := s.requests[item.RequestID]
	if !ok || s.stopping {
		s.mu.Unlock()
		return
	}
	thin := &DownloadRequest{
		ID:      request.ID,
		UserID:  request.UserID,
		ChatID:  request.ChatID,
		Locator: request.Locator,
		Title:   request.Title,
	}
	s.mu.Unlock()

	s.coalescer.Observe(thin, progress)
}

// signal nudges the dispatch loop without blocking
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop reacts to wake signals by starting eligible work
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.dispatchEligible()
		}
	}
}

// dispatchEligible starts queued items until the global slots or the
// eligible queue run out
func (s *Scheduler) dispatchEligible() {
	for {
		if !s.sem.TryAcquire(1) {
			return
		}
		entry := s.takeNext()
		if entry == nil {
			s.sem.Release(1)
			return
		}
		s.wg.Add(1)
		go s.runItem(entry)
	}
}

// takeNext removes and claims the next dispatchable item, continuation
// tier first
func (s *Scheduler) takeNext() *queuedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.takeFromTierLocked(&s.continuation); entry != nil {
		return s.markRunningLocked(entry)
	}
	if entry := s.takeFromTierLocked(&s.fresh); entry != nil {
		return s.markRunningLocked(entry)
	}
	return nil
}

// takeFromTierLocked removes the first entry whose user has a free
// concurrency slot. Skipped entries keep their positions. Must be called
// with the lock held.
func (s *Scheduler) takeFromTierLocked(tier *[]*queuedItem) *queuedItem {
	for i, entry := range *tier {
		grant := s.limiter.TryAcquire(entry.request.UserID, KindConcurrentSlot)
		if !grant.Granted {
			continue
		}
		*tier = append((*tier)[:i], (*tier)[i+1:]...)
		return entry
	}
	return nil
}

// markRunningLocked transitions a claimed entry to running and registers
// its cancel handle. Must be called with the lock held.
func (s *Scheduler) markRunningLocked(entry *queuedItem) *queuedItem {
	runCtx, cancelItem := context.WithCancel(s.ctx)
	entry.runCtx = runCtx
	s.running[itemKey(entry.item)] = cancelItem

	entry.item.Status = ItemRunning
	s.persistItem(entry.item)

	if !s.started[entry.request.ID] {
		s.started[entry.request.ID] = true
		s.migrateFreshLocked(entry.request.ID)
	}
	if entry.request.Status == StatusQueued {
		entry.request.Status = StatusRunning
		s.persistRequest(entry.request)
	}
	return entry
}

// migrateFreshLocked moves a request's remaining fresh entries into the
// continuation tier once its first item dispatches. Must be called with
// the lock held.
func (s *Scheduler) migrateFreshLocked(requestID string) {
	var kept, moved []*queuedItem
	for _, entry := range s.fresh {
		if entry.request.ID == requestID {
			moved = append(moved, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	if len(moved) == 0 {
		return
	}
	s.fresh = kept
	s.continuation = append(s.continuation, moved...)
}

// runItem executes one attempt and settles the outcome
func (s *Scheduler) runItem(entry *queuedItem) {
	defer s.wg.Done()

	result, err := s.executor.Execute(entry.runCtx, entry.request, entry.item)

	s.limiter.Release(entry.request.UserID, KindConcurrentSlot)
	s.sem.Release(1)
	s.finishItem(entry, result, err)
	s.signal()
}

// finishItem applies the attempt outcome to the item and request state
func (s *Scheduler) finishItem(entry *queuedItem, result *Result, err error) {
	key := itemKey(entry.item)

	s.mu.Lock()
	delete(s.running, key)

	if s.stopping && errors.Is(err, context.Canceled) && !s.cancelRequested[entry.request.ID] {
		// Shutdown interrupted the transfer. The item keeps its running
		// status in the store so startup recovery re-queues it.
		s.mu.Unlock()
		return
	}

	var itemEvent Event
	switch {
	case err == nil:
		entry.item.Status = ItemSucceeded
		entry.item.BytesWritten = result.BytesWritten
		entry.item.OutputPath = result.OutputPath
		if entry.item.Title == "" && result.Title != "" {
			entry.item.Title = result.Title
		}
		if entry.request.Title == "" && len(entry.request.Items) == 1 {
			entry.request.Title = entry.item.Title
		}
		itemEvent = EventItemSucceeded

	case errors.Is(err, context.Canceled):
		entry.item.Status = ItemCancelled

	case IsTransient(err) && entry.item.RetryCount < s.maxRetries:
		entry.item.RetryCount++
		entry.item.LastErrorCode = errorCode(err)
		entry.item.Status = ItemQueued
		delay := s.nextRetryDelayLocked(key)
		s.scheduleRetryLocked(entry, key, delay)
		s.persistItem(entry.item)
		s.mu.Unlock()

		s.retryLog()("transfer attempt failed, retrying",
			zap.String("request_id", entry.request.ID),
			zap.Int("index", entry.item.Index),
			zap.Int("attempt", entry.item.RetryCount),
			zap.Int("max_retries", s.maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		return

	default:
		entry.item.Status = ItemFailed
		entry.item.LastErrorCode = errorCode(err)
		itemEvent = EventItemFailed
		s.logger.Warn("item failed",
			zap.String("request_id", entry.request.ID),
			zap.Int("index", entry.item.Index),
			zap.String("code", string(entry.item.LastErrorCode)),
			zap.Error(err))
	}

	s.persistItem(entry.item)
	snapshot, terminalEvent := s.settleLocked(entry.request)
	var itemSnapshot *DownloadItem
	if itemEvent != "" {
		itemSnapshot = snapshot.Items[entry.item.Index]
	}
	s.mu.Unlock()

	if itemEvent != "" {
		s.notifier.NotifyItem(context.Background(), snapshot, itemSnapshot, itemEvent)
	}
	if terminalEvent != "" {
		s.notifier.Notify(context.Background(), snapshot, terminalEvent)
	}
}

// settleLocked recomputes the request aggregate after item transitions
// and finalizes the request once it turns terminal. Must be called with
// the lock held. The returned event is non-empty exactly once per
// request lifetime.
func (s *Scheduler) settleLocked(request *DownloadRequest) (*DownloadRequest, Event) {
	previous := request.Status
	request.Status = request.Aggregate()

	if !request.Status.Terminal() {
		if request.Status != previous {
			s.persistRequest(request)
		}
		return snapshotRequest(request), ""
	}

	request.CompletedAt = time.Now()
	s.releaseRequestLocked(request.ID)
	s.coalescer.Forget(request.ID)
	s.persistRequest(request)

	var bytes int64
	for _, item := range request.Items {
		bytes += item.BytesWritten
	}
	if err := s.store.RecordOutcome(context.Background(), request.UserID, request.Status, bytes); err != nil {
		s.logger.Error("recording outcome failed",
			zap.String("request_id", request.ID),
			zap.Error(err))
	}

	s.logger.Info("request finished",
		zap.String("request_id", request.ID),
		zap.String("status", string(request.Status)),
		zap.Int64("bytes", bytes),
		zap.Duration("elapsed", request.CompletedAt.Sub(request.SubmittedAt)))

	event, _ := TerminalEvent(request.Status)
	return snapshotRequest(request), event
}

// releaseRequestLocked drops all scheduler state for a request. Must be
// called with the lock held.
func (s *Scheduler) releaseRequestLocked(requestID string) {
	delete(s.requests, requestID)
	delete(s.started, requestID)
	delete(s.cancelRequested, requestID)
	s.removeQueuedLocked(requestID)
	for key, timer := range s.retryTimers {
		if strings.HasPrefix(key, requestID+"/") {
			timer.Stop()
			delete(s.retryTimers, key)
		}
	}
	for key := range s.retryBackoff {
		if strings.HasPrefix(key, requestID+"/") {
			delete(s.retryBackoff, key)
		}
	}
}

// removeQueuedLocked strips a request's entries from both tiers. Must be
// called with the lock held.
func (s *Scheduler) removeQueuedLocked(requestID string) {
	filter := func(tier []*queuedItem) []*queuedItem {
		kept := tier[:0]
		for _, entry := range tier {
			if entry.request.ID != requestID {
				kept = append(kept, entry)
			}
		}
		return kept
	}
	s.continuation = filter(s.continuation)
	s.fresh = filter(s.fresh)
}

// nextRetryDelayLocked returns the next backoff delay for an item. Must
// be called with the lock held.
func (s *Scheduler) nextRetryDelayLocked(key string) time.Duration {
	b, ok := s.retryBackoff[key]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.initialBackoff
		b.RandomizationFactor = 0.2
		b.Multiplier = 2
		b.MaxInterval = 2 * time.Minute
		b.MaxElapsedTime = 0
		b.Reset()
		s.retryBackoff[key] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = s.initialBackoff
	}
	return delay
}

// scheduleRetryLocked re-queues an item into the continuation tier after
// its backoff delay. Must be called with the lock held.
func (s *Scheduler) scheduleRetryLocked(entry *queuedItem, key string, delay time.Duration) {
	s.retryTimers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retryTimers, key)
		if s.stopping || s.cancelRequested[entry.request.ID] {
			s.mu.Unlock()
			return
		}
		if _, live := s.requests[entry.request.ID]; !live {
			s.mu.Unlock()
			return
		}
		s.continuation = append(s.continuation, entry)
		s.mu.Unlock()
		s.signal()
	})
}

// persistItem writes an item transition to the store
func (s *Scheduler) persistItem(item *DownloadItem) {
	if err := s.store.SaveItem(context.Background(), item); err != nil {
		s.logger.Error("persisting item failed",
			zap.String("request_id", item.RequestID),
			zap.Int("index", item.Index),
			zap.Error(err))
	}
}

// persistRequest writes a request transition to the store
func (s *Scheduler) persistRequest(request *DownloadRequest) {
	if err := s.store.SaveRequest(context.Background(), request); err != nil {
		s.logger.Error("persisting request failed",
			zap.String("request_id", request.ID),
			zap.Error(err))
	}
}

// retryLog picks the log level retry attempts are reported at
func (s *Scheduler) retryLog() func(string, ...zap.Field) {
	if s.verboseRetries {
		return s.logger.Info
	}
	return s.logger.Debug
}

// snapshotRequest returns a deep copy safe to read outside the lock
func snapshotRequest(request *DownloadRequest) *DownloadRequest {
	copied := *request
	copied.Items = make([]*DownloadItem, len(request.Items))
	for i, item := range request.Items {
		itemCopy := *item
		copied.Items[i] = &itemCopy
	}
	return &copied
}

// itemKey builds the map key for one item
func itemKey(item *DownloadItem) string {
	return fmt.Sprintf("%s/%d", item.RequestID, item.Index)
}

// queueEntry converts a queued item for display
func queueEntry(entry *queuedItem, continuation bool) QueueEntry {
	return QueueEntry{
		RequestID:    entry.request.ID,
		Index:        entry.item.Index,
		Title:        entry.item.Title,
		UserID:       entry.request.UserID,
		Continuation: continuation,
	}
}

// errorCode extracts the taxonomy code from a classified error
func errorCode(err error) ErrorCode {
	if de, ok := AsDownloadError(err); ok {
		return de.Code
	}
	return ""
}
