package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// minRefLength is the shortest request ID prefix accepted for lookups
const minRefLength = 8

// OrchestratorConfig carries the orchestrator's tunables
type OrchestratorConfig struct {
	RetentionWindow time.Duration
	PurgeInterval   time.Duration
}

// Orchestrator is the front door of the download pipeline. It admits
// submissions through the rate limiter and resolver, hands admitted
// requests to the scheduler, and answers status, cancellation, and
// stats lookups. On startup it re-queues requests interrupted by the
// previous shutdown and keeps the terminal backlog pruned.
type Orchestrator struct {
	resolver  SourceResolver
	scheduler *Scheduler
	store     Store
	limiter   Limiter
	notifier  Notifier
	logger    *zap.Logger

	retentionWindow time.Duration
	purgeInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator over an assembled pipeline
func NewOrchestrator(resolver SourceResolver, scheduler *Scheduler, store Store, limiter Limiter, notifier Notifier, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 30 * 24 * time.Hour
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 6 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		resolver:        resolver,
		scheduler:       scheduler,
		store:           store,
		limiter:         limiter,
		notifier:        notifier,
		logger:          logger.Named("orchestrator"),
		retentionWindow: cfg.RetentionWindow,
		purgeInterval:   cfg.PurgeInterval,
	}
}

// Start launches the scheduler, re-queues interrupted requests, and
// starts the retention sweep
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if err := o.scheduler.Start(o.ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := o.recover(o.ctx); err != nil {
		o.logger.Warn("startup recovery incomplete", zap.Error(err))
	}

	o.wg.Add(1)
	go o.purgeLoop()
	return nil
}

// Stop drains the pipeline. Running transfers are interrupted and stay
// recoverable. The scheduler stops first so interruptions are recorded
// as shutdown, not as cancellations.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit runs a locator through admission, resolution, and enqueueing.
// The returned request is already queued when the error is nil.
func (o *Orchestrator) Submit(ctx context.Context, userID, chatID int64, locator string, format MediaFormat) (*DownloadRequest, error) {
	request := &DownloadRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		ChatID:      chatID,
		Locator:     locator,
		Format:      format,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
	}

	if grant := o.limiter.TryAcquire(userID, KindSubmission); !grant.Granted {
		reason := NewDownloadError(CodeRateLimited, "submission budget exhausted").
			WithContext("retry_after_seconds", int64(math.Ceil(grant.RetryAfter.Seconds())))
		o.logger.Info("submission rate limited",
			zap.Int64("user_id", userID),
			zap.Duration("retry_after", grant.RetryAfter))
		o.notifier.NotifyRejected(ctx, request, reason)
		return nil, reason
	}

	request.Status = StatusResolving
	resolution, err := o.resolver.Resolve(ctx, locator, format)
	if err != nil {
		return nil, o.reject(ctx, request, err)
	}

	request.Title = resolution.Metadata.Title
	request.Truncated = resolution.Truncated
	request.Items = resolution.Items
	for _, item := range request.Items {
		item.RequestID = request.ID
	}

	if err := o.scheduler.Enqueue(request); err != nil {
		return nil, o.reject(ctx, request, err)
	}

	o.logger.Info("request submitted",
		zap.String("request_id", request.ID),
		zap.Int64("user_id", userID),
		zap.String("format", string(format)),
		zap.Int("items", len(request.Items)),
		zap.Bool("truncated", request.Truncated))
	return request, nil
}

// reject records a refused request and tells the user why
func (o *Orchestrator) reject(ctx context.Context, request *DownloadRequest, err error) error {
	reason, ok := AsDownloadError(err)
	if !ok {
		reason = NewDownloadErrorWithCause(CodeSourceUnreachable, "resolution failed", err)
	}

	request.Status = StatusFailed
	request.CompletedAt = time.Now()
	if saveErr := o.store.SaveRequest(context.Background(), request); saveErr != nil {
		o.logger.Error("persisting rejected request failed",
			zap.String("request_id", request.ID),
			zap.Error(saveErr))
	}

	o.logger.Info("request rejected",
		zap.String("request_id", request.ID),
		zap.Int64("user_id", request.UserID),
		zap.String("code", string(reason.Code)),
		zap.String("reason", reason.Message))
	o.notifier.NotifyRejected(ctx, request, reason)
	return reason
}

// Cancel resolves a request reference and cancels the live request
func (o *Orchestrator) Cancel(ctx context.Context, ref string) (*DownloadRequest, error) {
	id, err := o.resolveRef(ref)
	if err != nil {
		if !errors.Is(err, ErrUnknownRequest) {
			return nil, err
		}
		// Not live. Explain finished requests instead of claiming
		// ignorance.
		if stored, loadErr := o.store.LoadRequest(ctx, ref); loadErr == nil && stored.Status.Terminal() {
			return nil, fmt.Errorf("request %s already finished (%s)", shortID(stored.ID), stored.Status)
		}
		return nil, err
	}
	return o.scheduler.Cancel(id)
}

// Status reports a request by ID or unique prefix, falling back to the
// store for finished requests referenced by full ID
func (o *Orchestrator) Status(ctx context.Context, ref string) (*DownloadRequest, error) {
	id, err := o.resolveRef(ref)
	if err == nil {
		if snapshot, ok := o.scheduler.Status(id); ok {
			return snapshot, nil
		}
	} else if !errors.Is(err, ErrUnknownRequest) {
		return nil, err
	}
	if stored, loadErr := o.store.LoadRequest(ctx, ref); loadErr == nil {
		return stored, nil
	}
	return nil, ErrUnknownRequest
}

// resolveRef maps a user-supplied reference to a live request ID
func (o *Orchestrator) resolveRef(ref string) (string, error) {
	if len(ref) < minRefLength {
		return "", fmt.Errorf("request reference %q is too short, need at least %d characters", ref, minRefLength)
	}
	if _, ok := o.scheduler.Status(ref); ok {
		return ref, nil
	}
	return o.scheduler.FindByPrefix(ref)
}

// Queue returns the scheduler's current queue state
func (o *Orchestrator) Queue() QueueSnapshot {
	return o.scheduler.Snapshot()
}

// UserStats returns a user's lifetime outcome counters
func (o *Orchestrator) UserStats(ctx context.Context, userID int64) (*OutcomeStats, error) {
	return o.store.UserStats(ctx, userID)
}

// Budget returns a user's remaining submission and slot budget
func (o *Orchestrator) Budget(userID int64) RateBudget {
	return o.limiter.Budget(userID)
}

// recover re-queues requests the previous shutdown interrupted. Requests
// that never finished resolving cannot be resumed and fail outright.
func (o *Orchestrator) recover(ctx context.Context) error {
	pending, err := o.store.LoadPendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("loading pending requests: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	requeued, abandoned := 0, 0
	for _, request := range pending {
		if len(request.Items) == 0 {
			request.Status = StatusFailed
			request.CompletedAt = time.Now()
			if err := o.store.SaveRequest(ctx, request); err != nil {
				o.logger.Error("abandoning unresolved request failed",
					zap.String("request_id", request.ID),
					zap.Error(err))
			}
			abandoned++
			continue
		}
		if err := o.scheduler.Enqueue(request); err != nil {
			o.logger.Warn("re-queueing interrupted request failed",
				zap.String("request_id", request.ID),
				zap.Error(err))
			continue
		}
		requeued++
	}

	o.logger.Info("startup recovery finished",
		zap.Int("requeued", requeued),
		zap.Int("abandoned", abandoned))
	return nil
}

// purgeLoop prunes terminal requests older than the retention window
func (o *Orchestrator) purgeLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			removed, err := o.store.PurgeTerminal(o.ctx, o.retentionWindow)
			if err != nil {
				o.logger.Error("retention purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				o.logger.Info("retention purge removed finished requests",
					zap.Int64("removed", removed))
			}
		}
	}
}
