package downloader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubResolver returns canned resolutions for orchestrator tests
type stubResolver struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, locator string, format MediaFormat) (*Resolution, error)
}

func (r *stubResolver) Resolve(ctx context.Context, locator string, format MediaFormat) (*Resolution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, locator)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, locator, format)
	}
	return &Resolution{
		Items:    resolvedItems(locator),
		Metadata: SourceMetadata{Title: "stub media", Format: format, Kind: TransferDirect},
	}, nil
}

func (r *stubResolver) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func resolvedItems(locators ...string) []*DownloadItem {
	items := make([]*DownloadItem, len(locators))
	for i, locator := range locators {
		items[i] = &DownloadItem{
			Index:   i,
			Locator: locator,
			Format:  FormatVideo,
			Kind:    TransferDirect,
			Status:  ItemQueued,
		}
	}
	return items
}

// orchestratorHarness bundles a full pipeline over stub edges
type orchestratorHarness struct {
	orchestrator *Orchestrator
	resolver     *stubResolver
	store        *MockStore
	notifier     *MockNotifier
	executor     *stubExecutor
	limiter      *UserRateLimiter
}

type orchestratorOptions struct {
	schedulerCfg SchedulerConfig
	perWindow    int
	slotCap      int
	resolveFn    func(ctx context.Context, locator string, format MediaFormat) (*Resolution, error)
	executeFn    func(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error)
	start        bool
}

func newOrchestratorHarness(t *testing.T, opts orchestratorOptions) *orchestratorHarness {
	t.Helper()

	if opts.schedulerCfg.Workers == 0 {
		opts.schedulerCfg = SchedulerConfig{Workers: 2, Capacity: 10, MaxRetries: 1, InitialBackoff: 10 * time.Millisecond}
	}
	if opts.perWindow == 0 {
		opts.perWindow = 100
	}
	if opts.slotCap == 0 {
		opts.slotCap = 2
	}

	store := NewMockStore()
	notifier := &MockNotifier{}
	resolver := &stubResolver{fn: opts.resolveFn}
	executor := newStubExecutor(opts.executeFn)
	limiter := NewUserRateLimiter(opts.perWindow, time.Minute, opts.slotCap, 0, 0, nil)
	coalescer := NewProgressCoalescer(notifier, 50*time.Millisecond, nil)
	scheduler := NewScheduler(executor, store, notifier, limiter, coalescer, opts.schedulerCfg, nil)
	orchestrator := NewOrchestrator(resolver, scheduler, store, limiter, notifier, OrchestratorConfig{
		RetentionWindow: time.Hour,
		PurgeInterval:   time.Hour,
	}, nil)

	if opts.start {
		if err := orchestrator.Start(context.Background()); err != nil {
			t.Fatalf("starting orchestrator: %v", err)
		}
		t.Cleanup(orchestrator.Stop)
	}

	return &orchestratorHarness{
		orchestrator: orchestrator,
		resolver:     resolver,
		store:        store,
		notifier:     notifier,
		executor:     executor,
		limiter:      limiter,
	}
}

func TestOrchestrator_SubmitSingleLifecycle(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{start: true})

	request, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/clip.mp4", FormatVideo)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if request.ID == "" || len(request.ID) != 36 {
		t.Errorf("expected UUID request id, got %q", request.ID)
	}
	if request.Title != "stub media" {
		t.Errorf("expected resolution title to carry over, got %q", request.Title)
	}
	for _, item := range request.Items {
		if item.RequestID != request.ID {
			t.Errorf("expected item to carry request id %q, got %q", request.ID, item.RequestID)
		}
	}

	waitFor(t, "request to complete", func() bool {
		terminal := terminalEvents(h.notifier.GetEvents())
		return len(terminal) == 1 && terminal[0].Event == EventRequestCompleted
	})

	events := h.notifier.GetEvents()
	if events[0].Event != EventResolved {
		t.Errorf("expected first notification %q, got %q", EventResolved, events[0].Event)
	}
	saved, ok := h.store.GetRequest(request.ID)
	if !ok || saved.Status != StatusCompleted {
		t.Errorf("expected persisted completed request, got %+v ok=%v", saved.Status, ok)
	}
	outcomes := h.store.GetOutcomes()
	if len(outcomes) != 1 || outcomes[0].Status != StatusCompleted {
		t.Errorf("expected one completed outcome, got %v", outcomes)
	}
}

func TestOrchestrator_PlaylistPartialLifecycle(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{
		start: true,
		resolveFn: func(ctx context.Context, locator string, format MediaFormat) (*Resolution, error) {
			return &Resolution{
				Items: resolvedItems(
					"https://cdn.example.com/one.mp4",
					"https://cdn.example.com/two.mp4",
					"https://cdn.example.com/three.mp4"),
				Metadata: SourceMetadata{Title: "three clips", ItemCount: 3},
			}, nil
		},
		executeFn: func(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
			if item.Index == 1 {
				return nil, NewDownloadError(CodeSourceRemoved, "gone upstream")
			}
			return &Result{BytesWritten: 100, FinalStatus: ItemSucceeded}, nil
		},
	})

	request, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://platform.example.com/playlist/42", FormatPlaylistVideo)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	waitFor(t, "request to settle partial", func() bool {
		terminal := terminalEvents(h.notifier.GetEvents())
		return len(terminal) == 1 && terminal[0].Event == EventRequestPartial
	})

	expected := []ItemStatus{ItemSucceeded, ItemFailed, ItemSucceeded}
	for index, want := range expected {
		item, ok := h.store.GetItem(request.ID, index)
		if !ok {
			t.Fatalf("item %d not persisted", index)
		}
		if item.Status != want {
			t.Errorf("item %d: expected status %q, got %q", index, want, item.Status)
		}
	}
	item, _ := h.store.GetItem(request.ID, 1)
	if item.LastErrorCode != CodeSourceRemoved {
		t.Errorf("expected failed item code %q, got %q", CodeSourceRemoved, item.LastErrorCode)
	}

	outcomes := h.store.GetOutcomes()
	if len(outcomes) != 1 || outcomes[0].Status != StatusPartial || outcomes[0].Bytes != 200 {
		t.Errorf("expected one partial outcome with 200 bytes, got %v", outcomes)
	}
}

func TestOrchestrator_RateLimitedSubmissionRejected(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{start: true, perWindow: 1})

	if _, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/a.mp4", FormatVideo); err != nil {
		t.Fatalf("first submission should pass, got %v", err)
	}

	_, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/b.mp4", FormatVideo)
	if !IsDownloadError(err, CodeRateLimited) {
		t.Fatalf("expected %q error, got %v", CodeRateLimited, err)
	}
	reason, _ := AsDownloadError(err)
	if _, ok := reason.Context["retry_after_seconds"]; !ok {
		t.Error("expected rejection to carry retry_after_seconds")
	}

	rejections := h.notifier.GetRejections()
	if len(rejections) != 1 || rejections[0].Code != CodeRateLimited {
		t.Errorf("expected one rate-limited rejection, got %v", rejections)
	}
	// The denied submission never reached the resolver or the store.
	if h.resolver.CallCount() != 1 {
		t.Errorf("expected 1 resolver call, got %d", h.resolver.CallCount())
	}
}

func TestOrchestrator_ResolutionFailureRejects(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{
		start: true,
		resolveFn: func(ctx context.Context, locator string, format MediaFormat) (*Resolution, error) {
			return nil, NewDownloadError(CodeInvalidLocator, "not a retrievable locator")
		},
	})

	_, err := h.orchestrator.Submit(context.Background(), 100, 100, "nonsense", FormatVideo)
	if !IsDownloadError(err, CodeInvalidLocator) {
		t.Fatalf("expected %q error, got %v", CodeInvalidLocator, err)
	}

	rejections := h.notifier.GetRejections()
	if len(rejections) != 1 || rejections[0].Code != CodeInvalidLocator {
		t.Fatalf("expected one invalid-locator rejection, got %v", rejections)
	}
	saved, ok := h.store.GetRequest(rejections[0].RequestID)
	if !ok {
		t.Fatal("expected rejected request to be persisted")
	}
	if saved.Status != StatusFailed {
		t.Errorf("expected persisted status %q, got %q", StatusFailed, saved.Status)
	}
	if len(terminalEvents(h.notifier.GetEvents())) != 0 {
		t.Error("rejections must not produce terminal notifications")
	}
}

func TestOrchestrator_QueueSaturationRejects(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newOrchestratorHarness(t, orchestratorOptions{
		start:        true,
		schedulerCfg: SchedulerConfig{Workers: 1, Capacity: 1},
		executeFn: func(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
			<-release
			return &Result{BytesWritten: 10, FinalStatus: ItemSucceeded}, nil
		},
	})

	if _, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/a.mp4", FormatVideo); err != nil {
		t.Fatalf("first submission should pass, got %v", err)
	}

	_, err := h.orchestrator.Submit(context.Background(), 200, 200, "https://cdn.example.com/b.mp4", FormatVideo)
	if !IsDownloadError(err, CodeQueueSaturated) {
		t.Fatalf("expected %q error, got %v", CodeQueueSaturated, err)
	}
	rejections := h.notifier.GetRejections()
	if len(rejections) != 1 || rejections[0].Code != CodeQueueSaturated {
		t.Errorf("expected one queue-saturated rejection, got %v", rejections)
	}
}

func TestOrchestrator_CancelByPrefix(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newOrchestratorHarness(t, orchestratorOptions{
		start: true,
		executeFn: func(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &Result{BytesWritten: 10, FinalStatus: ItemSucceeded}, nil
		},
	})

	request, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/a.mp4", FormatVideo)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if _, err := h.orchestrator.Cancel(context.Background(), "short"); err == nil {
		t.Error("expected too-short reference to be refused")
	}

	snapshot, err := h.orchestrator.Cancel(context.Background(), request.ID[:8])
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if snapshot.ID != request.ID {
		t.Errorf("expected cancel to hit %q, got %q", request.ID, snapshot.ID)
	}

	waitFor(t, "cancellation to settle", func() bool {
		terminal := terminalEvents(h.notifier.GetEvents())
		return len(terminal) == 1 && terminal[0].Event == EventRequestCancelled
	})

	if _, err := h.orchestrator.Cancel(context.Background(), request.ID); err == nil {
		t.Error("expected cancelling a finished request to fail")
	} else if !strings.Contains(err.Error(), "already finished") {
		t.Errorf("expected already-finished explanation, got %v", err)
	}
}

func TestOrchestrator_StatusFallsBackToStore(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{start: true})

	request, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/a.mp4", FormatVideo)
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitFor(t, "request to complete", func() bool {
		return len(terminalEvents(h.notifier.GetEvents())) == 1
	})

	status, err := h.orchestrator.Status(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Status != StatusCompleted {
		t.Errorf("expected stored status %q, got %q", StatusCompleted, status.Status)
	}

	if _, err := h.orchestrator.Status(context.Background(), "00000000-dead-beef-0000-000000000000"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("expected ErrUnknownRequest for unknown id, got %v", err)
	}
}

func TestOrchestrator_RecoveryRequeuesInterrupted(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{})

	interrupted := schedulerRequest("11111111-aaaa-bbbb-cccc-dddddddddddd", 100,
		"https://cdn.example.com/a.mp4", "https://cdn.example.com/b.mp4")
	interrupted.Status = StatusRunning
	interrupted.Items[0].Status = ItemSucceeded
	interrupted.Items[0].BytesWritten = 400
	interrupted.Items[1].Status = ItemRunning

	unresolved := &DownloadRequest{
		ID:          "22222222-aaaa-bbbb-cccc-dddddddddddd",
		UserID:      200,
		ChatID:      200,
		Locator:     "https://cdn.example.com/never-resolved.mp4",
		Format:      FormatVideo,
		Status:      StatusResolving,
		SubmittedAt: time.Now(),
	}
	h.store.SetPending(interrupted, unresolved)

	if err := h.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("starting orchestrator: %v", err)
	}
	t.Cleanup(h.orchestrator.Stop)

	waitFor(t, "interrupted request to finish", func() bool {
		terminal := terminalEvents(h.notifier.GetEvents())
		return len(terminal) == 1 && terminal[0].Event == EventRequestCompleted
	})

	calls := h.executor.GetCalls()
	if len(calls) != 1 || calls[0].Index != 1 {
		t.Errorf("expected only the interrupted item to run, got %v", calls)
	}
	outcomes := h.store.GetOutcomes()
	if len(outcomes) != 1 || outcomes[0].Bytes != 400+1024 {
		t.Errorf("expected outcome bytes %d, got %v", 400+1024, outcomes)
	}

	abandoned, ok := h.store.GetRequest(unresolved.ID)
	if !ok || abandoned.Status != StatusFailed {
		t.Errorf("expected unresolved request to be abandoned as failed, got %+v ok=%v", abandoned.Status, ok)
	}
}

func TestOrchestrator_UserStatsAggregateOutcomes(t *testing.T) {
	h := newOrchestratorHarness(t, orchestratorOptions{start: true})

	if _, err := h.orchestrator.Submit(context.Background(), 100, 100, "https://cdn.example.com/a.mp4", FormatVideo); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	waitFor(t, "request to complete", func() bool {
		return len(terminalEvents(h.notifier.GetEvents())) == 1
	})

	stats, err := h.orchestrator.UserStats(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed download, got %d", stats.Completed)
	}
	if stats.BytesTransferred != 1024 {
		t.Errorf("expected 1024 bytes transferred, got %d", stats.BytesTransferred)
	}

	budget := h.orchestrator.Budget(100)
	if budget.UserID != 100 {
		t.Errorf("expected budget for user 100, got %d", budget.UserID)
	}
}
