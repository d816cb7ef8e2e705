package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// progressRecorder captures progress samples for test assertions
type progressRecorder struct {
	mu      sync.Mutex
	samples []Progress
}

func (pr *progressRecorder) record(_ *DownloadItem, progress Progress) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.samples = append(pr.samples, progress)
}

func (pr *progressRecorder) count() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.samples)
}

func (pr *progressRecorder) last() (Progress, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(pr.samples) == 0 {
		return Progress{}, false
	}
	return pr.samples[len(pr.samples)-1], true
}

func testRequest() *DownloadRequest {
	return &DownloadRequest{ID: "req-12345678-abcd", UserID: 7, ChatID: 7}
}

func directItem(locator string) *DownloadItem {
	return &DownloadItem{
		RequestID: "req-12345678-abcd",
		Index:     0,
		Locator:   locator,
		Format:    FormatVideo,
		Kind:      TransferDirect,
		Status:    ItemQueued,
	}
}

func TestExecutor_ExecuteDirect(t *testing.T) {
	payload := bytes.Repeat([]byte("media"), 2048)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	executor := NewExecutor(server.Client(), dir, 0, false, nil, zap.NewNop())
	recorder := &progressRecorder{}
	executor.SetProgressFunc(recorder.record)

	item := directItem(server.URL + "/media/clip.mp4")
	result, err := executor.Execute(context.Background(), testRequest(), item)
	if err != nil {
		t.Fatalf("expected transfer to succeed, got %v", err)
	}

	if result.BytesWritten != int64(len(payload)) {
		t.Errorf("expected %d bytes written, got %d", len(payload), result.BytesWritten)
	}
	if result.FinalStatus != ItemSucceeded {
		t.Errorf("expected final status %q, got %q", ItemSucceeded, result.FinalStatus)
	}

	expectedPath := filepath.Join(dir, "req-1234-0-clip.mp4")
	if result.OutputPath != expectedPath {
		t.Errorf("expected output path %q, got %q", expectedPath, result.OutputPath)
	}
	written, err := os.ReadFile(expectedPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Error("output content does not match source payload")
	}

	if _, statErr := os.Stat(expectedPath + ".part"); !os.IsNotExist(statErr) {
		t.Error("staging file should be removed after a successful transfer")
	}

	if recorder.count() == 0 {
		t.Fatal("expected at least one progress sample")
	}
	last, _ := recorder.last()
	if last.BytesProcessed != int64(len(payload)) {
		t.Errorf("expected final progress of %d bytes, got %d", len(payload), last.BytesProcessed)
	}
	if last.TotalBytes != int64(len(payload)) {
		t.Errorf("expected progress total of %d bytes, got %d", len(payload), last.TotalBytes)
	}
}

func TestExecutor_ExecuteDirect_StatusMapping(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		expectedCode ErrorCode
	}{
		{"not found is permanent", http.StatusNotFound, CodeSourceRemoved},
		{"gone is permanent", http.StatusGone, CodeSourceRemoved},
		{"throttled is transient", http.StatusTooManyRequests, CodeUpstreamThrottle},
		{"forbidden maps to quota", http.StatusForbidden, CodeQuotaExceeded},
		{"server error is transient", http.StatusBadGateway, CodeUpstreamThrottle},
		{"other client error is permanent", http.StatusTeapot, CodeSourceRemoved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			executor := NewExecutor(server.Client(), t.TempDir(), 0, false, nil, zap.NewNop())
			_, err := executor.Execute(context.Background(), testRequest(), directItem(server.URL+"/gone.mp4"))
			if !IsDownloadError(err, tt.expectedCode) {
				t.Errorf("expected code %q, got %v", tt.expectedCode, err)
			}
		})
	}
}

func TestExecutor_ExecuteDirect_SizeCeiling(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	executor := NewExecutor(server.Client(), dir, 1024, false, nil, zap.NewNop())
	_, err := executor.Execute(context.Background(), testRequest(), directItem(server.URL+"/big.mp4"))
	if !IsDownloadError(err, CodeQuotaExceeded) {
		t.Fatalf("expected quota-exceeded, got %v", err)
	}
	if IsTransient(err) {
		t.Error("size ceiling violations must be permanent")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no output files, found %d", len(entries))
	}
}

func TestExecutor_ExecuteDirect_CeilingMidTransfer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("y"), 64*1024)
		for i := 0; i < 4; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	executor := NewExecutor(server.Client(), dir, 100*1024, false, nil, zap.NewNop())
	_, err := executor.Execute(context.Background(), testRequest(), directItem(server.URL+"/stream.mp4"))
	if !IsDownloadError(err, CodeQuotaExceeded) {
		t.Fatalf("expected quota-exceeded once the stream crossed the ceiling, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected staging file to be removed, found %d entries", len(entries))
	}
}

func TestExecutor_ExecuteDirect_Cancelled(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 512*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	executor := NewExecutor(server.Client(), dir, 0, false, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	executor.SetProgressFunc(func(_ *DownloadItem, _ Progress) {
		once.Do(cancel)
	})

	_, err := executor.Execute(ctx, testRequest(), directItem(server.URL+"/long.mp4"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("cancellation should discard partial output, found %d entries", len(entries))
	}
}

func TestExecutor_ExecuteLocal(t *testing.T) {
	sourceDir := t.TempDir()
	sourcePath := filepath.Join(sourceDir, "show.mp4")
	payload := []byte("local media payload")
	if err := os.WriteFile(sourcePath, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	executor := NewExecutor(nil, dir, 0, false, nil, zap.NewNop())
	item := directItem("file://" + sourcePath)
	item.Kind = TransferLocal

	result, err := executor.Execute(context.Background(), testRequest(), item)
	if err != nil {
		t.Fatalf("expected local copy to succeed, got %v", err)
	}
	if result.BytesWritten != int64(len(payload)) {
		t.Errorf("expected %d bytes written, got %d", len(payload), result.BytesWritten)
	}
	written, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Error("output content does not match source file")
	}
}

func TestExecutor_ExecuteLocal_MissingSource(t *testing.T) {
	executor := NewExecutor(nil, t.TempDir(), 0, false, nil, zap.NewNop())
	item := directItem("file:///nonexistent/path/clip.mp4")
	item.Kind = TransferLocal

	_, err := executor.Execute(context.Background(), testRequest(), item)
	if !IsDownloadError(err, CodeSourceRemoved) {
		t.Fatalf("expected source-removed, got %v", err)
	}
}

func TestExecutor_Execute_EstimateExceedsCeiling(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	executor := NewExecutor(server.Client(), t.TempDir(), 1024, false, nil, zap.NewNop())
	item := directItem(server.URL + "/big.mp4")
	item.SizeEstimate = 2048

	_, err := executor.Execute(context.Background(), testRequest(), item)
	if !IsDownloadError(err, CodeQuotaExceeded) {
		t.Fatalf("expected quota-exceeded, got %v", err)
	}
	if requests != 0 {
		t.Errorf("oversized estimates should fail before any fetch, got %d requests", requests)
	}
}

func TestExecutor_OutputPath(t *testing.T) {
	executor := NewExecutor(nil, "/downloads", 0, false, nil, zap.NewNop())
	request := &DownloadRequest{ID: "abcdefgh-1234"}

	tests := []struct {
		name     string
		item     *DownloadItem
		expected string
	}{
		{
			name:     "title from item",
			item:     &DownloadItem{Index: 0, Title: "My Track", Locator: "https://cdn.example.com/x.m4a", Format: FormatAudio},
			expected: "/downloads/abcdefgh-0-My Track.m4a",
		},
		{
			name:     "forbidden characters replaced",
			item:     &DownloadItem{Index: 1, Title: `a/b\c:d?e`, Locator: "https://cdn.example.com/x.mp4", Format: FormatVideo},
			expected: "/downloads/abcdefgh-1-a_b_c_d_e.mp4",
		},
		{
			name:     "base name from locator",
			item:     &DownloadItem{Index: 2, Locator: "https://cdn.example.com/media/episode.mp4?sig=abc", Format: FormatVideo},
			expected: "/downloads/abcdefgh-2-episode.mp4",
		},
		{
			name:     "extension from format",
			item:     &DownloadItem{Index: 3, Title: "voice note", Locator: "https://cdn.example.com/stream", Format: FormatAudio},
			expected: "/downloads/abcdefgh-3-voice note.m4a",
		},
		{
			name:     "fallback base",
			item:     &DownloadItem{Index: 4, Locator: "https://cdn.example.com/", Format: FormatVideo},
			expected: "/downloads/abcdefgh-4-media.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executor.outputPath(request, tt.item)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestFormatSelector(t *testing.T) {
	tests := []struct {
		format   MediaFormat
		expected string
	}{
		{FormatAudio, "bestaudio/best"},
		{FormatVideoAudio, "bestvideo+bestaudio/best"},
		{FormatVideo, "best"},
		{FormatImage, "best"},
	}

	for _, tt := range tests {
		if got := formatSelector(tt.format); got != tt.expected {
			t.Errorf("formatSelector(%q): expected %q, got %q", tt.format, tt.expected, got)
		}
	}
}

func TestClassifyTransferError(t *testing.T) {
	t.Run("cancellation passes through", func(t *testing.T) {
		err := classifyTransferError("fetching", fmt.Errorf("wrapped: %w", context.Canceled))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled to pass through, got %v", err)
		}
	})

	t.Run("classified errors pass through", func(t *testing.T) {
		original := NewDownloadError(CodeSourceRemoved, "gone")
		err := classifyTransferError("fetching", original)
		if !IsDownloadError(err, CodeSourceRemoved) {
			t.Errorf("expected source-removed to survive, got %v", err)
		}
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		err := classifyTransferError("fetching", context.DeadlineExceeded)
		if !IsDownloadError(err, CodeTimeout) {
			t.Errorf("expected timeout, got %v", err)
		}
		if !IsTransient(err) {
			t.Error("timeouts must be transient")
		}
	})

	t.Run("unknown failures are transient", func(t *testing.T) {
		err := classifyTransferError("reading", errors.New("connection reset by peer"))
		if !IsDownloadError(err, CodeTimeout) {
			t.Errorf("expected timeout classification, got %v", err)
		}
		if !IsTransient(err) {
			t.Error("stream failures should be retried")
		}
	})
}

func TestClassifyPlatformError(t *testing.T) {
	tests := []struct {
		name         string
		message      string
		expectedCode ErrorCode
		transient    bool
	}{
		{"video removed", "ERROR: Video unavailable", CodeSourceRemoved, false},
		{"private video", "ERROR: Private video. Sign in", CodeSourceRemoved, false},
		{"unsupported url", "ERROR: Unsupported URL: https://example.com", CodeInvalidFormat, false},
		{"rate limited", "HTTP Error 429: Too Many Requests", CodeUpstreamThrottle, true},
		{"throttled", "throttling detected, slowing down", CodeUpstreamThrottle, true},
		{"network blip", "unable to download webpage: timed out", CodeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPlatformError(errors.New(tt.message))
			if !IsDownloadError(err, tt.expectedCode) {
				t.Errorf("expected code %q, got %v", tt.expectedCode, err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("expected transient=%v for %q", tt.transient, tt.message)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status       int
		expectedCode ErrorCode
	}{
		{http.StatusTooManyRequests, CodeUpstreamThrottle},
		{http.StatusNotFound, CodeSourceRemoved},
		{http.StatusGone, CodeSourceRemoved},
		{http.StatusUnauthorized, CodeQuotaExceeded},
		{http.StatusPaymentRequired, CodeQuotaExceeded},
		{http.StatusForbidden, CodeQuotaExceeded},
		{http.StatusInternalServerError, CodeUpstreamThrottle},
		{http.StatusServiceUnavailable, CodeUpstreamThrottle},
		{http.StatusBadRequest, CodeSourceRemoved},
	}

	for _, tt := range tests {
		if got := statusError(tt.status); got.Code != tt.expectedCode {
			t.Errorf("status %d: expected code %q, got %q", tt.status, tt.expectedCode, got.Code)
		}
	}
}
