package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// forbiddenNames matches characters that cannot appear in output filenames
var forbiddenNames = regexp.MustCompile(`[\\/<>:"|?*]`)

// copyUnit is the transfer unit size; cancellation is observed between units
const copyUnit = 128 * 1024

// ProgressFunc receives transfer progress for an item. Implementations
// must not block: a slow consumer drops updates, the transfer never waits.
type ProgressFunc func(item *DownloadItem, progress Progress)

// Executor performs the transfer for queued items. One Executor serves
// all workers; per-transfer state lives in Execute's frame.
type Executor struct {
	client       *http.Client
	downloadDir  string
	maxFileSize  int64
	progressBars bool
	progressFn   ProgressFunc
	media        *MediaInspector
	logger       *zap.Logger
}

// NewExecutor creates an executor writing into downloadDir. maxFileSize
// of zero disables the size ceiling; media may be nil to skip
// post-transfer enrichment.
func NewExecutor(client *http.Client, downloadDir string, maxFileSize int64, progressBars bool, media *MediaInspector, logger *zap.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:       client,
		downloadDir:  downloadDir,
		maxFileSize:  maxFileSize,
		progressBars: progressBars,
		media:        media,
		logger:       logger.Named("executor"),
	}
}

// SetProgressFunc installs the sink transfer progress is reported to
func (e *Executor) SetProgressFunc(fn ProgressFunc) {
	e.progressFn = fn
}

// Execute moves the item's bytes to local storage and reports the outcome
func (e *Executor) Execute(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.maxFileSize > 0 && item.SizeEstimate > e.maxFileSize {
		return nil, NewDownloadError(CodeQuotaExceeded, "source exceeds the size ceiling").
			WithContext("size", item.SizeEstimate).
			WithContext("limit", e.maxFileSize)
	}
	if err := os.MkdirAll(e.downloadDir, 0o755); err != nil {
		return nil, NewDownloadErrorWithCause(CodeQuotaExceeded, "creating download directory", err)
	}

	start := time.Now()
	var result *Result
	var err error
	switch item.Kind {
	case TransferPlatform:
		result, err = e.executePlatform(ctx, request, item)
	case TransferLocal:
		result, err = e.executeLocal(ctx, request, item)
	default:
		result, err = e.executeDirect(ctx, request, item)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("item transferred",
		zap.String("request_id", item.RequestID),
		zap.Int("index", item.Index),
		zap.String("kind", string(item.Kind)),
		zap.Int64("bytes", result.BytesWritten),
		zap.Duration("elapsed", time.Since(start)))

	if e.media != nil && result.OutputPath != "" {
		e.media.Enrich(result, item)
	}
	return result, nil
}

// executeDirect fetches a plain HTTP(S) source into the download directory
func (e *Executor) executeDirect(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Locator, nil)
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeInvalidFormat, "building transfer request", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransferError("fetching source", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, statusError(resp.StatusCode)
	}
	if e.maxFileSize > 0 && resp.ContentLength > e.maxFileSize {
		return nil, NewDownloadError(CodeQuotaExceeded, "source exceeds the size ceiling").
			WithContext("size", resp.ContentLength).
			WithContext("limit", e.maxFileSize)
	}

	outputPath := e.outputPath(request, item)
	written, err := e.writeFile(ctx, resp.Body, resp.ContentLength, outputPath, item)
	if err != nil {
		return nil, err
	}
	return &Result{BytesWritten: written, FinalStatus: ItemSucceeded, OutputPath: outputPath}, nil
}

// executePlatform delegates the transfer to the platform tooling, which
// handles stream assembly and format selection on its own
func (e *Executor) executePlatform(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
	outputTemplate := filepath.Join(e.downloadDir,
		fmt.Sprintf("%s-%d-%%(title)s.%%(ext)s", shortID(request.ID), item.Index))

	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		Format(formatSelector(item.Format)).
		Output(outputTemplate)

	var mu sync.Mutex
	var title string
	started := time.Now()
	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		if update.Info != nil && update.Info.Title != nil && *update.Info.Title != "" {
			mu.Lock()
			if title == "" {
				title = *update.Info.Title
			}
			mu.Unlock()
		}
		e.reportProgress(item, int64(update.DownloadedBytes), int64(update.TotalBytes), started)
	})

	result, err := dl.Run(ctx, item.Locator)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyPlatformError(err)
	}

	outputPath := ""
	if result != nil {
		if info, infoErr := result.GetExtractedInfo(); infoErr == nil && len(info) > 0 && info[0].Filename != nil {
			outputPath = *info[0].Filename
		}
	}
	if outputPath == "" {
		return nil, NewDownloadError(CodeInvalidFormat, "platform tooling reported no output file")
	}

	fileInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeInvalidFormat, "locating platform output", err)
	}
	if e.maxFileSize > 0 && fileInfo.Size() > e.maxFileSize {
		os.Remove(outputPath)
		return nil, NewDownloadError(CodeQuotaExceeded, "platform output exceeds the size ceiling").
			WithContext("size", fileInfo.Size()).
			WithContext("limit", e.maxFileSize)
	}

	mu.Lock()
	discovered := title
	mu.Unlock()

	return &Result{
		BytesWritten: fileInfo.Size(),
		FinalStatus:  ItemSucceeded,
		OutputPath:   outputPath,
		Title:        discovered,
	}, nil
}

// executeLocal copies an already-materialized file reference
func (e *Executor) executeLocal(ctx context.Context, request *DownloadRequest, item *DownloadItem) (*Result, error) {
	parsed, err := url.Parse(item.Locator)
	if err != nil || parsed.Path == "" {
		return nil, NewDownloadError(CodeInvalidFormat, "malformed file reference")
	}

	source, err := os.Open(parsed.Path)
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeSourceRemoved, "opening file reference", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeSourceRemoved, "inspecting file reference", err)
	}
	if e.maxFileSize > 0 && info.Size() > e.maxFileSize {
		return nil, NewDownloadError(CodeQuotaExceeded, "source exceeds the size ceiling").
			WithContext("size", info.Size()).
			WithContext("limit", e.maxFileSize)
	}

	outputPath := e.outputPath(request, item)
	written, err := e.writeFile(ctx, source, info.Size(), outputPath, item)
	if err != nil {
		return nil, err
	}
	return &Result{BytesWritten: written, FinalStatus: ItemSucceeded, OutputPath: outputPath}, nil
}

// writeFile streams reader into outputPath through a .part staging file.
// The staging file is removed on any failure, so a cancelled or failed
// transfer leaves no partial output behind.
func (e *Executor) writeFile(ctx context.Context, reader io.Reader, total int64, outputPath string, item *DownloadItem) (int64, error) {
	partPath := outputPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return 0, NewDownloadErrorWithCause(CodeQuotaExceeded, "creating staging file", err)
	}

	started := time.Now()
	progressReader := &ProgressReader{
		reader: reader,
		total:  total,
		onProgress: func(read, totalBytes int64) {
			e.reportProgress(item, read, totalBytes, started)
		},
	}

	var dest io.Writer = out
	if e.progressBars {
		dest = io.MultiWriter(out, newProgressBar(total))
	}

	written, copyErr := copyBounded(ctx, dest, progressReader, e.maxFileSize)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(partPath)
		return 0, copyErr
	}
	if closeErr != nil {
		os.Remove(partPath)
		return 0, NewDownloadErrorWithCause(CodeQuotaExceeded, "finalizing staging file", closeErr)
	}
	if err := os.Rename(partPath, outputPath); err != nil {
		os.Remove(partPath)
		return 0, NewDownloadErrorWithCause(CodeQuotaExceeded, "moving output into place", err)
	}
	return written, nil
}

// copyBounded copies in fixed-size units, observing cancellation between
// units and failing once the size ceiling is crossed. A ceiling of zero
// disables the bound.
func copyBounded(ctx context.Context, dst io.Writer, src io.Reader, ceiling int64) (int64, error) {
	buf := make([]byte, copyUnit)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if ceiling > 0 && written+int64(n) > ceiling {
				return written, NewDownloadError(CodeQuotaExceeded, "transfer exceeded the size ceiling").
					WithContext("limit", ceiling)
			}
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, NewDownloadErrorWithCause(CodeQuotaExceeded, "writing output", writeErr)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, classifyTransferError("reading source", readErr)
		}
	}
}

// ProgressReader wraps an io.Reader to provide progress callbacks
type ProgressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	onProgress func(read, total int64)
}

func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	pr.read += int64(n)
	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
	return
}

// reportProgress forwards a progress sample to the installed sink
func (e *Executor) reportProgress(item *DownloadItem, read, total int64, started time.Time) {
	if e.progressFn == nil {
		return
	}
	progress := Progress{BytesProcessed: read, TotalBytes: total}
	if total > 0 {
		progress.Percentage = float64(read) / float64(total) * 100
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		progress.Speed = int64(float64(read) / elapsed.Seconds())
		if progress.Speed > 0 && total > read {
			progress.ETA = time.Duration((total-read)/progress.Speed) * time.Second
		}
	}
	e.progressFn(item, progress)
}

// newProgressBar renders console transfer progress when enabled
func newProgressBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionShowCount(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "",
			SaucerHead:    "",
			SaucerPadding: "",
			BarStart:      "",
			BarEnd:        "",
		}),
	)
}

// outputPath builds a collision-free output path for an item
func (e *Executor) outputPath(request *DownloadRequest, item *DownloadItem) string {
	base := item.Title
	ext := ""
	if parsed, err := url.Parse(item.Locator); err == nil {
		ext = path.Ext(parsed.Path)
		if base == "" {
			base = strings.TrimSuffix(path.Base(parsed.Path), ext)
		}
	}
	if base == "" || base == "." || base == "/" {
		base = "media"
	}
	if ext == "" {
		ext = defaultExtension(item.Format)
	}
	base = forbiddenNames.ReplaceAllString(base, "_")
	return filepath.Join(e.downloadDir, fmt.Sprintf("%s-%d-%s%s", shortID(request.ID), item.Index, base, ext))
}

// defaultExtension picks a container extension when the locator has none
func defaultExtension(format MediaFormat) string {
	switch format {
	case FormatAudio:
		return ".m4a"
	case FormatImage:
		return ".jpg"
	default:
		return ".mp4"
	}
}

// formatSelector maps an item format onto a platform format selection
func formatSelector(format MediaFormat) string {
	switch format {
	case FormatAudio:
		return "bestaudio/best"
	case FormatVideoAudio:
		return "bestvideo+bestaudio/best"
	default:
		return "best"
	}
}

// shortID returns the request id prefix used in filenames and logs
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// classifyTransferError maps a raw transfer failure onto the taxonomy.
// Cancellation passes through untouched so callers can tell a cancelled
// item from a failed one.
func classifyTransferError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if de, ok := AsDownloadError(err); ok {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDownloadErrorWithCause(CodeTimeout, op+" timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewDownloadErrorWithCause(CodeTimeout, op+" timed out", err)
	}
	// Remaining network and stream failures are worth another attempt.
	return NewDownloadErrorWithCause(CodeTimeout, op+" failed", err)
}

// classifyPlatformError maps platform tooling failures onto the taxonomy.
// The tooling reports errors as text, so permanent conditions are
// recognized by their stable phrasings.
func classifyPlatformError(err error) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "unavailable"),
		strings.Contains(message, "private"),
		strings.Contains(message, "removed"),
		strings.Contains(message, "does not exist"):
		return NewDownloadErrorWithCause(CodeSourceRemoved, "source gone from platform", err)
	case strings.Contains(message, "unsupported url"),
		strings.Contains(message, "no video formats"):
		return NewDownloadErrorWithCause(CodeInvalidFormat, "platform cannot handle source", err)
	case strings.Contains(message, "429"),
		strings.Contains(message, "too many requests"),
		strings.Contains(message, "throttl"):
		return NewDownloadErrorWithCause(CodeUpstreamThrottle, "platform throttled the transfer", err)
	default:
		return NewDownloadErrorWithCause(CodeTimeout, "platform transfer failed", err)
	}
}

// statusError maps an HTTP response status onto the transfer taxonomy
func statusError(status int) *DownloadError {
	message := fmt.Sprintf("source returned status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return NewDownloadError(CodeUpstreamThrottle, message)
	case status == http.StatusNotFound || status == http.StatusGone:
		return NewDownloadError(CodeSourceRemoved, message)
	case status == http.StatusUnauthorized || status == http.StatusPaymentRequired || status == http.StatusForbidden:
		return NewDownloadError(CodeQuotaExceeded, message)
	case status >= 500:
		return NewDownloadError(CodeUpstreamThrottle, message)
	default:
		return NewDownloadError(CodeSourceRemoved, message)
	}
}
