package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Resolver classifies a submitted locator into one or more retrievable
// items. Single-media locators produce exactly one descriptor; playlist
// locators expand lazily up to the configured cap, dropping the excess
// with a truncation signal instead of an error.
type Resolver struct {
	classifier  Classifier
	cache       *MetadataCache
	lister      PlatformLister
	client      *http.Client
	playlistCap int
	localDir    string
	logger      *zap.Logger
}

// NewResolver creates a resolver. localDir is the only directory local
// file references may point into; empty disables them entirely.
func NewResolver(classifier Classifier, cache *MetadataCache, lister PlatformLister, client *http.Client, playlistCap int, localDir string, logger *zap.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		classifier:  classifier,
		cache:       cache,
		lister:      lister,
		client:      client,
		playlistCap: playlistCap,
		localDir:    localDir,
		logger:      logger.Named("resolver"),
	}
}

// Resolve expands a locator into item descriptors for the given format
func (r *Resolver) Resolve(ctx context.Context, locator string, format MediaFormat) (*Resolution, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, NewDownloadError(CodeInvalidLocator, "empty locator")
	}
	if _, ok := ParseFormat(string(format)); !ok {
		return nil, NewDownloadError(CodeUnsupportedFormat, fmt.Sprintf("unknown format %q", format))
	}

	local := strings.HasPrefix(locator, "file://")
	var parsed *url.URL
	if !local {
		var err error
		parsed, err = url.Parse(locator)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, NewDownloadError(CodeInvalidLocator, "locator is not an http(s) URL or file reference")
		}
	}

	switch r.classifier.Classify(ctx, locator) {
	case VerdictBlock:
		return nil, NewDownloadError(CodePolicyBlocked, "locator blocked by content policy")
	case VerdictUncertain:
		// Fail open: an uncertain screen must not deny service.
		r.logger.Warn("content screen uncertain, allowing",
			zap.String("locator", locator))
	}

	if local {
		return r.resolveLocal(locator, format)
	}
	if format.Playlist() {
		return r.resolvePlaylist(ctx, locator, parsed, format)
	}
	return r.resolveSingle(ctx, locator, parsed, format)
}

// resolveSingle produces exactly one descriptor for a single-media locator
func (r *Resolver) resolveSingle(ctx context.Context, locator string, parsed *url.URL, format MediaFormat) (*Resolution, error) {
	host := strings.ToLower(parsed.Hostname())
	if IsHLSLocator(locator) || hasPlatformPlaylistID(host, locator) {
		return nil, NewDownloadError(CodeUnsupportedFormat,
			"playlist locators need a playlist format (playlist-video, playlist-audio)")
	}

	if metadata, ok := r.cache.Get(locator); ok {
		return &Resolution{
			Items:    []*DownloadItem{itemFromMetadata(locator, format, metadata)},
			Metadata: metadata,
		}, nil
	}

	metadata := SourceMetadata{Format: format.ItemFormat(), ItemCount: 1}

	if _, known := matchPlatform(host); known {
		// Platform tooling resolves its own metadata at transfer time.
		metadata.Kind = TransferPlatform
	} else {
		size, err := r.probeDirect(ctx, locator)
		if err != nil {
			return nil, err
		}
		metadata.Kind = TransferDirect
		metadata.SizeEstimate = size
		metadata.Title = titleFromPath(parsed)
	}

	r.cache.Put(locator, metadata, 0)
	return &Resolution{
		Items:    []*DownloadItem{itemFromMetadata(locator, format, metadata)},
		Metadata: metadata,
	}, nil
}

// probeDirect checks reachability of a direct source and returns the
// advertised size, or 0 when the source does not report one
func (r *Resolver) probeDirect(ctx context.Context, locator string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return 0, NewDownloadErrorWithCause(CodeInvalidLocator, "building probe request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, NewDownloadErrorWithCause(CodeSourceUnreachable, "probing source", err)
	}
	defer resp.Body.Close()

	// Some hosts refuse HEAD outright; reachability is all that matters.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return 0, nil
	}
	if resp.StatusCode >= 400 {
		return 0, NewDownloadError(CodeSourceUnreachable,
			fmt.Sprintf("source returned status %d", resp.StatusCode))
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	return 0, nil
}

// resolvePlaylist expands a playlist locator up to the configured cap
func (r *Resolver) resolvePlaylist(ctx context.Context, locator string, parsed *url.URL, format MediaFormat) (*Resolution, error) {
	iterator, err := r.playlistIterator(locator, parsed, format.ItemFormat())
	if err != nil {
		return nil, err
	}

	items, truncated, err := CollectItems(ctx, iterator, r.playlistCap)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, NewDownloadError(CodeInvalidLocator, "playlist has no entries")
	}
	for i, item := range items {
		item.Index = i
	}
	if truncated {
		r.logger.Info("playlist truncated at cap",
			zap.String("locator", locator),
			zap.Int("cap", r.playlistCap))
	}

	metadata := SourceMetadata{
		Format:    format.ItemFormat(),
		Kind:      items[0].Kind,
		ItemCount: len(items),
	}
	r.cache.Put(locator, metadata, 0)

	return &Resolution{Items: items, Metadata: metadata, Truncated: truncated}, nil
}

// playlistIterator picks the expansion strategy for a playlist locator
func (r *Resolver) playlistIterator(locator string, parsed *url.URL, itemFormat MediaFormat) (ItemIterator, error) {
	if IsHLSLocator(locator) {
		return NewHLSPlaylistIterator(r.client, locator, itemFormat), nil
	}
	platform, known := matchPlatform(strings.ToLower(parsed.Hostname()))
	if known && !platform.playlists {
		return nil, NewDownloadError(CodeUnsupportedFormat, "platform does not support playlist expansion")
	}
	if known {
		if id, ok := ExtractPlaylistID(locator); ok {
			return NewPlatformPlaylistIterator(r.lister, id, itemFormat, r.playlistCap+1), nil
		}
	}
	return nil, NewDownloadError(CodeUnsupportedFormat, "playlist formats need a manifest or platform playlist locator")
}

// hasPlatformPlaylistID reports whether a locator on a playlist-capable
// platform carries a playlist reference
func hasPlatformPlaylistID(host, locator string) bool {
	platform, known := matchPlatform(host)
	if !known || !platform.playlists {
		return false
	}
	_, ok := ExtractPlaylistID(locator)
	return ok
}

// resolveLocal handles an already-materialized file reference
func (r *Resolver) resolveLocal(locator string, format MediaFormat) (*Resolution, error) {
	if r.localDir == "" {
		return nil, NewDownloadError(CodeUnsupportedFormat, "local file references are disabled")
	}
	if format.Playlist() {
		return nil, NewDownloadError(CodeUnsupportedFormat, "local references cannot expand to playlists")
	}

	parsed, err := url.Parse(locator)
	if err != nil || parsed.Path == "" {
		return nil, NewDownloadError(CodeInvalidLocator, "malformed file reference")
	}

	cleaned := filepath.Clean(parsed.Path)
	root := filepath.Clean(r.localDir)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return nil, NewDownloadError(CodePolicyBlocked, "file reference outside the allowed directory")
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeSourceUnreachable, "file reference not readable", err)
	}
	if info.IsDir() {
		return nil, NewDownloadError(CodeInvalidLocator, "file reference is a directory")
	}

	metadata := SourceMetadata{
		Title:        strings.TrimSuffix(filepath.Base(cleaned), filepath.Ext(cleaned)),
		Format:       format.ItemFormat(),
		Kind:         TransferLocal,
		SizeEstimate: info.Size(),
		ItemCount:    1,
	}
	r.cache.Put(locator, metadata, 0)

	return &Resolution{
		Items:    []*DownloadItem{itemFromMetadata(locator, format, metadata)},
		Metadata: metadata,
	}, nil
}

// CollectItems drains an iterator up to limit items. A sequence holding
// more than limit is cut off with a truncation signal, never an error.
func CollectItems(ctx context.Context, iterator ItemIterator, limit int) ([]*DownloadItem, bool, error) {
	var items []*DownloadItem
	for {
		if limit > 0 && len(items) == limit {
			_, more, err := iterator.Next(ctx)
			if err != nil {
				// Everything up to the cap resolved fine; the probe
				// beyond it only decides the truncation flag.
				return items, false, nil
			}
			return items, more, nil
		}
		item, ok, err := iterator.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return items, false, nil
		}
		items = append(items, item)
	}
}

// itemFromMetadata builds a queued descriptor out of resolved metadata
func itemFromMetadata(locator string, format MediaFormat, metadata SourceMetadata) *DownloadItem {
	return &DownloadItem{
		Locator:      locator,
		Format:       format.ItemFormat(),
		Kind:         metadata.Kind,
		Title:        metadata.Title,
		SizeEstimate: metadata.SizeEstimate,
		Status:       ItemQueued,
	}
}

// titleFromPath derives a display title from the last path element
func titleFromPath(parsed *url.URL) string {
	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
