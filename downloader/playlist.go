package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/ytget/ytdlp/v2"
)

// watchURLTemplate rebuilds a platform watch URL from a playlist entry id
const watchURLTemplate = "https://www.youtube.com/watch?v=%s"

// IsHLSLocator reports whether a locator points at an m3u8 playlist
func IsHLSLocator(locator string) bool {
	parsed, err := url.Parse(locator)
	if err != nil {
		return false
	}
	p := strings.ToLower(parsed.Path)
	return strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u")
}

// ExtractPlaylistID pulls the playlist id out of a platform playlist URL
func ExtractPlaylistID(locator string) (string, bool) {
	if !strings.Contains(locator, "list=") {
		return "", false
	}
	parts := strings.Split(locator, "list=")
	if len(parts) < 2 {
		return "", false
	}
	id := parts[1]
	if idx := strings.Index(id, "&"); idx >= 0 {
		id = id[:idx]
	}
	return id, id != ""
}

// SliceIterator serves already-materialized descriptors in order
type SliceIterator struct {
	items []*DownloadItem
	idx   int
}

// NewSliceIterator creates an iterator over a fixed descriptor slice
func NewSliceIterator(items []*DownloadItem) *SliceIterator {
	return &SliceIterator{items: items}
}

// Next returns the next descriptor, or ok=false once exhausted
func (it *SliceIterator) Next(ctx context.Context) (*DownloadItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if it.idx >= len(it.items) {
		return nil, false, nil
	}
	item := *it.items[it.idx]
	it.idx++
	return &item, true, nil
}

// Reset rewinds the iterator to the start of the sequence
func (it *SliceIterator) Reset() {
	it.idx = 0
}

// PlaylistEntry is one entry of a platform playlist listing
type PlaylistEntry struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
}

// PlatformLister fetches the entries of a platform playlist
type PlatformLister interface {
	// ListPlaylist returns up to limit entries in the source's native
	// order; limit <= 0 means no bound
	ListPlaylist(ctx context.Context, playlistID string, limit int) ([]PlaylistEntry, error)
}

// YtdlpLister lists platform playlists through the bundled yt-dlp tooling
type YtdlpLister struct{}

// ListPlaylist returns up to limit entries of the given playlist
func (YtdlpLister) ListPlaylist(ctx context.Context, playlistID string, limit int) ([]PlaylistEntry, error) {
	d := ytdlp.New()
	items, err := d.GetPlaylistItemsAll(ctx, playlistID, limit)
	if err != nil {
		return nil, NewDownloadErrorWithCause(CodeSourceUnreachable, "listing platform playlist", err)
	}

	entries := make([]PlaylistEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, PlaylistEntry{VideoID: item.VideoID, Title: item.Title})
	}
	return entries, nil
}

// PlatformPlaylistIterator lazily lists a platform playlist on first use
// and then serves entries from memory, so Reset never refetches
type PlatformPlaylistIterator struct {
	lister     PlatformLister
	playlistID string
	format     MediaFormat
	fetchLimit int

	fetched bool
	items   []*DownloadItem
	idx     int
}

// NewPlatformPlaylistIterator creates an iterator over a platform
// playlist. fetchLimit bounds how many entries are ever pulled from the
// source; pass the expansion cap plus one so truncation is detectable.
func NewPlatformPlaylistIterator(lister PlatformLister, playlistID string, format MediaFormat, fetchLimit int) *PlatformPlaylistIterator {
	return &PlatformPlaylistIterator{
		lister:     lister,
		playlistID: playlistID,
		format:     format,
		fetchLimit: fetchLimit,
	}
}

// Next returns the next descriptor, or ok=false once exhausted
func (it *PlatformPlaylistIterator) Next(ctx context.Context) (*DownloadItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !it.fetched {
		entries, err := it.lister.ListPlaylist(ctx, it.playlistID, it.fetchLimit)
		if err != nil {
			return nil, false, err
		}
		it.items = make([]*DownloadItem, 0, len(entries))
		for _, entry := range entries {
			it.items = append(it.items, &DownloadItem{
				Locator: fmt.Sprintf(watchURLTemplate, entry.VideoID),
				Format:  it.format,
				Kind:    TransferPlatform,
				Title:   entry.Title,
				Status:  ItemQueued,
			})
		}
		it.fetched = true
	}

	if it.idx >= len(it.items) {
		return nil, false, nil
	}
	item := *it.items[it.idx]
	it.idx++
	return &item, true, nil
}

// Reset rewinds the iterator without discarding the fetched listing
func (it *PlatformPlaylistIterator) Reset() {
	it.idx = 0
}

// HLSPlaylistIterator decodes an m3u8 playlist on first use and serves
// one descriptor per entry. Media playlists yield their entries as
// independent direct transfers; master playlists describe one piece of
// media in several renditions and collapse to a single item for the
// platform tooling, which knows how to assemble a stream.
type HLSPlaylistIterator struct {
	client *http.Client
	url    string
	format MediaFormat

	fetched bool
	items   []*DownloadItem
	idx     int
}

// NewHLSPlaylistIterator creates an iterator over an m3u8 playlist URL
func NewHLSPlaylistIterator(client *http.Client, playlistURL string, format MediaFormat) *HLSPlaylistIterator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HLSPlaylistIterator{
		client: client,
		url:    playlistURL,
		format: format,
	}
}

// Next returns the next descriptor, or ok=false once exhausted
func (it *HLSPlaylistIterator) Next(ctx context.Context) (*DownloadItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !it.fetched {
		if err := it.fetch(ctx); err != nil {
			return nil, false, err
		}
	}

	if it.idx >= len(it.items) {
		return nil, false, nil
	}
	item := *it.items[it.idx]
	it.idx++
	return &item, true, nil
}

// Reset rewinds the iterator without discarding the decoded playlist
func (it *HLSPlaylistIterator) Reset() {
	it.idx = 0
}

func (it *HLSPlaylistIterator) fetch(ctx context.Context) error {
	base, err := url.Parse(it.url)
	if err != nil {
		return NewDownloadErrorWithCause(CodeInvalidLocator, "playlist locator is not a valid URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.url, nil)
	if err != nil {
		return NewDownloadErrorWithCause(CodeInvalidLocator, "building playlist request", err)
	}
	resp, err := it.client.Do(req)
	if err != nil {
		return NewDownloadErrorWithCause(CodeSourceUnreachable, "fetching playlist", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewDownloadError(CodeSourceUnreachable,
			fmt.Sprintf("playlist fetch returned status %d", resp.StatusCode))
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return NewDownloadErrorWithCause(CodeUnsupportedFormat, "decoding m3u8 playlist", err)
	}

	switch listType {
	case m3u8.MEDIA:
		it.items = mediaSegmentItems(base, playlist.(*m3u8.MediaPlaylist), it.format)
	case m3u8.MASTER:
		item, err := bestVariantItem(base, playlist.(*m3u8.MasterPlaylist), it.format)
		if err != nil {
			return err
		}
		it.items = []*DownloadItem{item}
	default:
		return NewDownloadError(CodeUnsupportedFormat, "unrecognized m3u8 playlist type")
	}

	it.fetched = true
	return nil
}

// mediaSegmentItems builds one descriptor per playlist entry. The
// decoder pads the segment slice with nils up to the playlist window
// size, so nil entries are skipped.
func mediaSegmentItems(base *url.URL, media *m3u8.MediaPlaylist, format MediaFormat) []*DownloadItem {
	items := make([]*DownloadItem, 0, media.Count())
	for _, segment := range media.Segments {
		if segment == nil {
			continue
		}
		locator := segment.URI
		if resolved, err := base.Parse(segment.URI); err == nil {
			locator = resolved.String()
		}
		items = append(items, &DownloadItem{
			Locator: locator,
			Format:  format,
			Kind:    TransferDirect,
			Title:   segment.Title,
			Status:  ItemQueued,
		})
	}
	return items
}

// bestVariantItem picks the highest-bandwidth variant of a master playlist
func bestVariantItem(base *url.URL, master *m3u8.MasterPlaylist, format MediaFormat) (*DownloadItem, error) {
	if len(master.Variants) == 0 {
		return nil, NewDownloadError(CodeUnsupportedFormat, "master playlist has no variants")
	}

	sort.Slice(master.Variants, func(i, j int) bool {
		return master.Variants[i].AverageBandwidth > master.Variants[j].AverageBandwidth
	})

	variant := master.Variants[0]
	locator := variant.URI
	if resolved, err := base.Parse(variant.URI); err == nil {
		locator = resolved.String()
	}
	return &DownloadItem{
		Locator: locator,
		Format:  format,
		Kind:    TransferPlatform,
		Status:  ItemQueued,
	}, nil
}
