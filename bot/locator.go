package bot

import (
	"fmt"
	"net/url"
	"strings"

	"go-media-bot/downloader"
)

// defaultFormat is used when a /download command names no format
const defaultFormat = downloader.FormatVideoAudio

// DownloadArgs is the parsed argument list of a /download command
type DownloadArgs struct {
	Locator string
	Format  downloader.MediaFormat
}

// ParseDownloadArgs splits "<locator> [format]" command arguments. Only
// the locator's shape is checked here; deep validation happens during
// resolution.
func ParseDownloadArgs(args string) (*DownloadArgs, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, fmt.Errorf("missing locator")
	}
	if len(fields) > 2 {
		return nil, fmt.Errorf("too many arguments, expected <url> [format]")
	}

	locator := fields[0]
	if !PlausibleLocator(locator) {
		return nil, fmt.Errorf("locator %q is not an http(s) URL or file reference", locator)
	}

	format := defaultFormat
	if len(fields) == 2 {
		parsed, ok := downloader.ParseFormat(strings.ToLower(fields[1]))
		if !ok {
			return nil, fmt.Errorf("unknown format %q, known formats: %s", fields[1], FormatList())
		}
		format = parsed
	}

	return &DownloadArgs{Locator: locator, Format: format}, nil
}

// PlausibleLocator reports whether a string is shaped like something the
// resolver could accept
func PlausibleLocator(locator string) bool {
	if strings.HasPrefix(locator, "file://") {
		return len(locator) > len("file://")
	}
	parsed, err := url.Parse(locator)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// FormatList returns the accepted format names for help and error texts
func FormatList() string {
	formats := []downloader.MediaFormat{
		downloader.FormatVideo,
		downloader.FormatAudio,
		downloader.FormatVideoAudio,
		downloader.FormatImage,
		downloader.FormatAudioFromImage,
		downloader.FormatPlaylistVideo,
		downloader.FormatPlaylistAudio,
	}
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
