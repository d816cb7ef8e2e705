package downloader

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	mp4tag "github.com/Sorrow446/go-mp4tag"
	"github.com/abema/go-mp4"
	"go.uber.org/zap"
)

// mp4Extensions are the container suffixes the inspector understands
var mp4Extensions = map[string]bool{
	".mp4": true,
	".m4a": true,
	".m4v": true,
	".mov": true,
}

// MediaInspector probes finished transfers for container health and
// stamps the discovered title onto audio output. Enrichment is best
// effort: a probe or tag failure never fails the item.
type MediaInspector struct {
	logger *zap.Logger
}

// NewMediaInspector creates an inspector
func NewMediaInspector(logger *zap.Logger) *MediaInspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaInspector{logger: logger.Named("mediainfo")}
}

// Enrich inspects the finished file and, for audio items, writes the
// discovered title into the container tags
func (mi *MediaInspector) Enrich(result *Result, item *DownloadItem) {
	ext := strings.ToLower(filepath.Ext(result.OutputPath))
	if !mp4Extensions[ext] {
		return
	}

	duration, err := mi.probeDuration(result.OutputPath)
	if err != nil {
		mi.logger.Warn("output failed container probe",
			zap.String("path", result.OutputPath),
			zap.Error(err))
	} else if duration > 0 {
		mi.logger.Info("probed container",
			zap.String("path", result.OutputPath),
			zap.Duration("duration", duration))
	}

	if item.Format.ItemFormat() != FormatAudio {
		return
	}
	title := result.Title
	if title == "" {
		title = item.Title
	}
	if title == "" {
		return
	}
	if err := mi.tagTitle(result.OutputPath, title); err != nil {
		mi.logger.Warn("tagging output failed",
			zap.String("path", result.OutputPath),
			zap.Error(err))
	}
}

// probeDuration reads the container's movie header duration
func (mi *MediaInspector) probeDuration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := mp4.Probe(file)
	if err != nil {
		return 0, err
	}
	if info.Timescale == 0 {
		return 0, nil
	}
	seconds := float64(info.Duration) / float64(info.Timescale)
	return time.Duration(seconds * float64(time.Second)), nil
}

// tagTitle writes the title tag into the container
func (mi *MediaInspector) tagTitle(path, title string) error {
	mp4t, err := mp4tag.Open(path)
	if err != nil {
		return err
	}
	defer mp4t.Close()

	return mp4t.Write(&mp4tag.MP4Tags{Title: title}, []string{})
}
