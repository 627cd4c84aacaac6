package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	thumbnailOffset = "0.5"
	thumbnailMaxDim = 320
)

// VideoInfo is what outbound video delivery needs besides the file itself.
type VideoInfo struct {
	Duration  time.Duration
	Thumbnail []byte // JPEG, nil when extraction failed
}

// Seconds rounds the duration up to whole seconds, at least 1.
func (v VideoInfo) Seconds() int {
	s := int(math.Ceil(v.Duration.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// VideoDuration reads the container duration with ffprobe.
func (t *Transcoder) VideoDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := t.runner.Run(ctx, t.videoTimeout, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs < 0 || math.IsNaN(secs) {
		return 0, fmt.Errorf("ffprobe: unparsable duration %q", strings.TrimSpace(string(out)))
	}
	return time.Duration(math.Round(secs*1000)) * time.Millisecond, nil
}

// Thumbnail grabs the frame at 0.5s, scaled to fit 320x320, as JPEG.
func (t *Transcoder) Thumbnail(ctx context.Context, path string) ([]byte, error) {
	dir, cleanup, err := t.workDir("thumb-*")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	output := filepath.Join(dir, "thumb.jpg")
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", thumbnailMaxDim, thumbnailMaxDim)
	if _, err := t.runner.Run(ctx, t.videoTimeout, t.ffmpeg,
		"-y", "-loglevel", "error",
		"-ss", thumbnailOffset, "-i", path,
		"-frames:v", "1", "-vf", scale,
		output,
	); err != nil {
		return nil, fmt.Errorf("ffmpeg thumbnail: %w", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("ffmpeg thumbnail: empty output")
	}
	return data, nil
}

// InspectVideo examines an in-memory video. Failures degrade to a zero
// duration or a nil thumbnail; only a failure to stage the input is an error.
func (t *Transcoder) InspectVideo(ctx context.Context, data []byte, fileName string) (VideoInfo, error) {
	dir, cleanup, err := t.workDir("video-*")
	if err != nil {
		return VideoInfo{}, err
	}
	defer cleanup()

	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = ".mp4"
	}
	input := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return VideoInfo{}, fmt.Errorf("write video input: %w", err)
	}

	var info VideoInfo
	if d, err := t.VideoDuration(ctx, input); err != nil {
		t.logger.Warn("video duration unavailable", "err", err)
	} else {
		info.Duration = d
	}
	if thumb, err := t.Thumbnail(ctx, input); err != nil {
		t.logger.Warn("video thumbnail unavailable", "err", err)
	} else {
		info.Thumbnail = thumb
	}
	return info, nil
}
