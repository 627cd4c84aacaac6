package dispatch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gewebridge/internal/domain"
	"gewebridge/internal/media"
	"gewebridge/internal/metrics"
)

type mediaKind int

const (
	kindFile mediaKind = iota
	kindImage
	kindAudio
	kindVideo
)

func (k mediaKind) String() string {
	switch k {
	case kindImage:
		return "image"
	case kindAudio:
		return "audio"
	case kindVideo:
		return "video"
	}
	return "file"
}

var errEmptyMessage = errors.New("outbound message has no content")

// Deliver sends one reply: text first, then media or link card. The first
// failure is returned.
func (d *Dispatcher) Deliver(ctx context.Context, out domain.OutboundMessage) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, out.ChatID); err != nil {
			return fmt.Errorf("send throttled: %w", err)
		}
	}
	kind := deliveryKind(out)
	err := d.deliver(ctx, out)
	if err != nil {
		metrics.DeliveryFailures.With(kind).Inc()
		d.logger.Error("delivery failed", "chat", out.ChatID, "kind", kind, "err", err)
		return err
	}
	metrics.Deliveries.With(kind).Inc()
	return nil
}

// deliveryKind labels a reply by its richest part.
func deliveryKind(out domain.OutboundMessage) string {
	switch {
	case out.MediaURL != "" || out.MediaPath != "":
		name := out.FileName
		if name == "" {
			name = mediaName(out)
		}
		return classify(name, "").String()
	case out.Link != nil:
		return "link"
	case out.Text != "":
		return "text"
	}
	return "empty"
}

func (d *Dispatcher) deliver(ctx context.Context, out domain.OutboundMessage) error {
	if out.ChatID == "" {
		return errors.New("outbound message has no chat id")
	}
	hasMedia := out.MediaURL != "" || out.MediaPath != ""
	if out.Text == "" && !hasMedia && out.Link == nil {
		return errEmptyMessage
	}

	if out.Text != "" {
		if _, err := d.provider.PostText(ctx, out.ChatID, out.Text, strings.Join(out.Ats, ",")); err != nil {
			return fmt.Errorf("post text: %w", err)
		}
	}
	if hasMedia {
		if err := d.deliverMedia(ctx, out); err != nil {
			return err
		}
	}
	if out.Link != nil {
		if err := d.deliverLink(ctx, out.ChatID, *out.Link); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliverMedia(ctx context.Context, out domain.OutboundMessage) error {
	fileName := out.FileName
	if fileName == "" {
		fileName = mediaName(out)
	}
	kind := classify(fileName, "")

	// Remote images and files with a known extension go straight to the provider.
	if out.MediaPath == "" && (kind == kindImage || (kind == kindFile && filepath.Ext(fileName) != "")) {
		return d.sendByURL(ctx, out.ChatID, kind, out.MediaURL, fileName)
	}

	data, contentType, err := d.loadMedia(ctx, out)
	if err != nil {
		return err
	}
	if kind == kindFile {
		kind = classify(fileName, contentType)
	}

	switch kind {
	case kindAudio:
		return d.sendVoice(ctx, out.ChatID, data, contentType, fileName)
	case kindVideo:
		return d.sendVideo(ctx, out.ChatID, data, contentType, fileName)
	}
	rm, err := d.media.Stage(data, contentType, fileName)
	if err != nil {
		return fmt.Errorf("stage media: %w", err)
	}
	return d.sendByURL(ctx, out.ChatID, kind, rm.PublicURL, fileName)
}

func (d *Dispatcher) sendByURL(ctx context.Context, to string, kind mediaKind, url, fileName string) error {
	if kind == kindImage {
		if _, err := d.provider.PostImage(ctx, to, url); err != nil {
			return fmt.Errorf("post image: %w", err)
		}
		return nil
	}
	if _, err := d.provider.PostFile(ctx, to, url, fileName); err != nil {
		return fmt.Errorf("post file: %w", err)
	}
	return nil
}

// sendVoice encodes audio to silk. If that fails the original is sent as a file.
func (d *Dispatcher) sendVoice(ctx context.Context, to string, data []byte, contentType, fileName string) error {
	src, srcName := data, fileName
	if media.IsSilk(contentType, fileName, data) {
		wav, err := d.transcoder.DecodeSilk(ctx, data)
		if err != nil {
			return d.sendAsFile(ctx, to, data, contentType, fileName, err)
		}
		src, srcName = wav, "voice.wav"
	}
	silk, durationMs, err := d.transcoder.EncodeSilk(ctx, src, srcName)
	if err != nil {
		return d.sendAsFile(ctx, to, data, contentType, fileName, err)
	}
	rm, err := d.media.Stage(silk, "audio/silk", strings.TrimSuffix(fileName, filepath.Ext(fileName))+".silk")
	if err != nil {
		return fmt.Errorf("stage voice: %w", err)
	}
	if _, err := d.provider.PostVoice(ctx, to, rm.PublicURL, durationMs); err != nil {
		return fmt.Errorf("post voice: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendAsFile(ctx context.Context, to string, data []byte, contentType, fileName string, cause error) error {
	d.logger.Warn("voice encode failed, sending as file", "chat", to, "err", cause)
	rm, err := d.media.Stage(data, contentType, fileName)
	if err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	if _, err := d.provider.PostFile(ctx, to, rm.PublicURL, fileName); err != nil {
		return fmt.Errorf("post file: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendVideo(ctx context.Context, to string, data []byte, contentType, fileName string) error {
	info, err := d.transcoder.InspectVideo(ctx, data, fileName)
	if err != nil {
		d.logger.Warn("video inspection failed", "chat", to, "err", err)
	}
	thumb := info.Thumbnail
	if len(thumb) == 0 {
		thumb = media.FallbackThumbnail()
	}
	video, err := d.media.Stage(data, contentType, fileName)
	if err != nil {
		return fmt.Errorf("stage video: %w", err)
	}
	thumbRM, err := d.media.Stage(thumb, "image/jpeg", "thumb.jpg")
	if err != nil {
		return fmt.Errorf("stage thumbnail: %w", err)
	}
	if _, err := d.provider.PostVideo(ctx, to, video.PublicURL, thumbRM.PublicURL, info.Seconds()); err != nil {
		return fmt.Errorf("post video: %w", err)
	}
	return nil
}

// deliverLink sends a link card. The thumbnail is fetched and shrunk to the
// API limit, or replaced by a generated one.
func (d *Dispatcher) deliverLink(ctx context.Context, to string, link domain.LinkCard) error {
	thumb := d.linkThumbnail(ctx, link.ThumbnailURL)
	rm, err := d.media.Stage(thumb, "image/jpeg", "thumb.jpg")
	if err != nil {
		return fmt.Errorf("stage link thumbnail: %w", err)
	}
	if _, err := d.provider.PostLink(ctx, to, link.Title, link.Description, link.URL, rm.PublicURL); err != nil {
		return fmt.Errorf("post link: %w", err)
	}
	return nil
}

func (d *Dispatcher) linkThumbnail(ctx context.Context, url string) []byte {
	if url == "" {
		return media.FallbackThumbnail()
	}
	data, _, err := d.provider.Fetch(ctx, url)
	if err == nil {
		data, err = media.NormalizeThumbnail(data)
	}
	if err != nil {
		d.logger.Warn("link thumbnail unavailable", "url", url, "err", err)
		return media.FallbackThumbnail()
	}
	return data
}

func (d *Dispatcher) loadMedia(ctx context.Context, out domain.OutboundMessage) ([]byte, string, error) {
	if out.MediaPath != "" {
		data, err := os.ReadFile(out.MediaPath)
		if err != nil {
			return nil, "", fmt.Errorf("read media: %w", err)
		}
		return data, http.DetectContentType(data), nil
	}
	data, contentType, err := d.provider.Fetch(ctx, out.MediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	return data, contentType, nil
}

func mediaName(out domain.OutboundMessage) string {
	if out.MediaPath != "" {
		return filepath.Base(out.MediaPath)
	}
	name := path.Base(strings.SplitN(out.MediaURL, "?", 2)[0])
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// classify picks the send API from the file extension, then the content type.
func classify(fileName, contentType string) mediaKind {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp":
		return kindImage
	case ".gif":
		return kindFile
	case ".silk", ".slk", ".amr", ".mp3", ".wav", ".m4a", ".ogg", ".opus", ".aac", ".flac":
		return kindAudio
	case ".mp4", ".mov", ".m4v", ".webm", ".mkv":
		return kindVideo
	}
	ct := contentType
	if ct == "" {
		ct = mime.TypeByExtension(ext)
	}
	ct, _, _ = mime.ParseMediaType(ct)
	switch {
	case ct == "image/gif":
		return kindFile
	case strings.HasPrefix(ct, "image/"):
		return kindImage
	case strings.HasPrefix(ct, "audio/"):
		return kindAudio
	case strings.HasPrefix(ct, "video/"):
		return kindVideo
	}
	return kindFile
}
