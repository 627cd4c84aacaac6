package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"gewebridge/internal/domain"
	"gewebridge/internal/gewe"
	"gewebridge/internal/media"
	"gewebridge/internal/metrics"
	"gewebridge/internal/security"
)

// Placeholder bodies for media envelopes.
const (
	bodyImage = "<media:image>"
	bodyVoice = "<media:audio>"
	bodyVideo = "<media:video>"
	bodyApp   = "<media:link>"
)

// Image variants tried in order.
var imageVariants = []int{gewe.ImageHD, gewe.ImageMid, gewe.ImageThumb}

// HandleInbound gates msg and, if it passes, hands it to the agent
// pipeline. Media messages are published from the download queue.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg domain.InboundMessage) error {
	var storeAllow []string
	if d.pairing != nil {
		allow, err := d.pairing.AllowFrom(ctx, d.account)
		if err != nil {
			d.logger.Warn("load approved senders failed", "err", err)
		}
		storeAllow = allow
	}

	in := security.Input{Msg: msg, StoreAllowFrom: storeAllow}
	if msg.IsGroupChat {
		in.GroupName = d.rooms.lookup(ctx, msg.RoomID)
	}
	dec := d.policy.Evaluate(in)
	if !dec.Proceed() {
		metrics.PolicyDrops.With(string(dec.Reason)).Inc()
		d.logger.Debug("message dropped", "reason", dec.Reason, "from", msg.FromID, "sender", msg.SenderID, "type", msg.MsgType)
		if dec.PairingRequired {
			return d.replyPairing(ctx, msg)
		}
		return nil
	}

	switch msg.MsgType {
	case domain.MsgText:
		d.publish(d.envelope(msg, dec, msg.Text))
	case domain.MsgApp:
		body := bodyApp
		if am, ok := gewe.ParseAppMessage(msg.RawPayloadXML); ok {
			body = am.Body()
		}
		d.publish(d.envelope(msg, dec, body))
	case domain.MsgImage, domain.MsgVoice, domain.MsgVideo:
		key := msg.DedupeKey()
		if !d.queue.Enqueue(key, func(ctx context.Context) error {
			return d.fetchMedia(ctx, msg, dec)
		}) {
			d.logger.Debug("media download already queued", "key", key)
		}
	}
	return nil
}

func (d *Dispatcher) replyPairing(ctx context.Context, msg domain.InboundMessage) error {
	if d.pairing == nil {
		return nil
	}
	code, created, err := d.pairing.Request(ctx, d.account, msg.SenderID, msg.SenderName)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if _, err := d.provider.PostText(ctx, msg.FromID, security.PairingReply(code), ""); err != nil {
		return fmt.Errorf("send pairing code: %w", err)
	}
	return nil
}

func (d *Dispatcher) envelope(msg domain.InboundMessage, dec domain.PolicyDecision, body string) domain.Envelope {
	return domain.Envelope{
		ID:                uuid.NewString(),
		AccountID:         d.account,
		ChatID:            msg.ChatID(),
		SenderID:          msg.SenderID,
		SenderName:        msg.SenderName,
		Body:              body,
		MsgType:           msg.MsgType.String(),
		IsGroup:           msg.IsGroupChat,
		WasMentioned:      dec.WasMentioned,
		CommandAuthorized: dec.CommandAuthorized,
		Timestamp:         msg.Timestamp,
	}
}

func (d *Dispatcher) publish(env domain.Envelope) {
	if d.bus == nil {
		d.logger.Warn("no bus configured, envelope dropped", "id", env.ID)
		return
	}
	d.bus.Publish(env)
}

// fetchMedia runs on the download queue. The envelope is published even
// when the media could not be fetched, with a note explaining why.
func (d *Dispatcher) fetchMedia(ctx context.Context, msg domain.InboundMessage, dec domain.PolicyDecision) error {
	env := d.envelope(msg, dec, placeholder(msg.MsgType))
	defer func() { d.publish(env) }()

	fileURL, err := d.resolveDownload(ctx, msg)
	if err != nil {
		env.MediaNote = "media download failed"
		return fmt.Errorf("download %s %s: %w", msg.MsgType, msg.DedupeKey(), err)
	}
	data, contentType, err := d.provider.Fetch(ctx, fileURL)
	if err != nil {
		env.MediaNote = "media download failed"
		return fmt.Errorf("fetch %s: %w", msg.DedupeKey(), err)
	}
	name := urlBaseName(fileURL)

	var fileName string
	if msg.MsgType == domain.MsgVoice && media.IsSilk(contentType, name, data) {
		wav, err := d.transcoder.DecodeSilk(ctx, data)
		if err != nil {
			// Deliver the text part without audio.
			env.MediaNote = "voice message could not be transcoded"
			d.logger.Warn("silk decode failed", "key", msg.DedupeKey(), "err", err)
			return nil
		}
		data, contentType = wav, "audio/wav"
		fileName = stem(name, msg.MsgType) + ".wav"
	} else {
		fileName = fileNameFor(msg.MsgType, name, contentType)
	}

	rm, err := d.media.Stage(data, contentType, fileName)
	if err != nil {
		env.MediaNote = "media could not be stored"
		return fmt.Errorf("stage %s: %w", msg.DedupeKey(), err)
	}
	env.Media = []domain.ResolvedMedia{rm}
	return nil
}

func (d *Dispatcher) resolveDownload(ctx context.Context, msg domain.InboundMessage) (string, error) {
	switch msg.MsgType {
	case domain.MsgImage:
		var errs []error
		for _, v := range imageVariants {
			u, err := d.provider.DownloadImage(ctx, msg.RawPayloadXML, v)
			if err == nil {
				return u, nil
			}
			errs = append(errs, err)
		}
		return "", errors.Join(errs...)
	case domain.MsgVoice:
		return d.provider.DownloadVoice(ctx, msg.RawPayloadXML, msg.MessageID)
	case domain.MsgVideo:
		return d.provider.DownloadVideo(ctx, msg.RawPayloadXML)
	}
	return "", fmt.Errorf("no download for %s", msg.MsgType)
}

func placeholder(t domain.MsgType) string {
	switch t {
	case domain.MsgImage:
		return bodyImage
	case domain.MsgVoice:
		return bodyVoice
	case domain.MsgVideo:
		return bodyVideo
	}
	return ""
}

// urlBaseName is the last path element of fileURL without its query.
func urlBaseName(fileURL string) string {
	name := path.Base(strings.SplitN(fileURL, "?", 2)[0])
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func stem(name string, t domain.MsgType) string {
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" {
		return strings.ToLower(t.String())
	}
	return name
}

// fileNameFor names staged media. An extension is only synthesized when
// the URL lacks one; voice gets one only from its content type.
func fileNameFor(t domain.MsgType, name, contentType string) string {
	if path.Ext(name) != "" {
		return name
	}
	name = stem(name, t)
	if ext := media.ExtensionFor("", contentType); ext != "" {
		return name + ext
	}
	switch t {
	case domain.MsgImage:
		return name + ".jpg"
	case domain.MsgVideo:
		return name + ".mp4"
	}
	return name
}
