package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gewebridge/internal/bus"
	"gewebridge/internal/config"
	"gewebridge/internal/domain"
	"gewebridge/internal/gewe"
	"gewebridge/internal/media"
	"gewebridge/internal/metrics"
	"gewebridge/internal/queue"
	"gewebridge/internal/security"
)

type call struct {
	Method string
	Args   []any
}

type fakeProvider struct {
	mu        sync.Mutex
	calls     []call
	downloads map[int]string // image variant -> url; missing variants fail
	fetch     map[string][]byte
	fetchCT   map[string]string
	voiceURL  string
	postErr   error
}

func (f *fakeProvider) record(method string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Method: method, Args: args})
}

func (f *fakeProvider) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeProvider) find(method string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Method == method {
			return c, true
		}
	}
	return call{}, false
}

func (f *fakeProvider) PostText(_ context.Context, to, content, ats string) (gewe.SendResult, error) {
	f.record("PostText", to, content, ats)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) PostImage(_ context.Context, to, u string) (gewe.SendResult, error) {
	f.record("PostImage", to, u)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) PostVoice(_ context.Context, to, u string, ms int64) (gewe.SendResult, error) {
	f.record("PostVoice", to, u, ms)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) PostVideo(_ context.Context, to, u, thumb string, secs int) (gewe.SendResult, error) {
	f.record("PostVideo", to, u, thumb, secs)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) PostFile(_ context.Context, to, u, name string) (gewe.SendResult, error) {
	f.record("PostFile", to, u, name)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) PostLink(_ context.Context, to, title, desc, link, thumb string) (gewe.SendResult, error) {
	f.record("PostLink", to, title, desc, link, thumb)
	return gewe.SendResult{}, f.postErr
}

func (f *fakeProvider) DownloadImage(_ context.Context, xml string, variant int) (string, error) {
	f.record("DownloadImage", xml, variant)
	if u, ok := f.downloads[variant]; ok {
		return u, nil
	}
	return "", &gewe.APIError{Endpoint: "/message/downloadImage", StatusCode: 200, Ret: 500, Msg: "not ready"}
}

func (f *fakeProvider) DownloadVoice(_ context.Context, xml, msgID string) (string, error) {
	f.record("DownloadVoice", xml, msgID)
	if f.voiceURL != "" {
		return f.voiceURL, nil
	}
	return "http://gewe.local/files/voice.silk", nil
}

func (f *fakeProvider) DownloadVideo(_ context.Context, xml string) (string, error) {
	f.record("DownloadVideo", xml)
	return "http://gewe.local/files/clip.mp4", nil
}

func (f *fakeProvider) Fetch(_ context.Context, u string) ([]byte, string, error) {
	f.record("Fetch", u)
	data, ok := f.fetch[u]
	if !ok {
		return nil, "", errors.New("404")
	}
	return data, f.fetchCT[u], nil
}

type recordingQueue struct {
	mu   sync.Mutex
	keys []string
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(key string, job queue.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
	q.jobs = append(q.jobs, job)
	return true
}

type fakeTranscoder struct {
	decodeErr error
	encodeErr error
	video     media.VideoInfo
	encoded   []byte
	decodes   int
}

func (f *fakeTranscoder) DecodeSilk(_ context.Context, data []byte) ([]byte, error) {
	f.decodes++
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	return []byte("RIFF....WAVE"), nil
}

func (f *fakeTranscoder) EncodeSilk(_ context.Context, data []byte, name string) ([]byte, int64, error) {
	if f.encodeErr != nil {
		return nil, 0, f.encodeErr
	}
	f.encoded = data
	return []byte("#!SILK_V3out"), 1520, nil
}

func (f *fakeTranscoder) InspectVideo(_ context.Context, data []byte, name string) (media.VideoInfo, error) {
	return f.video, nil
}

type fakePairing struct {
	mu      sync.Mutex
	allow   []string
	pending map[string]string
}

func (f *fakePairing) Request(_ context.Context, account, sender, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.pending[sender]; ok {
		return code, false, nil
	}
	f.pending[sender] = "ABCD2345"
	return "ABCD2345", true, nil
}

func (f *fakePairing) AllowFrom(context.Context, string) ([]string, error) {
	return f.allow, nil
}

type fakeRooms struct {
	names   map[string]string
	lookups int
}

func (f *fakeRooms) ChatroomName(_ context.Context, roomID string) (string, error) {
	f.lookups++
	name, ok := f.names[roomID]
	if !ok {
		return "", errors.New("chatroom not found")
	}
	return name, nil
}

type harness struct {
	d        *Dispatcher
	provider *fakeProvider
	queue    *recordingQueue
	trans    *fakeTranscoder
	bus      *bus.InMemoryBus
	store    *media.Store
}

func newHarness(t *testing.T, policy config.PolicyConfig, pairing Pairing, opts ...func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := security.NewEngine(policy, config.CommandsConfig{Text: true})
	require.NoError(t, err)
	store, err := media.NewStore(media.StoreConfig{
		Dir:           t.TempDir(),
		PublicBaseURL: "http://bridge.local:4400",
		Path:          "/media",
		Logger:        logger,
	})
	require.NoError(t, err)

	h := &harness{
		provider: &fakeProvider{downloads: map[int]string{}, fetch: map[string][]byte{}, fetchCT: map[string]string{}},
		queue:    &recordingQueue{},
		trans:    &fakeTranscoder{},
		bus:      bus.New(8, logger),
		store:    store,
	}
	t.Cleanup(h.bus.Close)
	cfg := Config{
		AccountID:  "default",
		Provider:   h.provider,
		Policy:     engine,
		Pairing:    pairing,
		Queue:      h.queue,
		Transcoder: h.trans,
		Media:      store,
		Bus:        h.bus,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.d = New(cfg)
	return h
}

func (h *harness) envelopes() []domain.Envelope {
	var out []domain.Envelope
	for {
		select {
		case env := <-h.bus.Subscribe():
			out = append(out, env)
		default:
			return out
		}
	}
}

func openDM() config.PolicyConfig {
	return config.PolicyConfig{DMPolicy: "open", GroupPolicy: "open"}
}

func inbound(t domain.MsgType, text string) domain.InboundMessage {
	return domain.InboundMessage{
		MessageID:     "1040356095",
		NewMessageID:  "7880439644200000000",
		AppID:         "wx_app",
		BotWxid:       "wxid_bot",
		FromID:        "wxid_abc",
		ToID:          "wxid_bot",
		SenderID:      "wxid_abc",
		SenderName:    "Alice",
		Text:          text,
		MsgType:       t,
		RawPayloadXML: `<msg><img cdnmidimgurl="x"/></msg>`,
		Timestamp:     time.Unix(1705043418, 0),
	}
}

func TestHandleInbound_TextPublishesOneEnvelope(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgText, "hello")))

	envs := h.envelopes()
	require.Len(t, envs, 1)
	env := envs[0]
	assert.Equal(t, "hello", env.Body)
	assert.Equal(t, "wxid_abc", env.ChatID)
	assert.Equal(t, "default", env.AccountID)
	assert.Equal(t, "text", env.MsgType)
	assert.Equal(t, "Alice", env.SenderName)
	assert.NotEmpty(t, env.ID)
	assert.Empty(t, h.queue.keys)
}

func TestHandleInbound_ImageEnqueuesOneJob(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.provider.downloads[gewe.ImageMid] = "http://gewe.local/files/a.png"
	h.provider.fetch["http://gewe.local/files/a.png"] = []byte("\x89PNG\r\n\x1a\nfake")
	h.provider.fetchCT["http://gewe.local/files/a.png"] = "image/png"

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgImage, "")))

	require.Equal(t, []string{"wx_app:7880439644200000000"}, h.queue.keys)
	assert.Empty(t, h.envelopes(), "media envelopes are published by the job")

	require.NoError(t, h.queue.jobs[0](context.Background()))

	assert.Equal(t, []string{"DownloadImage", "DownloadImage", "Fetch"}, h.provider.methods(), "falls back from HD to mid")
	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, bodyImage, envs[0].Body)
	require.Len(t, envs[0].Media, 1)
	assert.True(t, strings.HasPrefix(envs[0].Media[0].PublicURL, "http://bridge.local:4400/media/"))
	assert.Equal(t, "image/png", envs[0].Media[0].ContentType)
	assert.FileExists(t, envs[0].Media[0].LocalPath)
}

func TestHandleInbound_MediaDownloadFailureStillPublishes(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgImage, "")))
	err := h.queue.jobs[0](context.Background())
	assert.Error(t, err)

	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Empty(t, envs[0].Media)
	assert.Equal(t, "media download failed", envs[0].MediaNote)
}

func TestHandleInbound_VoiceDecoded(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.provider.fetch["http://gewe.local/files/voice.silk"] = []byte("\x02#!SILK_V3payload")

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgVoice, "")))
	require.NoError(t, h.queue.jobs[0](context.Background()))

	c, ok := h.provider.find("DownloadVoice")
	require.True(t, ok)
	assert.Equal(t, "1040356095", c.Args[1])

	envs := h.envelopes()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Media, 1)
	assert.Equal(t, "audio/wav", envs[0].Media[0].ContentType)
	assert.Equal(t, "voice.wav", envs[0].Media[0].FileName)
}

func TestHandleInbound_ExtensionlessNonSilkVoiceStaged(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.provider.voiceURL = "http://cdn.example/voice/abc123"
	h.provider.fetch[h.provider.voiceURL] = []byte("ID3\x03\x00\x00\x00\x00\x00\x00mp3 frames")
	h.provider.fetchCT[h.provider.voiceURL] = "audio/mpeg"

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgVoice, "")))
	require.NoError(t, h.queue.jobs[0](context.Background()))

	assert.Zero(t, h.trans.decodes)
	envs := h.envelopes()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Media, 1)
	assert.Empty(t, envs[0].MediaNote)
	assert.Equal(t, "audio/mpeg", envs[0].Media[0].ContentType)
	assert.Equal(t, "abc123.mp3", envs[0].Media[0].FileName)
	assert.True(t, strings.HasSuffix(envs[0].Media[0].PublicURL, ".mp3"))
}

func TestHandleInbound_VoiceDecodeFailureDegrades(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.trans.decodeErr = media.ErrNoDecoder
	h.provider.fetch["http://gewe.local/files/voice.silk"] = []byte("#!SILK_V3payload")

	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgVoice, "")))
	require.NoError(t, h.queue.jobs[0](context.Background()))

	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Empty(t, envs[0].Media)
	assert.Equal(t, bodyVoice, envs[0].Body)
	assert.NotEmpty(t, envs[0].MediaNote)
}

func TestHandleInbound_AppMessageBody(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	msg := inbound(domain.MsgApp, "")
	msg.RawPayloadXML = `<msg><appmsg><title>Go 1.25 released</title><des>notes</des><url>https://go.dev/blog</url><type>5</type></appmsg></msg>`

	require.NoError(t, h.d.HandleInbound(context.Background(), msg))

	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "Go 1.25 released\nnotes\nhttps://go.dev/blog", envs[0].Body)
}

func TestHandleInbound_PairingCodeSentOnce(t *testing.T) {
	pairing := &fakePairing{pending: map[string]string{}}
	h := newHarness(t, config.PolicyConfig{DMPolicy: "pairing"}, pairing)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgText, "hi")))
	}

	assert.Equal(t, []string{"PostText"}, h.provider.methods())
	c, _ := h.provider.find("PostText")
	assert.Equal(t, "wxid_abc", c.Args[0])
	assert.Contains(t, c.Args[1], "ABCD2345")
	assert.Empty(t, h.envelopes())

	pairing.allow = []string{"wxid_abc"}
	require.NoError(t, h.d.HandleInbound(context.Background(), inbound(domain.MsgText, "hi")))
	assert.Len(t, h.envelopes(), 1)
}

func TestHandleInbound_GroupWithoutMentionDropped(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	msg := inbound(domain.MsgText, "chatter")
	msg.IsGroupChat = true
	msg.RoomID = "123@chatroom"
	msg.FromID = "123@chatroom"

	require.NoError(t, h.d.HandleInbound(context.Background(), msg))
	assert.Empty(t, h.envelopes())

	msg.AtUserList = []string{"wxid_bot"}
	require.NoError(t, h.d.HandleInbound(context.Background(), msg))
	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "123@chatroom", envs[0].ChatID)
	assert.True(t, envs[0].WasMentioned)
	assert.True(t, envs[0].IsGroup)
}

func TestHandleInbound_GroupResolvedByRoomName(t *testing.T) {
	noMention := false
	policy := config.PolicyConfig{
		DMPolicy:    "open",
		GroupPolicy: "open",
		Groups:      map[string]config.GroupConfig{"Family": {RequireMention: &noMention}},
	}
	group := inbound(domain.MsgText, "dinner at 7")
	group.IsGroupChat = true
	group.RoomID = "123@chatroom"
	group.FromID = "123@chatroom"

	t.Run("without directory the room is unknown", func(t *testing.T) {
		h := newHarness(t, policy, nil)
		require.NoError(t, h.d.HandleInbound(context.Background(), group))
		assert.Empty(t, h.envelopes())
	})

	t.Run("name lookup admits and is cached", func(t *testing.T) {
		rooms := &fakeRooms{names: map[string]string{"123@chatroom": "family"}}
		h := newHarness(t, policy, nil, func(c *Config) { c.Rooms = rooms })
		require.NoError(t, h.d.HandleInbound(context.Background(), group))
		require.NoError(t, h.d.HandleInbound(context.Background(), group))
		assert.Len(t, h.envelopes(), 2)
		assert.Equal(t, 1, rooms.lookups)
	})

	t.Run("failed lookup is cached too", func(t *testing.T) {
		rooms := &fakeRooms{}
		h := newHarness(t, policy, nil, func(c *Config) { c.Rooms = rooms })
		require.NoError(t, h.d.HandleInbound(context.Background(), group))
		require.NoError(t, h.d.HandleInbound(context.Background(), group))
		assert.Empty(t, h.envelopes())
		assert.Equal(t, 1, rooms.lookups)
	})
}

func TestDeliver_TextWithAts(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	err := h.bus.SendOutbound(domain.OutboundMessage{ChatID: "123@chatroom", Text: "hi", Ats: []string{"wxid_a", "wxid_b"}})
	require.NoError(t, err)

	c, ok := h.provider.find("PostText")
	require.True(t, ok)
	assert.Equal(t, []any{"123@chatroom", "hi", "wxid_a,wxid_b"}, c.Args)
}

func TestDeliver_RemoteImageByURL(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	require.NoError(t, h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a", MediaURL: "https://cdn.example/cat.jpg?x=1"}))
	assert.Equal(t, []string{"PostImage"}, h.provider.methods())
}

func TestDeliver_AudioEncodedToVoice(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	src := filepath.Join(t.TempDir(), "reply.mp3")
	require.NoError(t, os.WriteFile(src, []byte("ID3mp3data"), 0o600))

	require.NoError(t, h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a", MediaPath: src}))

	c, ok := h.provider.find("PostVoice")
	require.True(t, ok)
	assert.EqualValues(t, 1520, c.Args[2])
	assert.True(t, strings.HasSuffix(c.Args[1].(string), ".silk"))
	assert.Equal(t, []byte("ID3mp3data"), h.trans.encoded)
}

func TestDeliver_AudioEncodeFailureFallsBackToFile(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.trans.encodeErr = errors.New("ffmpeg missing")
	src := filepath.Join(t.TempDir(), "reply.mp3")
	require.NoError(t, os.WriteFile(src, []byte("ID3mp3data"), 0o600))

	require.NoError(t, h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a", MediaPath: src}))

	c, ok := h.provider.find("PostFile")
	require.True(t, ok)
	assert.Equal(t, "reply.mp3", c.Args[2])
	_, voice := h.provider.find("PostVoice")
	assert.False(t, voice)
}

func TestDeliver_VideoUsesFallbackThumbnail(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.trans.video = media.VideoInfo{Duration: 2500 * time.Millisecond}
	h.provider.fetch["https://cdn.example/clip.mp4"] = []byte("mp4data")
	h.provider.fetchCT["https://cdn.example/clip.mp4"] = "video/mp4"

	require.NoError(t, h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a", MediaURL: "https://cdn.example/clip.mp4"}))

	c, ok := h.provider.find("PostVideo")
	require.True(t, ok)
	assert.Equal(t, 3, c.Args[3])
	thumbURL := c.Args[2].(string)
	data, err := os.ReadFile(filepath.Join(h.store.Dir(), filepath.Base(thumbURL)))
	require.NoError(t, err)
	assert.Equal(t, media.FallbackThumbnail(), data)
}

func TestDeliver_LinkCard(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	err := h.d.Deliver(context.Background(), domain.OutboundMessage{
		ChatID: "wxid_a",
		Link:   &domain.LinkCard{Title: "Docs", Description: "read me", URL: "https://go.dev", ThumbnailURL: "https://cdn.example/missing.png"},
	})
	require.NoError(t, err)

	c, ok := h.provider.find("PostLink")
	require.True(t, ok)
	assert.Equal(t, "Docs", c.Args[1])
	assert.Equal(t, "https://go.dev", c.Args[3])
	assert.Contains(t, c.Args[4], "http://bridge.local:4400/media/")
}

func TestDeliver_Errors(t *testing.T) {
	h := newHarness(t, openDM(), nil)

	assert.ErrorIs(t, h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a"}), errEmptyMessage)
	assert.Error(t, h.d.Deliver(context.Background(), domain.OutboundMessage{Text: "x"}))

	h.provider.postErr = &gewe.APIError{Endpoint: "/message/postText", StatusCode: 200, Ret: 500, Msg: "offline"}
	err := h.d.Deliver(context.Background(), domain.OutboundMessage{ChatID: "wxid_a", Text: "x"})
	var apiErr *gewe.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func domainText(chat, text string) domain.OutboundMessage {
	return domain.OutboundMessage{ChatID: chat, Text: text}
}

func TestHandleInbound_DropCountedByReason(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	drops := metrics.PolicyDrops.With("self_message")
	before := drops.Value()

	msg := inbound(domain.MsgText, "echo")
	msg.SenderID = "wxid_bot"
	require.NoError(t, h.d.HandleInbound(context.Background(), msg))

	assert.Empty(t, h.envelopes())
	assert.Equal(t, before+1, drops.Value())
}

func TestDeliveryKind(t *testing.T) {
	tests := []struct {
		out  domain.OutboundMessage
		want string
	}{
		{domain.OutboundMessage{Text: "hi"}, "text"},
		{domain.OutboundMessage{Text: "hi", MediaURL: "https://cdn.example/a.png"}, "image"},
		{domain.OutboundMessage{MediaPath: "/tmp/reply.mp3"}, "audio"},
		{domain.OutboundMessage{MediaURL: "https://cdn.example/report.pdf"}, "file"},
		{domain.OutboundMessage{Link: &domain.LinkCard{Title: "Go", URL: "https://go.dev"}}, "link"},
		{domain.OutboundMessage{}, "empty"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deliveryKind(tt.out))
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, kindImage, classify("a.PNG", ""))
	assert.Equal(t, kindFile, classify("a.gif", ""))
	assert.Equal(t, kindAudio, classify("a.silk", ""))
	assert.Equal(t, kindVideo, classify("a.mov", ""))
	assert.Equal(t, kindAudio, classify("blob", "audio/ogg; codecs=opus"))
	assert.Equal(t, kindFile, classify("report.pdf", ""))
}

func TestFileNameFor(t *testing.T) {
	tests := []struct {
		name        string
		msgType     domain.MsgType
		url         string
		contentType string
		want        string
	}{
		{"keeps extension", domain.MsgImage, "http://x/files/a.png?sig=1", "", "a.png"},
		{"image default", domain.MsgImage, "http://x/files/abc", "", "abc.jpg"},
		{"video default", domain.MsgVideo, "http://x/files/clip", "", "clip.mp4"},
		{"voice from content type", domain.MsgVoice, "http://cdn.example/voice/abc123", "audio/mpeg", "abc123.mp3"},
		{"voice unknown type", domain.MsgVoice, "http://cdn.example/voice/abc123", "", "abc123"},
		{"empty url", domain.MsgVoice, "", "", "voice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fileNameFor(tt.msgType, urlBaseName(tt.url), tt.contentType))
		})
	}
}
