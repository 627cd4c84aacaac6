package gewe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gewebridge/internal/httpx"
)

const (
	tokenHeader      = "X-GEWE-TOKEN"
	retOK            = 200
	maxResponseBytes = 4 << 20
	defaultMaxFetch  = 50 << 20
)

// Image download variants accepted by /message/downloadImage.
const (
	ImageHD    = 1
	ImageMid   = 2
	ImageThumb = 3
)

// APIError is a provider call that failed at the HTTP or application level.
type APIError struct {
	Endpoint   string
	StatusCode int
	Ret        int
	Msg        string
}

func (e *APIError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("gewe %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("gewe %s: ret=%d: %s", e.Endpoint, e.Ret, e.Msg)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL         string
	DownloadBaseURL string
	Token           string
	AppID           string
	Timeout         time.Duration
	MaxFetchBytes   int64
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Client calls the provider REST API. Failures are returned, never retried.
type Client struct {
	baseURL         string
	downloadBaseURL string
	token           string
	appID           string
	maxFetch        int64
	http            *http.Client
	logger          *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = defaultMaxFetch
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		downloadBaseURL: strings.TrimRight(cfg.DownloadBaseURL, "/"),
		token:           cfg.Token,
		appID:           cfg.AppID,
		maxFetch:        cfg.MaxFetchBytes,
		http:            cfg.HTTPClient,
		logger:          cfg.Logger.With("component", "gewe_client"),
	}
}

// AppID is the account the client posts as.
func (c *Client) AppID() string { return c.appID }

type apiResponse struct {
	Ret  int             `json:"ret"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// SendResult is returned by the post* endpoints.
type SendResult struct {
	ToWxid     string     `json:"toWxid"`
	CreateTime int64      `json:"createTime"`
	MsgID      flexString `json:"msgId"`
	NewMsgID   flexString `json:"newMsgId"`
	Type       int        `json:"type"`
}

func (c *Client) call(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["appId"] = c.appID

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gewe %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Msg: truncate(string(raw), 200)}
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	if ar.Ret != retOK {
		return &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Ret: ar.Ret, Msg: ar.Msg}
	}
	if out != nil && len(ar.Data) > 0 && string(ar.Data) != "null" {
		if err := json.Unmarshal(ar.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", endpoint, err)
		}
	}
	c.logger.Debug("gewe call ok", "endpoint", endpoint)
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) (SendResult, error) {
	var res SendResult
	err := c.call(ctx, endpoint, payload, &res)
	return res, err
}

// PostText sends a text message. ats is a comma-separated wxid list, or "notify@all".
func (c *Client) PostText(ctx context.Context, toWxid, content, ats string) (SendResult, error) {
	payload := map[string]any{"toWxid": toWxid, "content": content}
	if ats != "" {
		payload["ats"] = ats
	}
	return c.post(ctx, "/message/postText", payload)
}

func (c *Client) PostImage(ctx context.Context, toWxid, imgURL string) (SendResult, error) {
	return c.post(ctx, "/message/postImage", map[string]any{"toWxid": toWxid, "imgUrl": imgURL})
}

// PostVoice sends a silk voice clip. durationMs is the clip length in milliseconds.
func (c *Client) PostVoice(ctx context.Context, toWxid, voiceURL string, durationMs int64) (SendResult, error) {
	return c.post(ctx, "/message/postVoice", map[string]any{
		"toWxid":        toWxid,
		"voiceUrl":      voiceURL,
		"voiceDuration": durationMs,
	})
}

// PostVideo sends a video. The provider requires a thumbnail and a duration in seconds.
func (c *Client) PostVideo(ctx context.Context, toWxid, videoURL, thumbURL string, durationSec int) (SendResult, error) {
	return c.post(ctx, "/message/postVideo", map[string]any{
		"toWxid":        toWxid,
		"videoUrl":      videoURL,
		"thumbUrl":      thumbURL,
		"videoDuration": durationSec,
	})
}

func (c *Client) PostFile(ctx context.Context, toWxid, fileURL, fileName string) (SendResult, error) {
	return c.post(ctx, "/message/postFile", map[string]any{
		"toWxid":   toWxid,
		"fileUrl":  fileURL,
		"fileName": fileName,
	})
}

func (c *Client) PostLink(ctx context.Context, toWxid, title, desc, linkURL, thumbURL string) (SendResult, error) {
	return c.post(ctx, "/message/postLink", map[string]any{
		"toWxid":   toWxid,
		"title":    title,
		"desc":     desc,
		"linkUrl":  linkURL,
		"thumbUrl": thumbURL,
	})
}

type downloadData struct {
	FileURL string `json:"fileUrl"`
}

func (c *Client) download(ctx context.Context, endpoint string, payload map[string]any) (string, error) {
	var d downloadData
	if err := c.call(ctx, endpoint, payload, &d); err != nil {
		return "", err
	}
	if strings.TrimSpace(d.FileURL) == "" {
		return "", &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Ret: retOK, Msg: "empty fileUrl"}
	}
	return c.resolveFileURL(d.FileURL), nil
}

// DownloadImage asks the provider to fetch an inbound image and returns its URL.
func (c *Client) DownloadImage(ctx context.Context, rawXML string, imgType int) (string, error) {
	return c.download(ctx, "/message/downloadImage", map[string]any{"xml": rawXML, "type": imgType})
}

func (c *Client) DownloadVoice(ctx context.Context, rawXML, msgID string) (string, error) {
	payload := map[string]any{"xml": rawXML}
	if _, err := strconv.ParseInt(msgID, 10, 64); err == nil {
		payload["msgId"] = json.Number(msgID)
	} else if msgID != "" {
		payload["msgId"] = msgID
	}
	return c.download(ctx, "/message/downloadVoice", payload)
}

func (c *Client) DownloadVideo(ctx context.Context, rawXML string) (string, error) {
	return c.download(ctx, "/message/downloadVideo", map[string]any{"xml": rawXML})
}

type chatroomInfo struct {
	ChatroomID string `json:"chatroomId"`
	NickName   string `json:"nickName"`
}

// ChatroomName returns the display name of a group chat.
func (c *Client) ChatroomName(ctx context.Context, roomID string) (string, error) {
	var info chatroomInfo
	if err := c.call(ctx, "/group/getChatroomInfo", map[string]any{"chatroomId": roomID}, &info); err != nil {
		return "", err
	}
	return strings.TrimSpace(info.NickName), nil
}

// resolveFileURL joins relative file paths with the download base.
func (c *Client) resolveFileURL(fileURL string) string {
	if u, err := url.Parse(fileURL); err == nil && u.IsAbs() {
		return fileURL
	}
	base := c.downloadBaseURL
	if base == "" {
		base = c.baseURL
	}
	return base + "/" + strings.TrimLeft(fileURL, "/")
}

// Fetch downloads a file previously resolved by one of the Download* calls.
func (c *Client) Fetch(ctx context.Context, fileURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveFileURL(fileURL), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &APIError{Endpoint: "fetch", StatusCode: resp.StatusCode, Msg: resp.Status}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFetch+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > c.maxFetch {
		return nil, "", fmt.Errorf("media exceeds %d bytes", c.maxFetch)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
