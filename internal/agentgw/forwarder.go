// Package agentgw forwards envelopes to an external agent pipeline over
// HTTP and feeds its replies back onto the bus.
package agentgw

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gewebridge/internal/domain"
	"gewebridge/internal/httpx"
)

const (
	defaultTimeout   = 120 * time.Second
	maxConcurrent    = 8
	maxResponseBytes = 1 << 20
	signatureHeader  = "X-Signature-256"
)

type Config struct {
	URL        string
	Token      string // bearer token, also the HMAC key for X-Signature-256
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Response is what the agent endpoint returns for one envelope.
type Response struct {
	Replies []domain.OutboundMessage `json:"replies"`
}

// Forwarder POSTs each envelope to the agent URL.
type Forwarder struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.With("component", "agentgw"),
	}
}

// Run consumes the bus until ctx is done or the bus closes. Envelopes are
// forwarded concurrently, at most maxConcurrent at a time.
func (f *Forwarder) Run(ctx context.Context, bus domain.MessageBus) error {
	sem := make(chan struct{}, maxConcurrent)
	in := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if f.url == "" {
				f.logger.Info("no agent url configured, envelope dropped", "id", env.ID, "chat", env.ChatID)
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func() {
				defer func() { <-sem }()
				f.handle(ctx, bus, env)
			}()
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, bus domain.MessageBus, env domain.Envelope) {
	replies, err := f.Forward(ctx, env)
	if err != nil {
		f.logger.Error("agent forward failed", "id", env.ID, "chat", env.ChatID, "err", err)
		return
	}
	for _, r := range replies {
		if err := bus.SendOutbound(r); err != nil {
			f.logger.Error("reply delivery failed", "chat", r.ChatID, "err", err)
		}
	}
}

// Forward sends one envelope and returns the agent's replies addressed to
// the envelope's chat unless they name another.
func (f *Forwarder) Forward(ctx context.Context, env domain.Envelope) ([]domain.OutboundMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := httpx.DoWithRetry(ctx, f.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
			req.Header.Set(signatureHeader, sign(body, f.token))
		}
		return req, nil
	}, f.logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	replies := out.Replies[:0]
	for _, r := range out.Replies {
		if r.AccountID == "" {
			r.AccountID = env.AccountID
		}
		if r.ChatID == "" {
			r.ChatID = env.ChatID
		}
		// Remote replies may only reference media by URL.
		r.MediaPath = ""
		if r.Text == "" && r.MediaURL == "" && r.Link == nil {
			continue
		}
		replies = append(replies, r)
	}
	return replies, nil
}

// sign returns the HMAC-SHA256 of body in "sha256=<hex>" form.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
