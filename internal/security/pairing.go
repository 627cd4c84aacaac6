package security

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"gewebridge/internal/store"
)

const (
	pairingCodeLength = 8
	// pairingAlphabet omits 0/O and 1/I.
	pairingAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	defaultPairingTTL = time.Hour
)

// ErrUnknownCode is returned by Approve when no pending request has the code.
var ErrUnknownCode = errors.New("unknown pairing code")

// PairingStore is the persistence the pairing service needs.
type PairingStore interface {
	CreatePairingRequest(ctx context.Context, account, senderID, senderName, code string) (string, bool, error)
	PairingRequestByCode(ctx context.Context, account, code string) (store.PairingRequest, error)
	ListPairingRequests(ctx context.Context, account string) ([]store.PairingRequest, error)
	ApprovePairing(ctx context.Context, pr store.PairingRequest, approvedBy string) error
	AllowFrom(ctx context.Context, account string) ([]string, error)
	DeletePairingRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PairingConfig configures the DM pairing system.
type PairingConfig struct {
	Store  PairingStore
	TTL    time.Duration
	Logger *slog.Logger
}

// PairingService issues one-time codes to unknown DM senders. An operator
// approves a code out of band, after which the sender joins the stored
// allowlist.
type PairingService struct {
	store  PairingStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewPairingService(cfg PairingConfig) *PairingService {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultPairingTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingService{
		store:  cfg.Store,
		ttl:    cfg.TTL,
		logger: cfg.Logger.With("component", "pairing"),
		now:    time.Now,
	}
}

// Request returns the pending code for the sender, issuing one if none exists.
// created is true only for the call that issued it.
func (ps *PairingService) Request(ctx context.Context, account, senderID, senderName string) (code string, created bool, err error) {
	code, created, err = ps.store.CreatePairingRequest(ctx, account, senderID, senderName, generateSecureCode(pairingCodeLength))
	if err != nil {
		return "", false, fmt.Errorf("pairing request: %w", err)
	}
	if created {
		ps.logger.Info("pairing code issued", "account", account, "sender", senderID)
	}
	return code, created, nil
}

// Approve admits the sender holding code.
func (ps *PairingService) Approve(ctx context.Context, account, code, approvedBy string) (store.PairingRequest, error) {
	pr, err := ps.store.PairingRequestByCode(ctx, account, normalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return store.PairingRequest{}, ErrUnknownCode
	}
	if err != nil {
		return store.PairingRequest{}, err
	}
	if ps.now().Sub(pr.CreatedAt) > ps.ttl {
		return store.PairingRequest{}, ErrUnknownCode
	}
	if err := ps.store.ApprovePairing(ctx, pr, approvedBy); err != nil {
		return store.PairingRequest{}, fmt.Errorf("approve pairing: %w", err)
	}
	ps.logger.Info("sender paired", "account", account, "sender", pr.SenderID)
	return pr, nil
}

// List returns pending requests for account ("" for all).
func (ps *PairingService) List(ctx context.Context, account string) ([]store.PairingRequest, error) {
	return ps.store.ListPairingRequests(ctx, account)
}

// AllowFrom returns the senders admitted through pairing.
func (ps *PairingService) AllowFrom(ctx context.Context, account string) ([]string, error) {
	return ps.store.AllowFrom(ctx, account)
}

// CleanExpired removes requests older than the TTL. Call periodically.
func (ps *PairingService) CleanExpired(ctx context.Context) (int64, error) {
	n, err := ps.store.DeletePairingRequestsBefore(ctx, ps.now().Add(-ps.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		ps.logger.Debug("expired pairing requests removed", "count", n)
	}
	return n, nil
}

// PairingReply is the text sent to a sender who needs to pair.
func PairingReply(code string) string {
	return fmt.Sprintf("This assistant only answers approved contacts.\nYour pairing code: %s\nAsk the operator to run: gewebridge pairing approve %s", code, code)
}

func normalizeCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != ' ' && c != '-' {
			out = append(out, c)
		}
	}
	return string(out)
}

// generateSecureCode returns a random code drawn from pairingAlphabet.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	max := big.NewInt(int64(len(pairingAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			code[i] = pairingAlphabet[0]
			continue
		}
		code[i] = pairingAlphabet[n.Int64()]
	}
	return string(code)
}
