// Package store persists pairing requests and approved senders in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// PairingRequest is a pending DM pairing.
type PairingRequest struct {
	Account    string
	SenderID   string
	SenderName string
	Code       string
	CreatedAt  time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store"), now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreatePairingRequest records a pending request with code unless one already
// exists for (account, senderID). It returns the stored code and whether this
// call created it.
func (s *Store) CreatePairingRequest(ctx context.Context, account, senderID, senderName, code string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pairing_requests (account, sender_id, sender_name, code, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account, senderID, senderName, code, s.now().Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert pairing request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return code, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE account = ? AND sender_id = ?`,
		account, senderID,
	).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("load pairing request: %w", err)
	}
	return existing, false, nil
}

// PairingRequestByCode finds a pending request by its code.
func (s *Store) PairingRequestByCode(ctx context.Context, account, code string) (PairingRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account, sender_id, sender_name, code, created_at FROM pairing_requests
		 WHERE account = ? AND code = ?`,
		account, code,
	)
	pr, err := scanPairing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PairingRequest{}, ErrNotFound
	}
	if err != nil {
		return PairingRequest{}, fmt.Errorf("query pairing request: %w", err)
	}
	return pr, nil
}

// ListPairingRequests returns pending requests, oldest first. An empty
// account lists every account.
func (s *Store) ListPairingRequests(ctx context.Context, account string) ([]PairingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, sender_id, sender_name, code, created_at FROM pairing_requests
		 WHERE (? = '' OR account = ?) ORDER BY created_at, id`,
		account, account,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		pr, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ApprovePairing moves the request's sender into allow_from and deletes the request.
func (s *Store) ApprovePairing(ctx context.Context, pr PairingRequest, approvedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO allow_from (account, sender_id, sender_name, approved_at, approved_by)
		 VALUES (?, ?, ?, ?, ?)`,
		pr.Account, pr.SenderID, pr.SenderName, s.now().Unix(), approvedBy,
	); err != nil {
		return fmt.Errorf("insert allow_from: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE account = ? AND sender_id = ?`,
		pr.Account, pr.SenderID,
	); err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	return tx.Commit()
}

// AllowFrom returns the approved sender ids for account.
func (s *Store) AllowFrom(ctx context.Context, account string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id FROM allow_from WHERE account = ? ORDER BY id`, account)
	if err != nil {
		return nil, fmt.Errorf("query allow_from: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveAllowFrom revokes an approved sender.
func (s *Store) RemoveAllowFrom(ctx context.Context, account, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM allow_from WHERE account = ? AND sender_id = ?`, account, senderID)
	return err
}

// DeletePairingRequestsBefore removes requests created before cutoff.
func (s *Store) DeletePairingRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired pairing requests: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPairing(sc scanner) (PairingRequest, error) {
	var pr PairingRequest
	var created int64
	if err := sc.Scan(&pr.Account, &pr.SenderID, &pr.SenderName, &pr.Code, &created); err != nil {
		return PairingRequest{}, err
	}
	pr.CreatedAt = time.Unix(created, 0)
	return pr, nil
}
