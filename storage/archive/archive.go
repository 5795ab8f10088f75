// Package archive persists final settlement state and receipts to SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no settlement is archived for an intent.
var ErrNotFound = errors.New("archive: settlement not found")

// Record is the archived outcome of one settlement.
type Record struct {
	IntentID        string `json:"intent_id"`
	Mode            string `json:"mode"`
	FinalState      string `json:"final_state"`
	ReceiptID       string `json:"receipt_id,omitempty"`
	BuyerAgentID    string `json:"buyer_agent_id"`
	SellerAgentID   string `json:"seller_agent_id"`
	AgreedPrice     uint64 `json:"agreed_price"`
	PaidAmount      uint64 `json:"paid_amount"`
	Ticks           uint64 `json:"ticks"`
	Chunks          uint64 `json:"chunks"`
	Fulfilled       bool   `json:"fulfilled"`
	FailureCode     string `json:"failure_code,omitempty"`
	ReceiptEnvelope []byte `json:"receipt_envelope,omitempty"`
	ArchivedAtMs    int64  `json:"archived_at_ms"`
}

// Store is a SQLite-backed settlement archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
            intent_id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            final_state TEXT NOT NULL,
            receipt_id TEXT,
            buyer_agent_id TEXT NOT NULL,
            seller_agent_id TEXT NOT NULL,
            agreed_price TEXT NOT NULL,
            paid_amount TEXT NOT NULL,
            ticks TEXT NOT NULL,
            chunks TEXT NOT NULL,
            fulfilled INTEGER NOT NULL,
            failure_code TEXT,
            receipt_envelope BLOB,
            archived_at_ms INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS settlements_receipt ON settlements(receipt_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put archives rec, replacing any earlier record for the same intent.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.IntentID == "" {
		return fmt.Errorf("archive: intent id required")
	}
	const stmt = `INSERT OR REPLACE INTO settlements(intent_id, mode, final_state, receipt_id, buyer_agent_id, seller_agent_id, agreed_price, paid_amount, ticks, chunks, fulfilled, failure_code, receipt_envelope, archived_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	fulfilled := 0
	if rec.Fulfilled {
		fulfilled = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, rec.IntentID, rec.Mode, rec.FinalState, rec.ReceiptID, rec.BuyerAgentID, rec.SellerAgentID,
		u64(rec.AgreedPrice), u64(rec.PaidAmount), u64(rec.Ticks), u64(rec.Chunks), fulfilled, rec.FailureCode, rec.ReceiptEnvelope, rec.ArchivedAtMs)
	return err
}

const selectColumns = `SELECT intent_id, mode, final_state, receipt_id, buyer_agent_id, seller_agent_id, agreed_price, paid_amount, ticks, chunks, fulfilled, failure_code, receipt_envelope, archived_at_ms FROM settlements`

// Get returns the archived settlement for intentID.
func (s *Store) Get(ctx context.Context, intentID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE intent_id = ?`, intentID)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// GetByReceipt returns the settlement that produced receiptID.
func (s *Store) GetByReceipt(ctx context.Context, receiptID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE receipt_id = ?`, receiptID)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY archived_at_ms DESC, intent_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Record, error) {
	var (
		rec                         Record
		receiptID, failureCode      sql.NullString
		agreed, paid, ticks, chunks string
		fulfilled                   int
	)
	if err := row.Scan(&rec.IntentID, &rec.Mode, &rec.FinalState, &receiptID, &rec.BuyerAgentID, &rec.SellerAgentID,
		&agreed, &paid, &ticks, &chunks, &fulfilled, &failureCode, &rec.ReceiptEnvelope, &rec.ArchivedAtMs); err != nil {
		return Record{}, err
	}
	rec.ReceiptID = receiptID.String
	rec.FailureCode = failureCode.String
	rec.Fulfilled = fulfilled == 1
	var err error
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&rec.AgreedPrice, agreed}, {&rec.PaidAmount, paid}, {&rec.Ticks, ticks}, {&rec.Chunks, chunks}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return Record{}, fmt.Errorf("archive: corrupt amount %q: %w", f.src, err)
		}
	}
	return rec, nil
}

// Amounts are stored as decimal text; SQLite integers are signed 64-bit.
func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
