// Package store persists validator prompts, real prices and miner answers in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// ErrNotFound is returned when a prompt does not exist.
var ErrNotFound = errors.New("prompt not found")

const schema = `
CREATE TABLE IF NOT EXISTS prices (
	id        TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	category  TEXT NOT NULL,
	pair      TEXT NOT NULL,
	price     REAL
);
CREATE INDEX IF NOT EXISTS prices_unpriced ON prices (timestamp) WHERE price IS NULL;
CREATE TABLE IF NOT EXISTS predictions (
	prompt_id  TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	miner_key  TEXT NOT NULL,
	prediction REAL NOT NULL,
	category   TEXT NOT NULL,
	pair       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS predictions_timestamp ON predictions (timestamp);
`

// Store is a SQLite-backed prompt and prediction store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; the three validator loops share this handle.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPrompt records a new prompt with no price yet.
func (s *Store) InsertPrompt(ctx context.Context, p models.PricePrompt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices (id, timestamp, category, pair, price) VALUES (?, ?, ?, ?, NULL)`,
		p.ID, p.Timestamp, p.Category, p.Pair)
	if err != nil {
		return fmt.Errorf("insert prompt %s: %w", p.ID, err)
	}
	return nil
}

// InsertPrediction records one miner answer. Missing answers are stored as -1.
func (s *Store) InsertPrediction(ctx context.Context, r models.PredictionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (prompt_id, timestamp, miner_key, prediction, category, pair) VALUES (?, ?, ?, ?, ?, ?)`,
		r.PromptID, r.Timestamp, r.MinerKey, r.Value, r.Category, r.Pair)
	if err != nil {
		return fmt.Errorf("insert prediction for %s: %w", r.PromptID, err)
	}
	return nil
}

// InsertAnswers records all answers to one prompt in a single transaction.
// A nil answer is stored as missing.
func (s *Store) InsertAnswers(ctx context.Context, p models.PricePrompt, answers map[string]*float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO predictions (prompt_id, timestamp, miner_key, prediction, category, pair) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for key, answer := range answers {
		v := models.MissingPrediction
		if answer != nil {
			v = *answer
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Timestamp, key, v, p.Category, p.Pair); err != nil {
			return fmt.Errorf("insert prediction for %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// NextUnpriced returns the oldest prompt without a price whose timestamp is at or before
// dueBy. ok is false when nothing is due.
func (s *Store) NextUnpriced(ctx context.Context, dueBy int64) (p models.PricePrompt, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, category, pair FROM prices
		 WHERE price IS NULL AND timestamp <= ?
		 ORDER BY timestamp ASC LIMIT 1`, dueBy).
		Scan(&p.ID, &p.Timestamp, &p.Category, &p.Pair)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PricePrompt{}, false, nil
	}
	if err != nil {
		return models.PricePrompt{}, false, fmt.Errorf("query unpriced prompt: %w", err)
	}
	return p, true, nil
}

// DueUnpriced returns every unpriced prompt with timestamp <= dueBy, oldest first.
func (s *Store) DueUnpriced(ctx context.Context, dueBy int64) ([]models.PricePrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, category, pair FROM prices
		 WHERE price IS NULL AND timestamp <= ?
		 ORDER BY timestamp ASC`, dueBy)
	if err != nil {
		return nil, fmt.Errorf("query unpriced prompts: %w", err)
	}
	defer rows.Close()

	var out []models.PricePrompt
	for rows.Next() {
		var p models.PricePrompt
		if err := rows.Scan(&p.ID, &p.Timestamp, &p.Category, &p.Pair); err != nil {
			return nil, fmt.Errorf("scan unpriced prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPrice stores the real price for prompt id.
func (s *Store) SetPrice(ctx context.Context, id string, price float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE prices SET price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("set price for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ScoredPredictionsSince returns predictions for priced prompts with timestamp >= since.
func (s *Store) ScoredPredictionsSince(ctx context.Context, since int64) ([]models.ScoredPrediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.prompt_id, p.timestamp, p.miner_key, p.prediction, p.category, p.pair, pr.price
		 FROM predictions p
		 INNER JOIN prices pr ON pr.id = p.prompt_id
		 WHERE pr.price IS NOT NULL AND p.timestamp >= ?
		 ORDER BY p.timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query scored predictions: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredPrediction
	for rows.Next() {
		var sp models.ScoredPrediction
		if err := rows.Scan(&sp.PromptID, &sp.Timestamp, &sp.MinerKey, &sp.Value, &sp.Category, &sp.Pair, &sp.Price); err != nil {
			return nil, fmt.Errorf("scan scored prediction: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// PurgeBefore deletes prompts and predictions with timestamp < before and returns the
// number of deleted prediction rows.
func (s *Store) PurgeBefore(ctx context.Context, before int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge predictions: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM prices WHERE timestamp < ?`, before); err != nil {
		return 0, fmt.Errorf("purge prices: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}

// DeletePrompt removes a prompt and its predictions.
func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE prompt_id = ?`, id); err != nil {
		return fmt.Errorf("delete predictions for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM prices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete prompt %s: %w", id, err)
	}
	return tx.Commit()
}
