// Package store persists games and moves to a local SQLite database. Two tables: one row
// per game, one row per move, joined by a UUID game id.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/herohde/centaurmods/pkg/board"
)

const schema = `
CREATE TABLE IF NOT EXISTS game (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	source     TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL DEFAULT '',
	site       TEXT NOT NULL DEFAULT '',
	round      TEXT NOT NULL DEFAULT '',
	white      TEXT NOT NULL DEFAULT '',
	black      TEXT NOT NULL DEFAULT '',
	result     TEXT,
	reason     TEXT
);

CREATE TABLE IF NOT EXISTS game_move (
	game_id TEXT NOT NULL REFERENCES game(id),
	ply     INTEGER NOT NULL,
	uci     TEXT NOT NULL,
	fen     TEXT NOT NULL,
	PRIMARY KEY (game_id, ply)
);
`

// Store is a SQLite-backed implementation of the game manager's persistence interface.
// Exactly one transaction is open at a time, started implicitly by CreateGame or AddMove
// and closed by the next Commit or Rollback; this mirrors the single-game-in-flight
// assumption the rest of the daemon makes.
type Store struct {
	db *sql.DB
	tx *sql.Tx
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %v: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) beginLocked(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// CreateGame inserts a new game row and opens the transaction it and its first move will
// share until Commit.
func (s *Store) CreateGame(ctx context.Context) (string, error) {
	tx, err := s.beginLocked(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO game (id) VALUES (?)`, id); err != nil {
		return "", fmt.Errorf("store: inserting game: %w", err)
	}
	return id, nil
}

// AddMove appends a move row within the open transaction. It does not commit. fen is the
// chess position's FEN after uci is applied (empty uci, for the initial-position row, pairs
// with the starting position's FEN).
func (s *Store) AddMove(ctx context.Context, gameID string, ply int, uci, fen string) error {
	tx, err := s.beginLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO game_move (game_id, ply, uci, fen) VALUES (?, ?, ?, ?)`, gameID, ply, uci, fen); err != nil {
		return fmt.Errorf("store: inserting move: %w", err)
	}
	return nil
}

// Commit closes the open transaction, persisting the game/move rows added since the last
// Commit or Rollback.
func (s *Store) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback discards the open transaction.
func (s *Store) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

// SetResult records the final outcome of a completed game in its own transaction.
func (s *Store) SetResult(ctx context.Context, gameID string, result board.Result) error {
	_, err := s.db.ExecContext(ctx, `UPDATE game SET result = ?, reason = ? WHERE id = ?`,
		result.Outcome.String(), result.Reason.String(), gameID)
	if err != nil {
		return fmt.Errorf("store: setting result: %w", err)
	}
	return nil
}

// Moves returns the recorded UCI move list for a game, in ply order. The initial-position
// row (ply 0, empty uci) is excluded; it exists so P4 (FEN-after-push) can be checked at
// the starting position too, not because it's a move.
func (s *Store) Moves(ctx context.Context, gameID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uci FROM game_move WHERE game_id = ? AND ply > 0 ORDER BY ply ASC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("store: querying moves: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uci string
		if err := rows.Scan(&uci); err != nil {
			return nil, fmt.Errorf("store: scanning move: %w", err)
		}
		out = append(out, uci)
	}
	return out, rows.Err()
}
