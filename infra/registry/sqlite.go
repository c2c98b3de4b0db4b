// Package registry persists instruments in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
)

// SQLite is an instrument.Registry over a single-file database. Lookups
// are served from a cache; instruments are immutable so it never goes
// stale.
type SQLite struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]instrument.Instrument
}

var _ instrument.Registry = (*SQLite)(nil)

func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			ticker TEXT NOT NULL UNIQUE
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create instruments table: %w", err)
	}

	return &SQLite{db: db, cache: make(map[string]instrument.Instrument)}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Register(ctx context.Context, name, ticker string) (instrument.Instrument, error) {
	if err := instrument.Validate(name, ticker); err != nil {
		return instrument.Instrument{}, err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO instruments (name, ticker) VALUES (?, ?)", name, ticker)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return instrument.Instrument{}, fmt.Errorf("%w: %s", instrument.ErrDuplicate, ticker)
		}
		return instrument.Instrument{}, fmt.Errorf("failed to insert instrument: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return instrument.Instrument{}, err
	}

	in := instrument.Instrument{ID: uint64(id), Name: name, Ticker: ticker}
	s.remember(in)
	return in, nil
}

func (s *SQLite) Lookup(ctx context.Context, ticker string) (instrument.Instrument, error) {
	s.mu.RLock()
	in, ok := s.cache[ticker]
	s.mu.RUnlock()
	if ok {
		return in, nil
	}

	in, err := s.scanOne(s.db.QueryRowContext(ctx,
		"SELECT id, name, ticker FROM instruments WHERE ticker = ?", ticker))
	if err != nil {
		return instrument.Instrument{}, fmt.Errorf("%s: %w", ticker, err)
	}
	s.remember(in)
	return in, nil
}

func (s *SQLite) Get(ctx context.Context, id uint64) (instrument.Instrument, error) {
	in, err := s.scanOne(s.db.QueryRowContext(ctx,
		"SELECT id, name, ticker FROM instruments WHERE id = ?", id))
	if err != nil {
		return instrument.Instrument{}, fmt.Errorf("id %d: %w", id, err)
	}
	return in, nil
}

func (s *SQLite) List(ctx context.Context) ([]instrument.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, ticker FROM instruments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var out []instrument.Instrument
	for rows.Next() {
		var in instrument.Instrument
		if err := rows.Scan(&in.ID, &in.Name, &in.Ticker); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLite) scanOne(row *sql.Row) (instrument.Instrument, error) {
	var in instrument.Instrument
	if err := row.Scan(&in.ID, &in.Name, &in.Ticker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return instrument.Instrument{}, instrument.ErrNotFound
		}
		return instrument.Instrument{}, err
	}
	return in, nil
}

func (s *SQLite) remember(in instrument.Instrument) {
	s.mu.Lock()
	s.cache[in.Ticker] = in
	s.mu.Unlock()
}
