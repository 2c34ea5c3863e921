package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	kind    TEXT NOT NULL,
	k       TEXT NOT NULL,
	version INTEGER NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (kind, k)
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Get(ctx context.Context, kind Kind, key string) (Record, error) {
	var r Record
	r.Key = key
	err := s.db.QueryRowContext(ctx,
		`SELECT version, data FROM records WHERE kind = ? AND k = ?`,
		string(kind), key,
	).Scan(&r.Version, &r.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *sqliteStore) Put(ctx context.Context, kind Kind, key string, data []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(kind, k, version, data) VALUES(?,?,1,?)
		 ON CONFLICT(kind, k) DO UPDATE SET version = version + 1, data = excluded.data`,
		string(kind), key, data,
	)
	if err != nil {
		return 0, err
	}
	_ = res
	r, err := s.Get(ctx, kind, key)
	if err != nil {
		return 0, err
	}
	return r.Version, nil
}

func (s *sqliteStore) Create(ctx context.Context, kind Kind, key string, data []byte) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(kind, k, version, data) VALUES(?,?,1,?)`,
		string(kind), key, data,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return 0, ErrExists
		}
		return 0, err
	}
	return 1, nil
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, kind Kind, key string, expect int64, data []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET version = version + 1, data = ?
		 WHERE kind = ? AND k = ? AND version = ?`,
		data, string(kind), key, expect,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// Distinguish missing from conflicting for the caller.
		if _, gerr := s.Get(ctx, kind, key); errors.Is(gerr, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return expect + 1, nil
}

func (s *sqliteStore) Delete(ctx context.Context, kind Kind, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND k = ?`, string(kind), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CompareAndDelete(ctx context.Context, kind Kind, key string, expect int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND k = ? AND version = ?`,
		string(kind), key, expect)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, kind, key); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *sqliteStore) Scan(ctx context.Context, kind Kind, fn func(Record) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, version, data FROM records WHERE kind = ?`, string(kind))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Version, &r.Data); err != nil {
			return err
		}
		if !fn(r) {
			return nil
		}
	}
	return rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
