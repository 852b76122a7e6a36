package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedgrab/internal/model"
	"feedgrab/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pollers for different profiles write concurrently; a single
	// connection serialises them and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadWatermark returns the stored watermark for profile.
func (s *SQLite) LoadWatermark(ctx context.Context, profile string) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM watermarks WHERE profile = ?`, profile,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Epoch, nil
	}
	if err != nil {
		return model.Epoch, fmt.Errorf("query watermark: %w", err)
	}

	t, err := parseWatermark(value)
	if err != nil {
		return model.Epoch, fmt.Errorf("parse watermark %q: %w", value, err)
	}
	return t, nil
}

// SaveWatermark stores t as the watermark for profile.
func (s *SQLite) SaveWatermark(ctx context.Context, profile string, t time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (profile, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		profile, formatWatermark(t), now,
	)
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// RecordDownload appends a download outcome to the history table.
func (s *SQLite) RecordDownload(ctx context.Context, d model.Download) error {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (profile, url, path, size, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.Profile, d.URL, d.Path, d.Size, d.Error, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// ListDownloads returns the most recent download records of a profile,
// newest first.
func (s *SQLite) ListDownloads(ctx context.Context, profile string, limit int) ([]model.Download, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT profile, url, path, size, error, created_at
		 FROM downloads WHERE profile = ? ORDER BY id DESC LIMIT ?`,
		profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDownload(row scannable) (model.Download, error) {
	var d model.Download
	var created string
	if err := row.Scan(&d.Profile, &d.URL, &d.Path, &d.Size, &d.Error, &created); err != nil {
		return d, fmt.Errorf("scan download: %w", err)
	}
	d.CreatedAt, _ = time.Parse(timeLayout, created)
	return d, nil
}
