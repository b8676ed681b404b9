package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Single connection: every read and write is serialized.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS classification_cache (
		url           TEXT PRIMARY KEY,
		category      TEXT NOT NULL,
		classified_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func GetCachedCategory(ctx context.Context, db *sql.DB, url string) (string, bool, error) {
	var category string
	err := db.QueryRowContext(ctx, `SELECT category FROM classification_cache WHERE url = ?`, url).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return category, true, nil
}

// UpsertCachedCategory writes category for url. Re-storing the same value
// leaves classified_at untouched.
func UpsertCachedCategory(ctx context.Context, db *sql.DB, url, category string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO classification_cache (url, category, classified_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   category = excluded.category,
		   classified_at = CASE WHEN classification_cache.category = excluded.category
		                        THEN classification_cache.classified_at
		                        ELSE excluded.classified_at END`,
		url, category, time.Now().UTC(),
	)
	return err
}

func CountCachedCategories(ctx context.Context, db *sql.DB) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classification_cache`).Scan(&count)
	return count, err
}

// Backend adapts a cache database to cache.Backend.
type Backend struct {
	db *sql.DB
}

func Open(path string) (*Backend, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	return GetCachedCategory(ctx, b.db, key)
}

func (b *Backend) Put(ctx context.Context, key, value string) error {
	return UpsertCachedCategory(ctx, b.db, key, value)
}

func (b *Backend) Len(ctx context.Context) (int, error) {
	return CountCachedCategories(ctx, b.db)
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Maintain lets sqlite refresh its query planner statistics.
func (b *Backend) Maintain(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) Close() error {
	return b.db.Close()
}
