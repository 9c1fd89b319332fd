package uploadops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/tusup/internal/tus"
)

// DefaultStaleAge is the default age after which stored upload URLs are
// dropped. Servers commonly expire unfinished uploads within days.
const DefaultStaleAge = 7 * 24 * time.Hour

const (
	sqlGetURL = `SELECT url FROM upload_urls WHERE fingerprint = ?`

	sqlSetURL = `INSERT INTO upload_urls (fingerprint, url, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
		 url = excluded.url,
		 created_at = excluded.created_at`

	sqlUpsertRecord = `INSERT INTO upload_urls (fingerprint, url, file_path, file_size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
		 url = excluded.url,
		 file_path = excluded.file_path,
		 file_size = excluded.file_size`

	sqlRemoveURL = `DELETE FROM upload_urls WHERE fingerprint = ?`

	sqlListRecords = `SELECT fingerprint, url, file_path, file_size, created_at
		FROM upload_urls ORDER BY created_at, fingerprint`

	sqlRemoveStale = `DELETE FROM upload_urls WHERE created_at < ?`

	sqlRemoveByPath = `DELETE FROM upload_urls WHERE file_path = ?`
)

// Record is one stored upload. FilePath and FileSize are informational and
// may be empty for URLs stored by a bare tus.Client.
type Record struct {
	Fingerprint string
	URL         string
	FilePath    string
	FileSize    int64
	CreatedAt   time.Time
}

// SQLiteStore persists fingerprint -> upload URL mappings in a SQLite
// database. It implements tus.URLStore. Safe for concurrent use.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

var _ tus.URLStore = (*SQLiteStore)(nil)

// NewStore opens (creating if needed) the database at dbPath and applies
// migrations.
func NewStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("uploadops: opening database %s: %w", dbPath, err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("upload store opened", slog.String("db_path", dbPath))

	return &SQLiteStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the URL stored for fingerprint, or tus.ErrFingerprintNotFound.
func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (string, error) {
	var u string

	err := s.db.QueryRowContext(ctx, sqlGetURL, fingerprint).Scan(&u)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tus.ErrFingerprintNotFound
	}

	if err != nil {
		return "", fmt.Errorf("uploadops: reading upload URL: %w", err)
	}

	return u, nil
}

// Set stores uploadURL for fingerprint, replacing any previous URL.
func (s *SQLiteStore) Set(ctx context.Context, fingerprint, uploadURL string) error {
	if _, err := s.db.ExecContext(ctx, sqlSetURL, fingerprint, uploadURL, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("uploadops: storing upload URL: %w", err)
	}

	return nil
}

// SetRecord stores rec, keeping the creation time of an existing row.
func (s *SQLiteStore) SetRecord(ctx context.Context, rec Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.nowFunc()
	}

	_, err := s.db.ExecContext(ctx, sqlUpsertRecord,
		rec.Fingerprint, rec.URL, rec.FilePath, rec.FileSize, created.UnixNano())
	if err != nil {
		return fmt.Errorf("uploadops: storing upload record: %w", err)
	}

	return nil
}

// Remove deletes the URL for fingerprint. Removing a missing fingerprint is
// not an error.
func (s *SQLiteStore) Remove(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, sqlRemoveURL, fingerprint); err != nil {
		return fmt.Errorf("uploadops: removing upload URL: %w", err)
	}

	return nil
}

// RemoveByPath deletes every record for a local file path and returns the
// number removed.
func (s *SQLiteStore) RemoveByPath(ctx context.Context, path string) (int, error) {
	res, err := s.db.ExecContext(ctx, sqlRemoveByPath, path)
	if err != nil {
		return 0, fmt.Errorf("uploadops: removing records for %s: %w", path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("uploadops: counting removed records: %w", err)
	}

	return int(n), nil
}

// List returns all stored uploads, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlListRecords)
	if err != nil {
		return nil, fmt.Errorf("uploadops: listing upload records: %w", err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			rec     Record
			created int64
		)

		if err := rows.Scan(&rec.Fingerprint, &rec.URL, &rec.FilePath, &rec.FileSize, &created); err != nil {
			return nil, fmt.Errorf("uploadops: scanning upload record: %w", err)
		}

		rec.CreatedAt = time.Unix(0, created)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uploadops: iterating upload records: %w", err)
	}

	return out, nil
}

// CleanStale removes records older than maxAge and returns how many were
// deleted.
func (s *SQLiteStore) CleanStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-maxAge).UnixNano()

	res, err := s.db.ExecContext(ctx, sqlRemoveStale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("uploadops: removing stale records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("uploadops: counting stale records: %w", err)
	}

	if n > 0 {
		s.logger.Info("removed stale upload URLs",
			slog.Int64("count", n),
			slog.Duration("max_age", maxAge),
		)
	}

	return int(n), nil
}
