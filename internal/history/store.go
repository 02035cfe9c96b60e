// Package history keeps a bounded log of polled samples in DuckDB so the
// API can show how a source's responses changed over time.
package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/poller"
)

// Entry is one recorded sample.
type Entry struct {
	DeviceID  string          `json:"deviceId"`
	APIID     string          `json:"apiId"`
	Seq       uint64          `json:"seq"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Body      json.RawMessage `json:"body"`
}

// Options tunes the DuckDB connection.
type Options struct {
	// Keep bounds the rows retained per device and api. 0 keeps everything.
	Keep        int
	Threads     int
	MemoryLimit string
	Logger      *zap.Logger
}

// Store records samples into a DuckDB file.
type Store struct {
	db   *sql.DB
	path string
	keep int
	log  *zap.Logger

	// DuckDB allows one writer; inserts and prunes are serialized.
	mu sync.Mutex
}

// Open creates or opens the history database at path. An empty path
// keeps history in memory.
func Open(path string, opts Options) (*Store, error) {
	log := logging.Named(opts.Logger, "history")
	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "256MB"
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS samples_id START 1`,
		`CREATE TABLE IF NOT EXISTS samples (
			id         BIGINT DEFAULT nextval('samples_id') PRIMARY KEY,
			device_id  VARCHAR NOT NULL,
			api_id     VARCHAR NOT NULL,
			seq        UBIGINT NOT NULL,
			fetched_at TIMESTAMP NOT NULL,
			body       VARCHAR NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_source ON samples (device_id, api_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize history schema: %w", err)
		}
	}

	log.Info("history store ready", zap.String("path", path), zap.Int("keep", opts.Keep))
	return &Store{db: db, path: path, keep: opts.Keep, log: log}, nil
}

// Record appends a sample and trims the source's history to Keep rows.
func (s *Store) Record(ctx context.Context, deviceID string, sample *poller.Sample) error {
	if sample == nil {
		return nil
	}
	body := sample.Raw
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(sample.Body); err != nil {
			return fmt.Errorf("encoding sample body: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (device_id, api_id, seq, fetched_at, body) VALUES (?, ?, ?, ?, ?)`,
		deviceID, sample.APIID, sample.Seq, sample.FetchedAt.UTC(), string(body))
	if err != nil {
		return fmt.Errorf("recording sample %s/%s: %w", deviceID, sample.APIID, err)
	}

	if s.keep > 0 {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM samples
			WHERE device_id = ? AND api_id = ? AND id NOT IN (
				SELECT id FROM samples WHERE device_id = ? AND api_id = ?
				ORDER BY id DESC LIMIT ?
			)`, deviceID, sample.APIID, deviceID, sample.APIID, s.keep)
		if err != nil {
			return fmt.Errorf("pruning history %s/%s: %w", deviceID, sample.APIID, err)
		}
	}
	return nil
}

// Recent returns up to limit samples of one source, newest first.
func (s *Store) Recent(ctx context.Context, deviceID, apiID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, api_id, seq, fetched_at, body
		FROM samples
		WHERE device_id = ? AND api_id = ?
		ORDER BY id DESC
		LIMIT ?`, deviceID, apiID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var body string
		if err := rows.Scan(&e.DeviceID, &e.APIID, &e.Seq, &e.FetchedAt, &body); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Body = json.RawMessage(body)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many samples are stored for a device, across sources.
func (s *Store) Count(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE device_id = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return n, nil
}

// Purge removes every sample of a device, e.g. when its scene is deleted.
func (s *Store) Purge(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("purging history %s: %w", deviceID, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
