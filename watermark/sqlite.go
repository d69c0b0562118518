package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/fsduplex/frame"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps marks in a SQLite database in WAL mode, so several channels can share one file.
type SQLiteStore struct {
	log *zap.SugaredLogger
	db  *sql.DB
}

type SQLiteOption func(s *SQLiteStore)

func WithLogger(l *zap.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.log = l.Named("watermark").Sugar()
	}
}

// OpenSQLite opens (or creates) the database at path and initializes the schema.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening watermark db: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{log: zap.NewNop().Sugar(), db: db}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating watermark db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS watermarks (
		channel    TEXT NOT NULL,
		role       TEXT NOT NULL,
		peer_seq   INTEGER NOT NULL DEFAULT 0,
		local_seq  INTEGER NOT NULL DEFAULT 0,
		closed     TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (channel, role)
	);`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, channel string, role frame.Role) (Mark, error) {
	var (
		peer, local int64
		closed      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT peer_seq, local_seq, closed FROM watermarks WHERE channel = ? AND role = ?`,
		channel, string(role),
	).Scan(&peer, &local, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return Mark{}, nil
	}
	if err != nil {
		return Mark{}, fmt.Errorf("loading watermark for %s/%s: %w", channel, role, err)
	}
	return Mark{PeerSeq: uint64(peer), LocalSeq: uint64(local), Closed: frame.Reason(closed)}, nil
}

// Save upserts m. Neither counter is allowed to decrease and a recorded close reason is never cleared.
func (s *SQLiteStore) Save(ctx context.Context, channel string, role frame.Role, m Mark) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO watermarks (channel, role, peer_seq, local_seq, closed, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(channel, role) DO UPDATE SET
			   peer_seq   = MAX(peer_seq, excluded.peer_seq),
			   local_seq  = MAX(local_seq, excluded.local_seq),
			   closed     = CASE WHEN closed = '' THEN excluded.closed ELSE closed END,
			   updated_at = excluded.updated_at`,
			channel, string(role), int64(m.PeerSeq), int64(m.LocalSeq), string(m.Closed), now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving watermark for %s/%s: %w", channel, role, err)
	}
	s.log.Debugw("saved watermark", "Channel", channel, "Role", role, "PeerSeq", m.PeerSeq, "LocalSeq", m.LocalSeq)
	return nil
}
