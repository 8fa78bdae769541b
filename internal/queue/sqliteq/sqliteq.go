// Package sqliteq is the embedded durable queue: a single-node job table in
// SQLite. Dequeue leases a row; ack deletes it; nack reschedules it; a lease
// that is never settled expires and the row becomes ready again.
package sqliteq

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"conversation-engine/backend/internal/queue"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - jobs table with lease columns and dead-letter marker
const currentSchemaVersion = 1

// ErrLeaseLost means the job was re-leased by another worker after this
// worker's visibility timeout ran out.
var ErrLeaseLost = errors.New("sqliteq: lease lost")

type Options struct {
	VisibilityTimeout time.Duration
	// Now overrides the clock; tests use it to expire leases.
	Now func() time.Time
}

type Queue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
}

var (
	_ queue.Puller       = (*Queue)(nil)
	_ queue.DeadLetterer = (*Queue)(nil)
)

// Open creates or opens the queue database at path.
func Open(path string, opts Options) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteq: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteq: connect: %w", err)
	}

	// one writer; every statement below is serialised through this conn
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, visibility: opts.VisibilityTimeout, now: opts.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqliteq: %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqliteq: get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("sqliteq: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("sqliteq: set user_version: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts ...queue.EnqueueOption) (string, error) {
	now := q.now()
	id := uuid.Must(uuid.NewV7()).String()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, topic, payload, not_before, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id, topic, payload, now.Add(queue.ApplyOptions(opts)).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("sqliteq: enqueue %s: %w", topic, err)
	}
	return id, nil
}

// Dequeue leases the oldest ready job on topic in a single statement.
func (q *Queue) Dequeue(ctx context.Context, topic string) (*queue.Job, error) {
	now := q.now().UnixMilli()
	token := uuid.NewString()

	row := q.db.QueryRowContext(ctx, `
UPDATE jobs
   SET attempts = attempts + 1, lease_until = ?, lease_token = ?
 WHERE id = (
       SELECT id FROM jobs
        WHERE topic = ? AND dead_at IS NULL AND not_before <= ? AND lease_until <= ?
        ORDER BY not_before, enqueued_at
        LIMIT 1)
RETURNING id, topic, payload, attempts, not_before, enqueued_at`,
		now+q.visibility.Milliseconds(), token, topic, now, now,
	)

	var (
		job                 queue.Job
		notBefore, enqueued int64
	)
	err := row.Scan(&job.ID, &job.Topic, &job.Payload, &job.Attempts, &notBefore, &enqueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqliteq: dequeue %s: %w", topic, err)
	}
	job.NotBefore = time.UnixMilli(notBefore)
	job.EnqueuedAt = time.UnixMilli(enqueued)
	job.Receipt = token
	return &job, nil
}

func (q *Queue) settle(ctx context.Context, job *queue.Job, stmt string, args ...any) error {
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("sqliteq: settle %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqliteq: settle %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	return q.settle(ctx, job, `DELETE FROM jobs WHERE id = ? AND lease_token = ?`, job.ID, job.Receipt)
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, retryAfter time.Duration) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET lease_until = 0, lease_token = '', not_before = ? WHERE id = ? AND lease_token = ?`,
		q.now().Add(retryAfter).UnixMilli(), job.ID, job.Receipt,
	)
}

// DeadLetter keeps the row for inspection but never delivers it again.
func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET dead_at = ?, dead_reason = ?, lease_token = '' WHERE id = ? AND lease_token = ?`,
		q.now().UnixMilli(), reason, job.ID, job.Receipt,
	)
}

// Stats counts live and dead jobs per topic.
type Stats struct {
	Topic   string
	Pending int
	Dead    int
}

func (q *Queue) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT topic,
       SUM(CASE WHEN dead_at IS NULL THEN 1 ELSE 0 END),
       SUM(CASE WHEN dead_at IS NOT NULL THEN 1 ELSE 0 END)
  FROM jobs GROUP BY topic ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("sqliteq: stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Topic, &s.Pending, &s.Dead); err != nil {
			return nil, fmt.Errorf("sqliteq: stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
