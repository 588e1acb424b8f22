// Package ledger implements the durable, append-only per-cluster message
// log. Each cluster owns exactly one SQLite file, opened
// in WAL mode so that a polling reader (pollForMessages) never blocks an
// appending writer. A thin struct wraps *sql.DB with a small,
// hand-written set of query methods, no ORM; the cgo-free
// modernc.org/sqlite driver keeps the engine buildable without a C
// toolchain.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	sequence     INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	cluster_id   TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	topic        TEXT NOT NULL,
	sender       TEXT NOT NULL,
	receiver     TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT,
	sender_model TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver);
`

// Ledger is the durable append-only log for a single cluster.
type Ledger struct {
	db        *sql.DB
	clusterID string
	path      string
}

// Open opens (creating if absent) the SQLite-backed ledger file for
// clusterID under storageDir, at <storageDir>/<clusterID>.db.
func Open(storageDir, clusterID string) (*Ledger, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create storage dir: %w: %v", zserr.ErrStorage, err)
	}
	path := filepath.Join(storageDir, clusterID+".db")

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w: %v", path, zserr.ErrStorage, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers on one *sql.DB

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate %s: %w: %v", path, zserr.ErrStorage, err)
	}

	return &Ledger{db: db, clusterID: clusterID, path: path}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the backing file's path, used by the orchestrator when
// recording a cluster's storage location in the registry.
func (l *Ledger) Path() string {
	return l.path
}

// Append persists msg and returns a copy with Sequence, ID and Timestamp
// populated. msg.ClusterID is overwritten with the ledger's own cluster
// id; callers must not assume their input is mutated — a
// Message is immutable once appended, so Append always returns a freshly
// read-back copy rather than mutating the argument in place.
func (l *Ledger) Append(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.ID == "" {
		msg.ID = message.NewID()
	}
	msg.ClusterID = l.clusterID
	msg.Timestamp = message.Now()

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return message.Message{}, fmt.Errorf("ledger: marshal content: %w: %v", zserr.ErrStorage, err)
	}
	var metaJSON []byte
	if msg.Metadata != nil {
		metaJSON, err = json.Marshal(msg.Metadata)
		if err != nil {
			return message.Message{}, fmt.Errorf("ledger: marshal metadata: %w: %v", zserr.ErrStorage, err)
		}
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO messages (id, cluster_id, timestamp, topic, sender, receiver, content, metadata, sender_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ClusterID, msg.Timestamp, msg.Topic, msg.Sender, msg.Receiver, string(contentJSON), nullableString(metaJSON), msg.SenderModel,
	)
	if err != nil {
		return message.Message{}, fmt.Errorf("ledger: append: %w: %v", zserr.ErrStorage, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return message.Message{}, fmt.Errorf("ledger: read sequence: %w: %v", zserr.ErrStorage, err)
	}
	msg.Sequence = seq
	return msg, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// GetAll returns every message in the ledger, ordered by sequence.
func (l *Ledger) GetAll(ctx context.Context) ([]message.Message, error) {
	return l.query(ctx, `SELECT sequence, id, cluster_id, timestamp, topic, sender, receiver, content, metadata, sender_model
		FROM messages ORDER BY sequence ASC`)
}

// QueryOpts filters Query; zero-value fields are not applied.
type QueryOpts struct {
	Topic      string // exact or "PREFIX_*"/"*" via message.MatchesTopic, applied in Go (sqlite has no glob-prefix index use here)
	Receiver   string
	SinceSeq   int64 // strictly greater than
	Limit      int
}

// Query returns messages matching opts, ordered by sequence ascending.
func (l *Ledger) Query(ctx context.Context, opts QueryOpts) ([]message.Message, error) {
	q := `SELECT sequence, id, cluster_id, timestamp, topic, sender, receiver, content, metadata, sender_model
		FROM messages WHERE sequence > ?`
	args := []any{opts.SinceSeq}
	if opts.Receiver != "" {
		q += ` AND receiver = ?`
		args = append(args, opts.Receiver)
	}
	q += ` ORDER BY sequence ASC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := l.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if opts.Topic == "" {
		return rows, nil
	}
	filtered := rows[:0]
	for _, m := range rows {
		if message.MatchesTopic(opts.Topic, m.Topic) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// FindLast returns the most recent message matching topic (which may use
// the "*"/"PREFIX_*" grammar), or ok=false if none exists.
func (l *Ledger) FindLast(ctx context.Context, topic string) (message.Message, bool, error) {
	all, err := l.GetAll(ctx)
	if err != nil {
		return message.Message{}, false, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if message.MatchesTopic(topic, all[i].Topic) {
			return all[i], true, nil
		}
	}
	return message.Message{}, false, nil
}

// Count returns the total number of messages in the ledger.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w: %v", zserr.ErrStorage, err)
	}
	return n, nil
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]message.Message, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w: %v", zserr.ErrStorage, err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		var contentJSON string
		var metaJSON sql.NullString
		var senderModel sql.NullString
		if err := rows.Scan(&m.Sequence, &m.ID, &m.ClusterID, &m.Timestamp, &m.Topic, &m.Sender, &m.Receiver, &contentJSON, &metaJSON, &senderModel); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w: %v", zserr.ErrStorage, err)
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal content: %w: %v", zserr.ErrStorage, err)
		}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: unmarshal metadata: %w: %v", zserr.ErrStorage, err)
			}
		}
		m.SenderModel = senderModel.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w: %v", zserr.ErrStorage, err)
	}
	return out, nil
}

// PollForMessages blocks until at least one message with sequence greater
// than sinceSeq matching opts.Topic/opts.Receiver exists, ctx is
// cancelled, or interval-paced polling exhausts; it returns whatever new
// messages it finds on the triggering poll. Used by subscribers that
// cannot rely on in-process fan-out (e.g. a resumed cluster reattaching
// to an existing ledger file) — the normal in-process path goes through
// bus.Bus instead, which delivers without polling.
func (l *Ledger) PollForMessages(ctx context.Context, sinceSeq int64, opts QueryOpts, interval time.Duration) ([]message.Message, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	opts.SinceSeq = sinceSeq
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		msgs, err := l.Query(ctx, opts)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Tail starts a background poller delivering every message with sequence
// greater than sinceSeq to handler, in sequence order, each exactly once
// within this Tail call. This is
// the cross-process change-notification mechanism: a CLI log follower or
// TUI in another process opens its own Ledger handle on the same file and
// tails it without any in-process bus access. The returned stop function
// cancels the poller and blocks until its goroutine has exited; handler
// is never invoked after stop returns.
//
// A poll step that fails to read (a writer mid-checkpoint, transient I/O)
// is retried on the next tick rather than surfaced; readers only ever
// observe durably committed rows.
func (l *Ledger) Tail(sinceSeq int64, opts QueryOpts, interval time.Duration, handler func(message.Message)) (stop func()) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := sinceSeq
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			o := opts
			o.SinceSeq = seen
			if msgs, err := l.Query(ctx, o); err == nil {
				for _, m := range msgs {
					handler(m)
					seen = m.Sequence
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// IsNotFound reports whether err indicates no rows were found, the
// convention callers should check after a single-row lookup such as
// FindLast returning ok=false.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
