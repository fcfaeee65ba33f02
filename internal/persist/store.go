package persist

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLimit caps a page of journal records.
const DefaultLimit = 500

// Record is one journaled stream event.
type Record struct {
	Seq        int64
	Target     schema.Target
	ReceivedAt time.Time
	Event      schema.StreamEvent
}

// TargetSummary describes the journal contents for one target.
type TargetSummary struct {
	Target    schema.Target
	Events    int
	LastType  schema.EventType
	FirstSeen time.Time
	LastSeen  time.Time
}

// Journal records delivered stream events in SQLite.
type Journal struct {
	db  *sql.DB
	log pslog.Logger
	now func() time.Time
}

// Open opens or creates the journal database at path and applies migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger pslog.Logger) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if logger != nil {
		logger = logger.With("journal", path)
	}
	j := &Journal{db: db, log: logger, now: time.Now}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		if logger != nil {
			logger.Warn("journal open failed", "err", err)
		}
		return nil, err
	}
	if logger != nil {
		logger.Debug("journal open ok")
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append journals event for target.
func (j *Journal) Append(ctx context.Context, target schema.Target, event schema.StreamEvent) (int64, error) {
	if target.IsZero() {
		return 0, schema.ErrNoTarget
	}
	payload, err := event.MarshalJSON()
	if err != nil {
		return 0, err
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO stream_events (target_kind, target_id, execution_id, event_type, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(target.Kind), target.ID, event.ExecutionID, string(event.Type), string(payload), j.now().UTC().UnixNano(),
	)
	if err != nil {
		if j.log != nil {
			j.log.Warn("journal append failed", "target", target.String(), "err", err)
		}
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if j.log != nil {
		j.log.Trace("journal append ok", "target", target.String(), "seq", seq, "type", string(event.Type))
	}
	return seq, nil
}

// Events returns records for target with seq greater than after, oldest first.
func (j *Journal) Events(ctx context.Context, target schema.Target, after int64, limit int) ([]Record, error) {
	if target.IsZero() {
		return nil, schema.ErrNoTarget
	}
	return j.query(ctx,
		`SELECT seq, target_kind, target_id, payload, received_at FROM stream_events WHERE target_kind = ? AND target_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		string(target.Kind), target.ID, after, clampLimit(limit),
	)
}

// ExecutionEvents returns records carrying execution id, whichever stream
// delivered them.
func (j *Journal) ExecutionEvents(ctx context.Context, id schema.ExecutionID, limit int) ([]Record, error) {
	if id == "" {
		return nil, schema.ErrNoExecution
	}
	return j.query(ctx,
		`SELECT seq, target_kind, target_id, payload, received_at FROM stream_events WHERE execution_id = ? OR (target_kind = ? AND target_id = ?) ORDER BY seq LIMIT ?`,
		string(id), string(schema.TargetExecution), string(id), clampLimit(limit),
	)
}

// Targets summarizes journaled targets, most recently active first.
func (j *Journal) Targets(ctx context.Context) ([]TargetSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT target_kind, target_id, COUNT(*), MIN(received_at), MAX(received_at),
  (SELECT event_type FROM stream_events recent WHERE recent.target_kind = e.target_kind AND recent.target_id = e.target_id ORDER BY seq DESC LIMIT 1)
FROM stream_events e
GROUP BY target_kind, target_id
ORDER BY MAX(received_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TargetSummary
	for rows.Next() {
		var (
			kind, id, lastType string
			count              int
			first, last        int64
		)
		if err := rows.Scan(&kind, &id, &count, &first, &last, &lastType); err != nil {
			return nil, err
		}
		out = append(out, TargetSummary{
			Target:    schema.Target{Kind: schema.TargetKind(kind), ID: id},
			Events:    count,
			LastType:  schema.EventType(lastType),
			FirstSeen: time.Unix(0, first).UTC(),
			LastSeen:  time.Unix(0, last).UTC(),
		})
	}
	return out, rows.Err()
}

// Prune deletes records received before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM stream_events WHERE received_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if j.log != nil && n > 0 {
		j.log.Info("journal pruned", "records", n, "before", cutoff)
	}
	return n, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var (
			rec      Record
			kind, id string
			payload  string
			received int64
		)
		if err := rows.Scan(&rec.Seq, &kind, &id, &payload, &received); err != nil {
			return nil, err
		}
		event, err := schema.ParseStreamEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("journal record %d: %w", rec.Seq, err)
		}
		rec.Target = schema.Target{Kind: schema.TargetKind(kind), ID: id}
		rec.ReceivedAt = time.Unix(0, received).UTC()
		rec.Event = event
		out = append(out, rec)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultLimit {
		return DefaultLimit
	}
	return limit
}

type migration struct {
	version int
	name    string
	sql     string
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied := make(map[int]bool)
	rows, err := j.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(f.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("invalid migration name %q", f.Name())
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{version: v, name: f.Name(), sql: string(body)})
	}
	sort.Slice(migs, func(a, b int) bool { return migs[a].version < migs[b].version })
	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		if err := j.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}
	return nil
}

func (j *Journal) apply(ctx context.Context, m migration) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, j.now().UTC().Unix()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
