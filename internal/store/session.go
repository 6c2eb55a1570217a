package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/keel/internal/ir"
)

// ChangeRetention is how many versions of change records are kept. A session
// that falls further behind gets a full invalidation on its next advance.
const ChangeRetention = 1000

// Session is one connection's view of a File: a pinned read snapshot, or a
// write transaction. A Session must only be used by one goroutine at a time.
type Session struct {
	file *File
	conn *sql.Conn

	// version is the snapshot the session currently reads.
	version int64
	// seen is the baseline the next AdvanceRead diffs against.
	seen int64

	inTx    bool
	writing bool
	// pending is the version the open write will publish.
	pending int64
	dirty   bool

	models map[string]ir.ModelSpec
}

// Advance is the result of AdvanceRead.
type Advance struct {
	From, To int64
	// Rows maps an index into the watched rows to the latest version at
	// which that row changed.
	Rows map[int]int64
	// Tables maps each watched model that changed to its latest change
	// version.
	Tables map[string]int64
	// Full is set when the change log no longer covers From; every watched
	// row and model is reported as changed at To.
	Full bool
}

// Empty reports whether nothing watched changed.
func (a Advance) Empty() bool {
	return len(a.Rows) == 0 && len(a.Tables) == 0
}

// NewSession opens a session pinned at the latest committed version.
func (f *File) NewSession(ctx context.Context) (*Session, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	s := &Session{file: f, conn: conn}
	if err := s.beginRead(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	s.seen = s.version
	return s, nil
}

// Version returns the snapshot version the session reads.
func (s *Session) Version() int64 {
	return s.version
}

// Writing reports whether a write transaction is open.
func (s *Session) Writing() bool {
	return s.writing
}

// Close ends any open transaction, discarding pending writes, and returns
// the connection to the pool.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	var errs []error
	if s.inTx {
		if _, err := s.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
		}
		s.inTx, s.writing = false, false
	}
	errs = append(errs, s.conn.Close())
	s.conn = nil
	return errors.Join(errs...)
}

// beginRead opens a read transaction and pins it with a first read.
func (s *Session) beginRead(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	s.inTx = true

	v, err := readMetaInt(ctx, s.conn, metaCommitVersion)
	if err != nil {
		s.endTx(ctx, "ROLLBACK")
		return fmt.Errorf("pin snapshot: %w", err)
	}
	if v != s.version {
		s.models = nil
	}
	s.version = v
	return nil
}

func (s *Session) endTx(ctx context.Context, stmt string) error {
	if !s.inTx {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, stmt)
	s.inTx = false
	return err
}

// BeginWrite promotes the session to a write transaction on the latest
// version, waiting for the file's write lock.
func (s *Session) BeginWrite(ctx context.Context) error {
	if s.writing {
		return fmt.Errorf("begin write: already writing")
	}
	if err := s.endTx(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("begin write: end read: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// Fall back to a read snapshot so the session stays usable.
		if rerr := s.beginRead(ctx); rerr != nil {
			return errors.Join(fmt.Errorf("begin write: %w", err), rerr)
		}
		return fmt.Errorf("begin write: %w", err)
	}
	s.inTx = true

	v, err := readMetaInt(ctx, s.conn, metaCommitVersion)
	if err != nil {
		s.endTx(ctx, "ROLLBACK")
		return errors.Join(fmt.Errorf("begin write: %w", err), s.beginRead(ctx))
	}
	if v != s.version {
		s.models = nil
	}
	s.version = v
	s.pending = v + 1
	s.writing = true
	s.dirty = false
	return nil
}

// Commit publishes the write and continues in a fresh read snapshot.
// A write that changed nothing commits without publishing a new version.
func (s *Session) Commit(ctx context.Context) error {
	if !s.writing {
		return ErrNotWriting
	}

	if s.dirty {
		if err := writeMeta(ctx, s.conn, metaCommitVersion, strconv.FormatInt(s.pending, 10)); err != nil {
			return s.abort(ctx, fmt.Errorf("commit: publish version: %w", err))
		}
		if err := s.prune(ctx); err != nil {
			return s.abort(ctx, fmt.Errorf("commit: %w", err))
		}
	}

	if err := s.endTx(ctx, "COMMIT"); err != nil {
		return s.abort(ctx, fmt.Errorf("commit: %w", err))
	}
	s.writing = false
	s.dirty = false

	if err := s.beginRead(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the write and continues in a fresh read snapshot.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.writing {
		return ErrNotWriting
	}
	err := s.endTx(ctx, "ROLLBACK")
	s.writing = false
	s.dirty = false
	s.models = nil
	if err != nil {
		return errors.Join(fmt.Errorf("rollback: %w", err), s.beginRead(ctx))
	}
	if err := s.beginRead(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// abort rolls back a failed commit and reports the original error.
func (s *Session) abort(ctx context.Context, cause error) error {
	rerr := s.endTx(ctx, "ROLLBACK")
	s.writing = false
	s.dirty = false
	s.models = nil
	if rerr != nil {
		cause = errors.Join(cause, rerr)
	}
	return errors.Join(cause, s.beginRead(ctx))
}

// prune drops change records older than the retention window.
func (s *Session) prune(ctx context.Context) error {
	cutoff := s.pending - ChangeRetention
	if cutoff <= 0 || cutoff%ChangeRetention != 0 {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM keel_changes WHERE version <= ?", cutoff); err != nil {
		return fmt.Errorf("prune changes: %w", err)
	}
	if err := writeMeta(ctx, s.conn, metaPrunedThrough, strconv.FormatInt(cutoff, 10)); err != nil {
		return fmt.Errorf("prune changes: %w", err)
	}
	return nil
}

// recordChange logs a mutation under the pending version.
func (s *Session) recordChange(ctx context.Context, model string, row int64, op string) error {
	if _, err := s.conn.ExecContext(ctx,
		"INSERT INTO keel_changes (version, tbl, row_id, op) VALUES (?, ?, ?, ?)",
		s.pending, model, row, op); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	s.dirty = true
	return nil
}

// HasChanged reports whether a newer version than the snapshot is committed.
func (s *Session) HasChanged(ctx context.Context) (bool, error) {
	latest, err := s.file.LatestVersion(ctx)
	if err != nil {
		return false, err
	}
	return latest > s.version, nil
}

// AdvanceRead moves the session to the latest snapshot and diffs it against
// the previous baseline for the watched rows and models.
//
// Must not be called during a write.
func (s *Session) AdvanceRead(ctx context.Context, rows []ir.RowRef, tables []string) (Advance, error) {
	if s.writing {
		return Advance{}, fmt.Errorf("advance read: write in progress")
	}
	if err := s.endTx(ctx, "COMMIT"); err != nil {
		return Advance{}, fmt.Errorf("advance read: %w", err)
	}
	if err := s.beginRead(ctx); err != nil {
		return Advance{}, fmt.Errorf("advance read: %w", err)
	}

	adv := Advance{From: s.seen, To: s.version, Rows: map[int]int64{}, Tables: map[string]int64{}}
	if adv.To <= adv.From {
		s.seen = s.version
		return adv, nil
	}

	pruned, err := readMetaInt(ctx, s.conn, metaPrunedThrough)
	if err != nil {
		return Advance{}, fmt.Errorf("advance read: %w", err)
	}
	if adv.From < pruned {
		adv.Full = true
		for i := range rows {
			adv.Rows[i] = adv.To
		}
		for _, t := range tables {
			adv.Tables[t] = adv.To
		}
		s.seen = s.version
		return adv, nil
	}

	changes, err := s.changesBetween(ctx, adv.From, adv.To)
	if err != nil {
		return Advance{}, fmt.Errorf("advance read: %w", err)
	}

	for _, t := range tables {
		if v, ok := changes.tables[t]; ok {
			adv.Tables[t] = v
		}
	}
	for i, r := range rows {
		v, ok := changes.rows[r]
		if cv, cleared := changes.clears[r.Model]; cleared && cv > v {
			v, ok = cv, true
		}
		if ok {
			adv.Rows[i] = v
		}
	}

	s.seen = s.version
	return adv, nil
}

type changeSet struct {
	rows   map[ir.RowRef]int64
	tables map[string]int64
	clears map[string]int64
}

func (s *Session) changesBetween(ctx context.Context, from, to int64) (changeSet, error) {
	cs := changeSet{rows: map[ir.RowRef]int64{}, tables: map[string]int64{}, clears: map[string]int64{}}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT tbl, row_id, op, MAX(version)
		FROM keel_changes
		WHERE version > ? AND version <= ?
		GROUP BY tbl, row_id, op`, from, to)
	if err != nil {
		return cs, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tbl     string
			row     int64
			op      string
			version int64
		)
		if err := rows.Scan(&tbl, &row, &op, &version); err != nil {
			return cs, fmt.Errorf("scan change: %w", err)
		}
		cs.tables[tbl] = max(cs.tables[tbl], version)
		if op == "clear" {
			cs.clears[tbl] = max(cs.clears[tbl], version)
			continue
		}
		ref := ir.RowRef{Model: tbl, ID: row}
		cs.rows[ref] = max(cs.rows[ref], version)
	}
	if err := rows.Err(); err != nil {
		return cs, fmt.Errorf("iterate changes: %w", err)
	}
	return cs, nil
}
