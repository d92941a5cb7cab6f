/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Transfer Journal: a durable record of every in-flight read/write,
 * with resume semantics and a reconcile-on-reconnect protocol that
 * cleans up partial objects and resumes what it safely can.
 */

// Package journal implements the Transfer Journal: one SQLite table
// of resumable transfer records, backed by mattn/go-sqlite3 the same
// way internal/index is.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Kind distinguishes a read (device → host) from a write (host → device).
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// State is a TransferRecord's lifecycle state. Transitions form a DAG:
// started -> in_progress -> (done | failed | paused), paused -> in_progress.
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Resumable reports whether records in this state can be resumed
// after a disconnect.
func (s State) Resumable() bool {
	return s == StateStarted || s == StateInProgress || s == StatePaused
}

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	handle INTEGER,
	parent_handle INTEGER,
	name TEXT NOT NULL,
	total_bytes INTEGER,
	committed_bytes INTEGER NOT NULL DEFAULT 0,
	supports_partial INTEGER NOT NULL,
	local_temp_url TEXT NOT NULL,
	final_url TEXT,
	source_url TEXT,
	state TEXT NOT NULL,
	remote_handle INTEGER,
	content_hash TEXT,
	throughput_mbps REAL,
	etag TEXT,
	fail_reason TEXT,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_by_device ON transfers (device_id, state);
`

// Record mirrors the TransferRecord entity.
type Record struct {
	ID              string
	DeviceID        string
	Kind            Kind
	Handle          *uint32
	ParentHandle    *uint32
	Name            string
	TotalBytes      *uint64
	CommittedBytes  uint64
	SupportsPartial bool
	LocalTempURL    string
	FinalURL        string
	SourceURL       string
	State           State
	RemoteHandle    *uint32
	ContentHash     string
	ThroughputMBPS  float64
	ETag            string
	FailReason      string
	UpdatedAt       time.Time
}

// Journal is the Transfer Journal handle: single-writer behind mu,
// multi-reader via the database's own snapshot isolation.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error { return j.db.Close() }

// BeginRead records a new resumable read and returns its ID.
func (j *Journal) BeginRead(deviceID string, handle uint32, name string, size *uint64, supportsPartial bool, tempPath, finalPath, etag string) (string, error) {
	id := uuid.NewString()
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO transfers (id, device_id, kind, handle, name, total_bytes,
			committed_bytes, supports_partial, local_temp_url, final_url, etag,
			state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		id, deviceID, KindRead, handle, name, nullableU64(size), boolToInt(supportsPartial),
		tempPath, finalPath, etag, StateStarted, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("journal: begin read: %w", err)
	}
	return id, nil
}

// BeginWrite records a new resumable write and returns its ID. Writes
// carry parent_handle instead of handle, and acquire remote_handle
// later via RecordRemoteHandle once the device assigns one.
func (j *Journal) BeginWrite(deviceID string, parent uint32, name string, size uint64, supportsPartial bool, tempPath, sourcePath string) (string, error) {
	id := uuid.NewString()
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO transfers (id, device_id, kind, parent_handle, name, total_bytes,
			committed_bytes, supports_partial, local_temp_url, source_url, state,
			updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id, deviceID, KindWrite, parent, name, size, boolToInt(supportsPartial),
		tempPath, sourcePath, StateStarted, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("journal: begin write: %w", err)
	}
	return id, nil
}

// UpdateProgress advances committed_bytes and moves the record to
// in_progress if it was still "started".
func (j *Journal) UpdateProgress(id string, committed uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec(`
		UPDATE transfers SET committed_bytes = ?, updated_at = ?,
			state = CASE WHEN state = ? THEN ? ELSE state END
		WHERE id = ?`,
		committed, time.Now().Unix(), StateStarted, StateInProgress, id)
	return checkRowsAffected(res, err, "update progress", id)
}

// RecordRemoteHandle stamps the device-assigned handle for a write,
// once SendObjectInfo/SendObject has completed enough to know it.
func (j *Journal) RecordRemoteHandle(id string, handle uint32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET remote_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "record remote handle", id)
}

// RecordContentHash stamps the hex-encoded content hash once computed.
func (j *Journal) RecordContentHash(id string, hex string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hex, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "record content hash", id)
}

// UpdateThroughput records the observed transfer rate, for the
// learned-profile tuning (internal/quirks) to consume.
func (j *Journal) UpdateThroughput(id string, mbPerSec float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET throughput_mbps = ?, updated_at = ? WHERE id = ?`,
		mbPerSec, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "update throughput", id)
}

// Pause marks a resumable record paused, e.g. when a caller
// deliberately suspends a transfer rather than failing it.
func (j *Journal) Pause(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET state = ?, updated_at = ? WHERE id = ?`,
		StatePaused, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "pause", id)
}

// Resume moves a paused record back to in_progress.
func (j *Journal) Resume(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateInProgress, time.Now().Unix(), id, StatePaused)
	return checkRowsAffected(res, err, "resume", id)
}

// Complete marks id done, removing it from the resumable set.
func (j *Journal) Complete(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET state = ?, updated_at = ? WHERE id = ?`,
		StateDone, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "complete", id)
}

// Fail marks id failed, recording errMsg for diagnostics.
func (j *Journal) Fail(id string, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`UPDATE transfers SET state = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		StateFailed, errMsg, time.Now().Unix(), id)
	return checkRowsAffected(res, err, "fail", id)
}

// LoadResumables returns every resumable (started/in_progress/paused)
// record for device.
func (j *Journal) LoadResumables(deviceID string) ([]Record, error) {
	rows, err := j.db.Query(`
		SELECT id, device_id, kind, handle, parent_handle, name, total_bytes,
			committed_bytes, supports_partial, local_temp_url, final_url,
			source_url, state, remote_handle, content_hash, throughput_mbps,
			etag, fail_reason, updated_at
		FROM transfers
		WHERE device_id = ? AND state IN (?, ?, ?)`,
		deviceID, StateStarted, StateInProgress, StatePaused)
	if err != nil {
		return nil, fmt.Errorf("journal: load resumables: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: load resumables: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearStaleTemps returns the local_temp_url of every non-resumable
// (done/failed) record last updated before cutoff, then deletes those
// rows. Callers are responsible for removing the actual scratch files
// those URLs name.
func (j *Journal) ClearStaleTemps(cutoff time.Time) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT id, local_temp_url FROM transfers
		WHERE state IN (?, ?) AND updated_at < ?`,
		StateDone, StateFailed, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("journal: clear stale temps: %w", err)
	}

	type idPath struct{ id, path string }
	var victims []idPath
	for rows.Next() {
		var v idPath
		if err := rows.Scan(&v.id, &v.path); err != nil {
			rows.Close()
			return nil, fmt.Errorf("journal: clear stale temps: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()

	paths := make([]string, 0, len(victims))
	for _, v := range victims {
		if _, err := j.db.Exec(`DELETE FROM transfers WHERE id = ?`, v.id); err != nil {
			return nil, fmt.Errorf("journal: clear stale temps: %w", err)
		}
		paths = append(paths, v.path)
	}
	return paths, nil
}

// DeviceOps is the slice of the protocol engine's command surface the
// reconcile protocol needs: checking an object's current size on the
// device and deleting a partially-written one.
type DeviceOps interface {
	ObjectSize(ctx context.Context, handle uint32) (uint64, bool, error)
	DeleteObject(ctx context.Context, handle uint32) error
}

// LocalFile is the slice of the local filesystem the reconcile
// protocol needs for resumable reads: reopening the temp file and
// checking it still matches the ETag the read began with.
type LocalFile interface {
	VerifyETag(path, etag string) (bool, error)
}

// Reconcile runs the reconcile-on-reconnect protocol for every
// resumable record of device: writes with a remote handle are
// checked against the device's current object size, partial objects
// are deleted and their record reset; reads are checked against the
// local temp file's ETag, resetting on mismatch.
func (j *Journal) Reconcile(ctx context.Context, deviceID string, ops DeviceOps, lf LocalFile) error {
	records, err := j.LoadResumables(deviceID)
	if err != nil {
		return fmt.Errorf("journal: reconcile: %w", err)
	}

	for _, r := range records {
		switch r.Kind {
		case KindWrite:
			if err := j.reconcileWrite(ctx, r, ops); err != nil {
				return fmt.Errorf("journal: reconcile %s: %w", r.ID, err)
			}
		case KindRead:
			if err := j.reconcileRead(r, lf); err != nil {
				return fmt.Errorf("journal: reconcile %s: %w", r.ID, err)
			}
		}
	}
	return nil
}

func (j *Journal) reconcileWrite(ctx context.Context, r Record, ops DeviceOps) error {
	if r.RemoteHandle == nil {
		return nil // nothing sent to the device yet, resumable as-is
	}

	size, exists, err := ops.ObjectSize(ctx, *r.RemoteHandle)
	if err != nil {
		return err
	}

	if !exists {
		return j.resetWrite(r.ID)
	}

	if r.TotalBytes != nil && size < *r.TotalBytes {
		if err := ops.DeleteObject(ctx, *r.RemoteHandle); err != nil {
			return err
		}
		return j.resetWrite(r.ID)
	}

	return j.Complete(r.ID)
}

func (j *Journal) resetWrite(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		UPDATE transfers SET committed_bytes = 0, remote_handle = NULL,
			state = ?, updated_at = ? WHERE id = ?`,
		StateStarted, time.Now().Unix(), id)
	return err
}

func (j *Journal) reconcileRead(r Record, lf LocalFile) error {
	if r.ETag == "" {
		return nil
	}
	ok, err := lf.VerifyETag(r.LocalTempURL, r.ETag)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.Exec(`UPDATE transfers SET committed_bytes = 0, state = ?, updated_at = ? WHERE id = ?`,
		StateStarted, time.Now().Unix(), r.ID)
	return err
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var handle, parentHandle, remoteHandle sql.NullInt64
	var totalBytes sql.NullInt64
	var finalURL, sourceURL, contentHash, etag, failReason sql.NullString
	var throughput sql.NullFloat64
	var supportsPartial int
	var updatedAt int64

	err := rows.Scan(&r.ID, &r.DeviceID, &r.Kind, &handle, &parentHandle, &r.Name,
		&totalBytes, &r.CommittedBytes, &supportsPartial, &r.LocalTempURL, &finalURL,
		&sourceURL, &r.State, &remoteHandle, &contentHash, &throughput, &etag,
		&failReason, &updatedAt)
	if err != nil {
		return Record{}, err
	}

	if handle.Valid {
		v := uint32(handle.Int64)
		r.Handle = &v
	}
	if parentHandle.Valid {
		v := uint32(parentHandle.Int64)
		r.ParentHandle = &v
	}
	if remoteHandle.Valid {
		v := uint32(remoteHandle.Int64)
		r.RemoteHandle = &v
	}
	if totalBytes.Valid {
		v := uint64(totalBytes.Int64)
		r.TotalBytes = &v
	}
	r.SupportsPartial = supportsPartial != 0
	r.FinalURL = finalURL.String
	r.SourceURL = sourceURL.String
	r.ContentHash = contentHash.String
	r.ThroughputMBPS = throughput.Float64
	r.ETag = etag.String
	r.FailReason = failReason.String
	r.UpdatedAt = time.Unix(updatedAt, 0)

	return r, nil
}

func checkRowsAffected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("journal: %s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: %s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("journal: %s: no such record %s", op, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableU64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
