/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Live Index: the persistent, replicated metadata store that backs
 * cache-first enumeration and sync-anchor-based change tracking for
 * external consumers (a filesystem-provider bridge, crawlers).
 */

// Package index implements the Live Index: objects, storages, and a
// change log backed by SQLite (mattn/go-sqlite3), with a monotonic
// per-device change counter stamped on every mutation.
package index

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	manufacturer TEXT,
	model TEXT,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS storages (
	device_id TEXT NOT NULL,
	storage_id INTEGER NOT NULL,
	description TEXT,
	capacity INTEGER,
	free INTEGER,
	read_only INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, storage_id)
);

CREATE TABLE IF NOT EXISTS objects (
	device_id TEXT NOT NULL,
	storage_id INTEGER NOT NULL,
	handle INTEGER NOT NULL,
	parent_handle INTEGER,
	name TEXT NOT NULL,
	path_key TEXT NOT NULL,
	size INTEGER,
	mtime INTEGER,
	format_code INTEGER NOT NULL,
	is_directory INTEGER NOT NULL DEFAULT 0,
	change_counter INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	tombstone INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, storage_id, handle)
);
CREATE INDEX IF NOT EXISTS objects_by_parent
	ON objects (device_id, storage_id, parent_handle);

CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	storage_id INTEGER NOT NULL,
	handle INTEGER NOT NULL,
	kind TEXT NOT NULL,
	change_counter INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	name TEXT,
	parent_handle INTEGER,
	size INTEGER,
	mtime INTEGER,
	format_code INTEGER,
	is_directory INTEGER
);
CREATE INDEX IF NOT EXISTS change_log_by_device
	ON change_log (device_id, change_counter);

CREATE TABLE IF NOT EXISTS change_counters (
	device_id TEXT PRIMARY KEY,
	current INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_state (
	device_id TEXT NOT NULL,
	storage_id INTEGER NOT NULL,
	parent_handle INTEGER,
	last_crawled_at INTEGER NOT NULL,
	PRIMARY KEY (device_id, storage_id, parent_handle)
);
`

// Index is the Live Index handle. Writes are serialized through mu;
// reads go straight to the database, which under WAL mode gives
// readers a consistent snapshot without blocking the writer.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the Live Index database at path,
// in WAL mode per the persisted-state layout.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=off")
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Object is one row of the objects table: a device-scoped file or
// directory entry.
type Object struct {
	DeviceID      string
	StorageID     uint32
	Handle        uint32
	ParentHandle  *uint32
	Name          string
	PathKey       string
	Size          *uint64
	MTime         *time.Time
	FormatCode    uint16
	IsDirectory   bool
	ChangeCounter int64
	Generation    int64
	Tombstone     bool
}

// Storage is one row of the storages table: a logical volume on a
// device, such as internal memory or an SD card.
type Storage struct {
	DeviceID    string
	StorageID   uint32
	Description string
	Capacity    uint64
	Free        uint64
	ReadOnly    bool
}

// Storages returns every storage volume recorded for device, ordered
// by storage_id, for the consumer-facing list_storages operation.
func (ix *Index) Storages(deviceID string) ([]Storage, error) {
	rows, err := ix.db.Query(`
		SELECT device_id, storage_id, description, capacity, free, read_only
		FROM storages WHERE device_id = ? ORDER BY storage_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("index: storages: %w", err)
	}
	defer rows.Close()

	var out []Storage
	for rows.Next() {
		var s Storage
		var capacity, free sql.NullInt64
		var readOnly int
		if err := rows.Scan(&s.DeviceID, &s.StorageID, &s.Description, &capacity, &free, &readOnly); err != nil {
			return nil, fmt.Errorf("index: storages: %w", err)
		}
		s.Capacity = uint64(capacity.Int64)
		s.Free = uint64(free.Int64)
		s.ReadOnly = readOnly != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertDevice records (or refreshes) a device's identity row.
func (ix *Index) UpsertDevice(deviceID, fingerprint, manufacturer, model string, now time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.Exec(`
		INSERT INTO devices (device_id, fingerprint, manufacturer, model, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			manufacturer=excluded.manufacturer,
			model=excluded.model,
			last_seen=excluded.last_seen`,
		deviceID, fingerprint, manufacturer, model, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("index: upsert device: %w", err)
	}

	_, err = ix.db.Exec(`
		INSERT INTO change_counters (device_id, current) VALUES (?, 0)
		ON CONFLICT(device_id) DO NOTHING`, deviceID)
	if err != nil {
		return fmt.Errorf("index: init change counter: %w", err)
	}
	return nil
}

// UpsertStorage records (or updates) a storage volume.
func (ix *Index) UpsertStorage(deviceID string, storageID uint32, description string, capacity, free uint64, readOnly bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.Exec(`
		INSERT INTO storages (device_id, storage_id, description, capacity, free, read_only)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, storage_id) DO UPDATE SET
			description=excluded.description, capacity=excluded.capacity,
			free=excluded.free, read_only=excluded.read_only`,
		deviceID, storageID, description, capacity, free, boolToInt(readOnly))
	if err != nil {
		return fmt.Errorf("index: upsert storage: %w", err)
	}
	return nil
}

// nextChangeCounter atomically bumps and returns device's change
// counter, within tx.
func nextChangeCounter(tx *sql.Tx, deviceID string) (int64, error) {
	if _, err := tx.Exec(`
		INSERT INTO change_counters (device_id, current) VALUES (?, 0)
		ON CONFLICT(device_id) DO NOTHING`, deviceID); err != nil {
		return 0, err
	}

	var current int64
	row := tx.QueryRow(`SELECT current FROM change_counters WHERE device_id = ?`, deviceID)
	if err := row.Scan(&current); err != nil {
		return 0, err
	}

	current++
	if _, err := tx.Exec(`UPDATE change_counters SET current = ? WHERE device_id = ?`, current, deviceID); err != nil {
		return 0, err
	}
	return current, nil
}

// UpsertObject inserts or updates an object row, stamping a fresh
// change counter, clearing its tombstone, bumping its generation to
// gen, and appending an "upserted" change-log entry. Returns the
// stored row, including the assigned change counter.
func (ix *Index) UpsertObject(obj Object, gen int64) (Object, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return Object{}, fmt.Errorf("index: upsert object: %w", err)
	}
	defer tx.Rollback()

	counter, err := nextChangeCounter(tx, obj.DeviceID)
	if err != nil {
		return Object{}, fmt.Errorf("index: upsert object: %w", err)
	}
	obj.ChangeCounter = counter
	obj.Generation = gen
	obj.Tombstone = false

	_, err = tx.Exec(`
		INSERT INTO objects (device_id, storage_id, handle, parent_handle, name,
			path_key, size, mtime, format_code, is_directory, change_counter,
			generation, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id, storage_id, handle) DO UPDATE SET
			parent_handle=excluded.parent_handle, name=excluded.name,
			path_key=excluded.path_key, size=excluded.size, mtime=excluded.mtime,
			format_code=excluded.format_code, is_directory=excluded.is_directory,
			change_counter=excluded.change_counter, generation=excluded.generation,
			tombstone=0`,
		obj.DeviceID, obj.StorageID, obj.Handle, nullableUint32(obj.ParentHandle), obj.Name,
		obj.PathKey, nullableUint64(obj.Size), nullableTime(obj.MTime), obj.FormatCode,
		boolToInt(obj.IsDirectory), obj.ChangeCounter, obj.Generation)
	if err != nil {
		return Object{}, fmt.Errorf("index: upsert object: %w", err)
	}

	if err := appendChangeLog(tx, "upserted", obj); err != nil {
		return Object{}, fmt.Errorf("index: upsert object: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Object{}, fmt.Errorf("index: upsert object: %w", err)
	}
	return obj, nil
}

// RemoveObject deletes one object row outright and appends a
// "deleted" change-log entry, for an explicit single-object delete
// (as opposed to the stale/purge sweep used by a full crawl).
func (ix *Index) RemoveObject(deviceID string, storageID, handle uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("index: remove object: %w", err)
	}
	defer tx.Rollback()

	obj, err := getObject(tx, deviceID, storageID, handle)
	if err != nil {
		return fmt.Errorf("index: remove object: %w", err)
	}
	if obj == nil {
		return nil
	}

	counter, err := nextChangeCounter(tx, deviceID)
	if err != nil {
		return fmt.Errorf("index: remove object: %w", err)
	}
	obj.ChangeCounter = counter

	if _, err := tx.Exec(`DELETE FROM objects WHERE device_id=? AND storage_id=? AND handle=?`,
		deviceID, storageID, handle); err != nil {
		return fmt.Errorf("index: remove object: %w", err)
	}

	if err := appendChangeLog(tx, "deleted", *obj); err != nil {
		return fmt.Errorf("index: remove object: %w", err)
	}

	return tx.Commit()
}

func getObject(tx *sql.Tx, deviceID string, storageID, handle uint32) (*Object, error) {
	row := tx.QueryRow(`
		SELECT device_id, storage_id, handle, parent_handle, name, path_key, size,
			mtime, format_code, is_directory, change_counter, generation, tombstone
		FROM objects WHERE device_id=? AND storage_id=? AND handle=?`,
		deviceID, storageID, handle)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// MarkStaleChildren sets tombstone=true for every live child of
// parent under storage, as the first step of a crawl's stale/purge
// sweep. UpsertObject clears the flag again for every entry the
// crawl still observes.
func (ix *Index) MarkStaleChildren(deviceID string, storageID uint32, parent *uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.Exec(parentFilterQuery(`
		UPDATE objects SET tombstone=1
		WHERE device_id=? AND storage_id=? AND `, parent),
		append([]interface{}{deviceID, storageID}, parentFilterArgs(parent)...)...)
	if err != nil {
		return fmt.Errorf("index: mark stale children: %w", err)
	}
	return nil
}

// PurgeStale emits a "deleted" change-log entry for every tombstoned
// child of parent still remaining after a crawl pass, then removes
// those rows. Net effect, combined with MarkStaleChildren and
// UpsertObject: exactly one change-log entry per real mutation.
func (ix *Index) PurgeStale(deviceID string, storageID uint32, parent *uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("index: purge stale: %w", err)
	}
	defer tx.Rollback()

	query := parentFilterQuery(`
		SELECT device_id, storage_id, handle, parent_handle, name, path_key, size,
			mtime, format_code, is_directory, change_counter, generation, tombstone
		FROM objects WHERE device_id=? AND storage_id=? AND tombstone=1 AND `, parent)
	args := append([]interface{}{deviceID, storageID}, parentFilterArgs(parent)...)

	rows, err := tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("index: purge stale: %w", err)
	}
	var stale []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("index: purge stale: %w", err)
		}
		stale = append(stale, obj)
	}
	rows.Close()

	for _, obj := range stale {
		counter, err := nextChangeCounter(tx, deviceID)
		if err != nil {
			return fmt.Errorf("index: purge stale: %w", err)
		}
		obj.ChangeCounter = counter

		if _, err := tx.Exec(`DELETE FROM objects WHERE device_id=? AND storage_id=? AND handle=?`,
			deviceID, storageID, obj.Handle); err != nil {
			return fmt.Errorf("index: purge stale: %w", err)
		}
		if err := appendChangeLog(tx, "deleted", obj); err != nil {
			return fmt.Errorf("index: purge stale: %w", err)
		}
	}

	return tx.Commit()
}

func parentFilterQuery(prefix string, parent *uint32) string {
	if parent == nil {
		return prefix + "parent_handle IS NULL"
	}
	return prefix + "parent_handle = ?"
}

func parentFilterArgs(parent *uint32) []interface{} {
	if parent == nil {
		return nil
	}
	return []interface{}{*parent}
}

// Children returns the non-tombstoned children of parent under
// storage, ordered by handle. Paging is left to the caller: this
// returns the full result set, per the enumeration ladder's contract.
func (ix *Index) Children(deviceID string, storageID uint32, parent *uint32) ([]Object, error) {
	query := parentFilterQuery(`
		SELECT device_id, storage_id, handle, parent_handle, name, path_key, size,
			mtime, format_code, is_directory, change_counter, generation, tombstone
		FROM objects WHERE device_id=? AND storage_id=? AND tombstone=0 AND `, parent)
	query += " ORDER BY handle"
	args := append([]interface{}{deviceID, storageID}, parentFilterArgs(parent)...)

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: children: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("index: children: %w", err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// FindByHandle looks up an object by handle alone, without requiring
// the caller to already know its storage_id, for consumer operations
// (delete_object) that are addressed by handle only.
func (ix *Index) FindByHandle(deviceID string, handle uint32) (*Object, error) {
	row := ix.db.QueryRow(`
		SELECT device_id, storage_id, handle, parent_handle, name, path_key, size,
			mtime, format_code, is_directory, change_counter, generation, tombstone
		FROM objects WHERE device_id=? AND handle=? AND tombstone=0`, deviceID, handle)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: find by handle: %w", err)
	}
	return &obj, nil
}

// ChangeLogEntry is one row of changes_since's result: a change-log
// record joined with the object snapshot captured at that mutation.
type ChangeLogEntry struct {
	Kind          string // "upserted" | "deleted"
	Object        Object
	ChangeCounter int64
}

// ChangesSince returns every change-log entry for device with a
// change counter strictly greater than anchor, ascending.
func (ix *Index) ChangesSince(deviceID string, anchor int64) ([]ChangeLogEntry, error) {
	rows, err := ix.db.Query(`
		SELECT kind, change_counter, storage_id, handle, parent_handle, name, size,
			mtime, format_code, is_directory
		FROM change_log
		WHERE device_id = ? AND change_counter > ?
		ORDER BY change_counter ASC`, deviceID, anchor)
	if err != nil {
		return nil, fmt.Errorf("index: changes since: %w", err)
	}
	defer rows.Close()

	var out []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		var parentHandle sql.NullInt64
		var size sql.NullInt64
		var mtime sql.NullInt64
		var formatCode sql.NullInt64
		var isDir sql.NullInt64
		var name sql.NullString

		if err := rows.Scan(&e.Kind, &e.ChangeCounter, &e.Object.StorageID, &e.Object.Handle,
			&parentHandle, &name, &size, &mtime, &formatCode, &isDir); err != nil {
			return nil, fmt.Errorf("index: changes since: %w", err)
		}

		e.Object.DeviceID = deviceID
		e.Object.Name = name.String
		e.Object.ChangeCounter = e.ChangeCounter
		if parentHandle.Valid {
			v := uint32(parentHandle.Int64)
			e.Object.ParentHandle = &v
		}
		if size.Valid {
			v := uint64(size.Int64)
			e.Object.Size = &v
		}
		if mtime.Valid {
			t := time.Unix(mtime.Int64, 0)
			e.Object.MTime = &t
		}
		e.Object.FormatCode = uint16(formatCode.Int64)
		e.Object.IsDirectory = isDir.Int64 != 0

		out = append(out, e)
	}
	return out, rows.Err()
}

// CurrentChangeCounter returns the latest change counter recorded for
// device, or 0 if the device is unknown.
func (ix *Index) CurrentChangeCounter(deviceID string) (int64, error) {
	var current int64
	row := ix.db.QueryRow(`SELECT current FROM change_counters WHERE device_id = ?`, deviceID)
	err := row.Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index: current change counter: %w", err)
	}
	return current, nil
}

// MarkCrawled records the last time (storage, parent) was crawled.
func (ix *Index) MarkCrawled(deviceID string, storageID uint32, parent *uint32, at time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	// ON CONFLICT can't deduplicate the root directory's NULL
	// parent_handle (NULL never equals NULL), so update first and
	// insert only when no row matched.
	res, err := ix.db.Exec(parentFilterQuery(`
		UPDATE crawl_state SET last_crawled_at=?
		WHERE device_id=? AND storage_id=? AND `, parent),
		append([]interface{}{at.Unix(), deviceID, storageID}, parentFilterArgs(parent)...)...)
	if err != nil {
		return fmt.Errorf("index: mark crawled: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var parentArg interface{}
	if parent != nil {
		parentArg = *parent
	}
	_, err = ix.db.Exec(`
		INSERT INTO crawl_state (device_id, storage_id, parent_handle, last_crawled_at)
		VALUES (?, ?, ?, ?)`,
		deviceID, storageID, parentArg, at.Unix())
	if err != nil {
		return fmt.Errorf("index: mark crawled: %w", err)
	}
	return nil
}

// LastCrawled returns when (storage, parent) was last crawled, and
// whether it has ever been crawled at all.
func (ix *Index) LastCrawled(deviceID string, storageID uint32, parent *uint32) (time.Time, bool, error) {
	query := parentFilterQuery(`
		SELECT last_crawled_at FROM crawl_state WHERE device_id=? AND storage_id=? AND `, parent)
	args := append([]interface{}{deviceID, storageID}, parentFilterArgs(parent)...)

	var ts int64
	row := ix.db.QueryRow(query, args...)
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("index: last crawled: %w", err)
	}
	return time.Unix(ts, 0), true, nil
}

func appendChangeLog(tx *sql.Tx, kind string, obj Object) error {
	_, err := tx.Exec(`
		INSERT INTO change_log (device_id, storage_id, handle, kind, change_counter,
			timestamp, name, parent_handle, size, mtime, format_code, is_directory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.DeviceID, obj.StorageID, obj.Handle, kind, obj.ChangeCounter, time.Now().Unix(),
		obj.Name, nullableUint32(obj.ParentHandle), nullableUint64(obj.Size),
		nullableTime(obj.MTime), obj.FormatCode, boolToInt(obj.IsDirectory))
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanObject(row scanner) (Object, error) {
	var obj Object
	var parentHandle sql.NullInt64
	var size sql.NullInt64
	var mtime sql.NullInt64
	var tombstone int
	var isDir int

	err := row.Scan(&obj.DeviceID, &obj.StorageID, &obj.Handle, &parentHandle, &obj.Name,
		&obj.PathKey, &size, &mtime, &obj.FormatCode, &isDir, &obj.ChangeCounter,
		&obj.Generation, &tombstone)
	if err != nil {
		return Object{}, err
	}

	if parentHandle.Valid {
		v := uint32(parentHandle.Int64)
		obj.ParentHandle = &v
	}
	if size.Valid {
		v := uint64(size.Int64)
		obj.Size = &v
	}
	if mtime.Valid {
		t := time.Unix(mtime.Int64, 0)
		obj.MTime = &t
	}
	obj.IsDirectory = isDir != 0
	obj.Tombstone = tombstone != 0

	return obj, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUint32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return v.Unix()
}

// EncodeAnchor encodes a change-counter anchor as a little-endian
// i64, per the design note against string or layout-drift-prone blob
// encodings.
func EncodeAnchor(counter int64) [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(counter))
	return buf
}

// DecodeAnchor decodes exactly 8 bytes into a change-counter anchor.
func DecodeAnchor(buf []byte) (int64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("index: anchor must be exactly 8 bytes, got %d", len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}
