/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Default filesystem layout
 */

package config

const (
	// ConfDir is the default configuration directory.
	ConfDir = "/etc/mtpusb"

	// DataDir is the default persisted-state directory.
	DataDir = "/var/lib/mtpusb"

	// LockDir holds the daemon's advisory lock file.
	LockDir = DataDir + "/lock"

	// LockFile is the daemon's single-instance lock.
	LockFile = LockDir + "/mtpusb.lock"

	// IndexPath is the Live Index database.
	IndexPath = DataDir + "/live_index.sqlite"

	// JournalPath is the Transfer Journal database.
	JournalPath = DataDir + "/journal.sqlite"

	// QuirksDir holds the shipped, read-only quirk table: one ".conf"
	// file per device or vendor, loaded by quirks.LoadDb.
	QuirksDir = DataDir + "/quirks.d"

	// QuirksUserDir holds user-supplied quirk override ".conf" files,
	// loaded after QuirksDir so a local override wins ties.
	QuirksUserDir = ConfDir + "/quirks.d"

	// LearnedDir holds per-device learned tuning profiles.
	LearnedDir = DataDir + "/learned"

	// TempDir is scratch space for in-flight reads.
	TempDir = DataDir + "/fileprovider-temp"

	// SocketPath is the control-socket path the status server listens on.
	SocketPath = DataDir + "/mtpusb.sock"

	// ConfFileName is the name of the configuration file looked up in ConfDir
	// and alongside the daemon binary.
	ConfFileName = "mtpusb.conf"
)
