/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Common errors
 */

package main

import "errors"

// Error values for the daemon shell.
var (
	ErrLockIsBusy   = errors.New("lock is busy")
	ErrShutdown     = errors.New("shutdown requested")
	ErrInitTimedOut = errors.New("device initialization timed out")
	ErrNoDaemon     = errors.New("mtpusbd daemon not running")
	ErrAccess       = errors.New("access denied")
)
