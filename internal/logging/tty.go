/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Terminal detection for the color console sink
 */

package logging

import "os"

// isTerminal reports whether file looks like an interactive terminal,
// using the char-device mode bit rather than an isatty(3) call.
func isTerminal(file *os.File) bool {
	stat, err := file.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}
