/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Shutdown signal handling
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
)

// contextWithShutdownSignal returns a context cancelled on SIGINT or
// SIGTERM, along with the cancel function the caller must invoke to
// stop listening once done.
func contextWithShutdownSignal() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigc:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	return ctx, cancel
}

func usbEnumerate(svc *sharedServices) ([]usblink.Addr, error) {
	return usblink.Enumerate(svc.ctxUSB)
}
