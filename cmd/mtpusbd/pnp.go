/* mtpusb - host-side MTP/PTP stack over USB
 *
 * PnP manager
 */

package main

import (
	"context"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
)

// pnpPollInterval is how often the PnP manager rescans the USB bus
// for MTP-shaped devices. gousb exposes no hotplug callback in its
// public API, so attach/detach is discovered by polling and diffing
// against the previous scan, rather than a libusb hotplug callback.
const pnpPollInterval = 2 * time.Second

// PnPExitReason reports why PnPStart returned.
type PnPExitReason int

const (
	// PnPShutdown means the caller's context was cancelled.
	PnPShutdown PnPExitReason = iota
	// PnPIdle means udevMode was set and the last device disconnected.
	PnPIdle
)

// PnPStart runs the PnP manager until ctx is cancelled, or, in udev
// mode, until the last tracked device disconnects. It returns the
// reason it stopped.
func PnPStart(ctx context.Context, svc *sharedServices, udevMode bool) PnPExitReason {
	addrs := map[usblink.Addr]bool{}
	byAddr := make(map[usblink.Addr]*Device)

	ticker := time.NewTicker(pnpPollInterval)
	defer ticker.Stop()

	scan := func() {
		found, err := usblink.Enumerate(svc.ctxUSB)
		if err != nil {
			svc.log.Info('!', "pnp: enumerate: %s", err)
			return
		}

		seen := make(map[usblink.Addr]bool, len(found))
		for _, addr := range found {
			seen[addr] = true
			if addrs[addr] {
				continue
			}

			if svc.conf.Parallel > 0 && len(addrs) >= int(svc.conf.Parallel) {
				svc.log.Debug(' ', "pnp: %s: deferred, %d sessions active", addr, len(addrs))
				continue
			}

			svc.log.Debug('+', "pnp: %s: added", addr)
			dev, err := NewDevice(svc, addr)
			if err != nil {
				svc.log.Info('!', "pnp: %s: %s", addr, err)
				svc.status.Set(addr, usblink.DeviceInfo{}, "", err)
				continue
			}
			addrs[addr] = true
			byAddr[addr] = dev
			svc.status.Set(addr, dev.Link.Info(), dev.DeviceID, nil)
		}

		for addr := range addrs {
			if seen[addr] {
				continue
			}

			svc.log.Debug('-', "pnp: %s: removed", addr)
			if dev, ok := byAddr[addr]; ok {
				dev.Close()
				delete(byAddr, addr)
			}
			svc.status.Del(addr)
			delete(addrs, addr)
		}
	}

	scan()

	for {
		select {
		case <-ctx.Done():
			for _, dev := range byAddr {
				dev.Close()
			}
			return PnPShutdown

		case <-ticker.C:
			scan()
			if udevMode && len(addrs) == 0 {
				return PnPIdle
			}
		}
	}
}
