/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Device lookup table: routes a device_id to its live *Device, the
 * thing the consumer-facing operations are invoked against.
 */

package main

import "sync"

// deviceTable is the daemon-wide, lock-guarded map from device_id to
// the Device actor currently serving it. internal/registry tracks
// identity and attach/detach bookkeeping; this is the narrower,
// process-local lookup the consumer-facing operations need to reach a
// live *Device by the same device_id.
type deviceTable struct {
	mu   sync.RWMutex
	byID map[string]*Device
}

func newDeviceTable() *deviceTable {
	return &deviceTable{byID: make(map[string]*Device)}
}

// Set registers dev under its device ID.
func (t *deviceTable) Set(dev *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[dev.DeviceID] = dev
}

// Del removes deviceID's entry, if present.
func (t *deviceTable) Del(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, deviceID)
}

// Get looks up the live Device for deviceID.
func (t *deviceTable) Get(deviceID string) (*Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.byID[deviceID]
	return dev, ok
}
