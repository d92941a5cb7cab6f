/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Daemon status support
 */

package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
)

// Version is the daemon's reported version string.
const Version = "0.1.0"

// statusOfDevice is the per-device status entry the control socket
// reports.
type statusOfDevice struct {
	Addr     usblink.Addr
	Info     usblink.DeviceInfo
	DeviceID string
	Online   bool
	InitErr  error
}

// statusTable maintains per-device status, indexed by USB address.
type statusTable struct {
	mu      sync.RWMutex
	entries map[usblink.Addr]*statusOfDevice
}

func newStatusTable() *statusTable {
	return &statusTable{entries: make(map[usblink.Addr]*statusOfDevice)}
}

// StatusRetrieve connects to the running daemon and retrieves its
// status as printable text.
func StatusRetrieve() ([]byte, error) {
	t := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return CtrlsockDial()
		},
	}
	c := &http.Client{Transport: t}

	rsp, err := c.Get("http://localhost/status")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	return ioutil.ReadAll(rsp.Body)
}

// Format renders the status table as text.
func (s *statusTable) Format() []byte {
	buf := &bytes.Buffer{}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fmt.Fprintf(buf, "mtpusbd %s: running\n", Version)

	devs := make([]*statusOfDevice, 0, len(s.entries))
	for _, st := range s.entries {
		devs = append(devs, st)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Addr.Less(devs[j].Addr) })

	buf.WriteString("devices:")
	if len(devs) == 0 {
		buf.WriteString(" none\n")
		return buf.Bytes()
	}
	buf.WriteString("\n")

	fmt.Fprintf(buf, " Num  Device     Vndr:Prod  Device ID                                 Status\n")
	for i, st := range devs {
		status := "online"
		if !st.Online {
			status = "offline"
		}
		if st.InitErr != nil {
			status = st.InitErr.Error()
		}

		fmt.Fprintf(buf, " %3d. %-10s %4.4x:%4.4x  %-40s  %s\n",
			i+1, st.Addr, st.Info.Vendor, st.Info.Product, st.DeviceID, status)
	}

	return buf.Bytes()
}

// Set adds or updates a device's status entry.
func (s *statusTable) Set(addr usblink.Addr, info usblink.DeviceInfo, deviceID string, initErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[addr] = &statusOfDevice{
		Addr:     addr,
		Info:     info,
		DeviceID: deviceID,
		Online:   initErr == nil,
		InitErr:  initErr,
	}
}

// Del removes a device's status entry.
func (s *statusTable) Del(addr usblink.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, addr)
}

// ByDeviceID looks up a device's status entry by its device ID, for
// the /devices/<id> control-socket endpoint.
func (s *statusTable) ByDeviceID(deviceID string) (*statusOfDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.entries {
		if st.DeviceID == deviceID {
			return st, true
		}
	}
	return nil, false
}

// FormatOne renders a single device's status entry as text.
func (st *statusOfDevice) FormatOne() []byte {
	buf := &bytes.Buffer{}
	status := "online"
	if !st.Online {
		status = "offline"
	}
	if st.InitErr != nil {
		status = st.InitErr.Error()
	}
	fmt.Fprintf(buf, "device:     %s\n", st.DeviceID)
	fmt.Fprintf(buf, "usb addr:   %s\n", st.Addr)
	fmt.Fprintf(buf, "vndr:prod:  %4.4x:%4.4x\n", st.Info.Vendor, st.Info.Product)
	fmt.Fprintf(buf, "make/model: %s\n", st.Info.MakeAndModel())
	fmt.Fprintf(buf, "status:     %s\n", status)
	return buf.Bytes()
}
