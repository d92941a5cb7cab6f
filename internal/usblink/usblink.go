/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Link is the capability-set USB transport the protocol engine talks
 * to: bulk out, bulk in, interrupt in, clear-halt, and reset. UsbLink
 * is the real implementation, backed by gousb/libusb. VirtualLink,
 * FaultInjectingLink, and CapturingLink give the engine and its tests
 * a device to talk to without real hardware.
 */

// Package usblink implements the USB transport layer for the
// protocol engine: a small capability-set interface plus a real
// gousb-backed implementation and test doubles that satisfy it.
package usblink

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
)

// Addr identifies a device's position on the bus.
type Addr struct {
	Bus     int
	Address int
}

// String returns a human-readable representation of Addr.
func (a Addr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", a.Bus, a.Address)
}

// Less orders Addr for stable enumeration output.
func (a Addr) Less(b Addr) bool {
	return a.Bus < b.Bus || (a.Bus == b.Bus && a.Address < b.Address)
}

// IfAddr is the full address of a still-image/PTP or MTP interface.
type IfAddr struct {
	Addr
	Config int
	Num    int
	Alt    int
	In     int // bulk-in endpoint number
	Out    int // bulk-out endpoint number
	Event  int // interrupt-in endpoint number, 0 if none
}

// String returns a short human-readable representation of IfAddr.
func (a IfAddr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d Interface %d Alt %d",
		a.Bus, a.Address, a.Num, a.Alt)
}

// DeviceInfo describes a device enough to build its stable identity
// and pick its quirks.
type DeviceInfo struct {
	Vendor       uint16
	Product      uint16
	SerialNumber string
	Manufacturer string
	ProductName  string
	BcdDevice    uint16
	IfClass      uint8
	IfSubClass   uint8
	IfProtocol   uint8
}

// MakeAndModel returns a single "Manufacturer Product" string, eliding
// the manufacturer name when it's already a prefix of the product name.
func (info DeviceInfo) MakeAndModel() string {
	mfg := strings.TrimSpace(info.Manufacturer)
	prod := strings.TrimSpace(info.ProductName)

	if mfg != "" && !strings.HasPrefix(prod, mfg) {
		return mfg + " " + prod
	}
	return prod
}

// Ident returns a stable, filesystem-safe identification string
// derived from the device's USB descriptors, suitable as a seed for
// the persistent device identity.
func (info DeviceInfo) Ident() string {
	id := fmt.Sprintf("%4.4x-%4.4x", info.Vendor, info.Product)
	if info.SerialNumber != "" {
		id += "-" + info.SerialNumber
	}
	if model := info.MakeAndModel(); model != "" {
		id += "-" + model
	}

	return strings.Map(func(c rune) rune {
		switch {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case c == '-' || c == '_':
		default:
			c = '-'
		}
		return c
	}, id)
}

// FallbackUUID derives a name-based UUID (v5, SHA1) from Ident, for
// devices that offer no other stable identifier.
func (info DeviceInfo) FallbackUUID() string {
	const namespace = "a276a46a-5c2c-4b8a-8e7d-9a6f4f0f9b2f"

	hash := sha1.New()
	hash.Write([]byte(namespace))
	hash.Write([]byte(info.Ident()))
	uuid := hash.Sum(nil)

	uuid[6] &= 0x0f
	uuid[6] |= 0x50
	uuid[8] &= 0x3f
	uuid[8] |= 0x80

	return fmt.Sprintf(
		"%.2x%.2x%.2x%.2x-%.2x%.2x-%.2x%.2x-%.2x%.2x-%.2x%.2x%.2x%.2x%.2x%.2x",
		uuid[0], uuid[1], uuid[2], uuid[3],
		uuid[4], uuid[5], uuid[6], uuid[7],
		uuid[8], uuid[9], uuid[10], uuid[11],
		uuid[12], uuid[13], uuid[14], uuid[15])
}

// Endpoint identifies which pipe an operation or a ClearHalt targets.
type Endpoint int

const (
	EndpointBulkOut Endpoint = iota
	EndpointBulkIn
	EndpointEventIn
)

// Link is the capability set the protocol engine needs from a USB
// connection to a single device interface. Every blocking method
// honors ctx cancellation/deadline on top of whatever timeout the
// implementation itself enforces.
type Link interface {
	// Info returns the device's descriptors.
	Info() DeviceInfo

	// BulkOut writes data to the bulk-out endpoint.
	BulkOut(ctx context.Context, data []byte) (int, error)

	// BulkIn reads from the bulk-in endpoint into buf.
	BulkIn(ctx context.Context, buf []byte) (int, error)

	// EventIn reads one interrupt-in event into buf, if the device
	// exposes an interrupt endpoint. Returns (0, ptperr.NotSupported)
	// if it doesn't.
	EventIn(ctx context.Context, buf []byte) (int, error)

	// ClearHalt clears a stall condition on the given endpoint.
	ClearHalt(ep Endpoint) error

	// Reset performs a USB port/device reset.
	Reset() error

	// CancelRequest issues the PTP class-specific Cancel Request on
	// the control endpoint for the given transaction ID, per the
	// mid-transfer cancellation path.
	CancelRequest(ctx context.Context, txid uint32) error

	// Close releases the underlying device/interface.
	Close() error
}

// UsbLink is the real Link implementation, backed by gousb.
type UsbLink struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	iface  *gousb.Interface
	ifNum  int
	epIn   *gousb.InEndpoint
	epOut  *gousb.OutEndpoint
	epEvt  *gousb.InEndpoint
	info   DeviceInfo
	ctxUSB *gousb.Context
}

// OpenDescOf builds an IfAddr from gousb descriptors for the first
// interface on dev matching the still-image/PTP class or an
// MTP-shaped vendor-specific class, per the USB external interface
// this daemon enumerates against.
func findMtpInterface(desc *gousb.DeviceDesc) (cfgNum, ifNum, alt int, ok bool) {
	for cn, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, setting := range iface.AltSettings {
				if isMtpClass(setting.Class, setting.SubClass, setting.Protocol) {
					return cn, iface.Number, setting.Alternate, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

func isMtpClass(class, subclass, protocol gousb.Class) bool {
	// Still-image/PTP: class 6, subclass 1, protocol 1.
	if uint8(class) == 0x06 && uint8(subclass) == 0x01 && uint8(protocol) == 0x01 {
		return true
	}
	// Vendor-specific MTP devices advertise class 0xFF; narrowing to
	// a specific sub/protocol pair is handled by quirk matching on
	// VID/PID once the interface is opened, not here.
	if uint8(class) == 0xFF {
		return true
	}
	return false
}

// OpenUsbLink opens a USB connection to addr and claims its
// still-image/PTP or MTP interface, returning a ready-to-use Link.
func OpenUsbLink(ctxUSB *gousb.Context, addr Addr) (*UsbLink, error) {
	var found *gousb.Device

	devs, err := ctxUSB.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == addr.Bus && desc.Address == addr.Address
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, &ptperr.Io{Msg: "enumerate", Err: err}
	}

	if len(devs) == 0 {
		return nil, &ptperr.NoDevice{Addr: addr.String()}
	}
	found = devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}

	cfgNum, ifNum, alt, ok := findMtpInterface(found.Desc)
	if !ok {
		found.Close()
		return nil, &ptperr.NotSupported{Opcode: 0}
	}

	found.SetAutoDetach(true)

	cfg, err := found.Config(cfgNum)
	if err != nil {
		found.Close()
		return nil, &ptperr.Io{Msg: "set config", Err: err}
	}

	iface, err := cfg.Interface(ifNum, alt)
	if err != nil {
		cfg.Close()
		found.Close()
		return nil, &ptperr.Io{Msg: "claim interface", Err: err}
	}

	link := &UsbLink{dev: found, cfg: cfg, iface: iface, ifNum: ifNum, ctxUSB: ctxUSB}

	for _, epDesc := range iface.Setting.Endpoints {
		switch {
		case epDesc.Direction == gousb.EndpointDirectionIn && epDesc.TransferType == gousb.TransferTypeBulk && link.epIn == nil:
			ep, err := iface.InEndpoint(epDesc.Number)
			if err == nil {
				link.epIn = ep
			}
		case epDesc.Direction == gousb.EndpointDirectionOut && epDesc.TransferType == gousb.TransferTypeBulk && link.epOut == nil:
			ep, err := iface.OutEndpoint(epDesc.Number)
			if err == nil {
				link.epOut = ep
			}
		case epDesc.Direction == gousb.EndpointDirectionIn && epDesc.TransferType == gousb.TransferTypeInterrupt && link.epEvt == nil:
			ep, err := iface.InEndpoint(epDesc.Number)
			if err == nil {
				link.epEvt = ep
			}
		}
	}

	if link.epIn == nil || link.epOut == nil {
		link.Close()
		return nil, &ptperr.NotSupported{Opcode: 0}
	}

	link.info = DeviceInfo{
		Vendor:     uint16(found.Desc.Vendor),
		Product:    uint16(found.Desc.Product),
		BcdDevice:  uint16(found.Desc.Device),
		IfClass:    uint8(iface.Setting.Class),
		IfSubClass: uint8(iface.Setting.SubClass),
		IfProtocol: uint8(iface.Setting.Protocol),
	}

	if s, err := found.Manufacturer(); err == nil {
		link.info.Manufacturer = s
	}
	if s, err := found.Product(); err == nil {
		link.info.ProductName = s
	}
	if s, err := found.SerialNumber(); err == nil {
		link.info.SerialNumber = s
	}

	return link, nil
}

// Info implements Link.
func (l *UsbLink) Info() DeviceInfo { return l.info }

// BulkOut implements Link.
func (l *UsbLink) BulkOut(ctx context.Context, data []byte) (int, error) {
	n, err := l.epOut.WriteContext(ctx, data)
	return n, classifyTransferErr(err)
}

// BulkIn implements Link.
func (l *UsbLink) BulkIn(ctx context.Context, buf []byte) (int, error) {
	n, err := l.epIn.ReadContext(ctx, buf)
	return n, classifyTransferErr(err)
}

// EventIn implements Link.
func (l *UsbLink) EventIn(ctx context.Context, buf []byte) (int, error) {
	if l.epEvt == nil {
		return 0, &ptperr.NotSupported{Opcode: 0}
	}
	n, err := l.epEvt.ReadContext(ctx, buf)
	return n, classifyTransferErr(err)
}

// Standard CLEAR_FEATURE(ENDPOINT_HALT) request fields: what
// libusb_clear_halt issues on the wire.
const (
	reqTypeEndpointOut = 0x02
	reqClearFeature    = 0x01
	featEndpointHalt   = 0x00
)

// ClearHalt implements Link.
func (l *UsbLink) ClearHalt(ep Endpoint) error {
	var addr gousb.EndpointAddress
	switch ep {
	case EndpointBulkIn:
		addr = l.epIn.Desc.Address
	case EndpointBulkOut:
		addr = l.epOut.Desc.Address
	case EndpointEventIn:
		if l.epEvt == nil {
			return &ptperr.NotSupported{Opcode: 0}
		}
		addr = l.epEvt.Desc.Address
	}
	_, err := l.dev.Control(reqTypeEndpointOut, reqClearFeature, featEndpointHalt, uint16(addr), nil)
	if err != nil {
		return &ptperr.Io{Msg: "clear halt", Err: err}
	}
	return nil
}

// Reset implements Link.
func (l *UsbLink) Reset() error {
	if err := l.dev.Reset(); err != nil {
		return &ptperr.Io{Msg: "reset", Err: err}
	}
	return nil
}

// ptpCancelCode is the PTP Cancel Request's fixed code field, per the
// class-specific control request format (code u16, then txid u32, LE).
const ptpCancelCode = 0x4001

// bmRequestTypeCancel is host-to-device, class, interface: the PTP
// Cancel Request never carries a data-stage response.
const bmRequestTypeCancel = 0x21
const bRequestCancel = 0x64

// CancelRequest implements Link, issuing the Cancel Request over the
// control endpoint.
func (l *UsbLink) CancelRequest(ctx context.Context, txid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := make([]byte, 6)
	payload[0] = byte(ptpCancelCode)
	payload[1] = byte(ptpCancelCode >> 8)
	payload[2] = byte(txid)
	payload[3] = byte(txid >> 8)
	payload[4] = byte(txid >> 16)
	payload[5] = byte(txid >> 24)

	_, err := l.dev.Control(bmRequestTypeCancel, bRequestCancel, 0, uint16(l.ifNum), payload)
	if err != nil {
		return &ptperr.Io{Msg: "cancel request", Err: err}
	}
	return nil
}

// Close implements Link.
func (l *UsbLink) Close() error {
	if l.iface != nil {
		l.iface.Close()
	}
	if l.cfg != nil {
		l.cfg.Close()
	}
	if l.dev != nil {
		return l.dev.Close()
	}
	return nil
}

func classifyTransferErr(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ptperr.Timeout{Op: "bulk transfer"}
	case errors.Is(err, context.Canceled):
		return &ptperr.Cancelled{}
	}

	if terr, ok := err.(gousb.TransferStatus); ok {
		switch terr {
		case gousb.TransferStall:
			return &ptperr.Stall{}
		case gousb.TransferTimedOut:
			return &ptperr.Timeout{Op: "bulk transfer"}
		case gousb.TransferNoDevice:
			return &ptperr.NoDevice{}
		}
	}

	if lerr, ok := err.(gousb.Error); ok {
		switch lerr {
		case gousb.ErrorPipe:
			return &ptperr.Stall{}
		case gousb.ErrorTimeout:
			return &ptperr.Timeout{Op: "bulk transfer"}
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return &ptperr.NoDevice{}
		case gousb.ErrorBusy:
			return &ptperr.Busy{}
		case gousb.ErrorAccess:
			return &ptperr.AccessDenied{Err: err}
		}
	}

	return &ptperr.Io{Msg: "bulk transfer", Err: err}
}

// Enumerate returns the bus addresses of every device exposing a
// still-image/PTP or MTP-shaped interface.
func Enumerate(ctxUSB *gousb.Context) ([]Addr, error) {
	var addrs []Addr

	devs, err := ctxUSB.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, _, _, ok := findMtpInterface(desc)
		return ok
	})

	for _, d := range devs {
		addrs = append(addrs, Addr{Bus: d.Desc.Bus, Address: d.Desc.Address})
		d.Close()
	}

	if err != nil {
		return addrs, &ptperr.Io{Msg: "enumerate", Err: err}
	}

	return addrs, nil
}

// sleepCtx is a small helper used by test doubles to honor ctx
// cancellation while simulating transfer latency.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
