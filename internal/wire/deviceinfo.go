/* mtpusb - host-side MTP/PTP stack over USB
 *
 * DeviceInfo dataset: GetDeviceInfo's response payload.
 */

package wire

// DeviceInfoDataset is the decoded GetDeviceInfo response payload.
// The supported-operation list is kept so callers can probe for an
// opcode before issuing it; the remaining capability arrays are
// skipped.
type DeviceInfoDataset struct {
	StandardVersion     uint16
	VendorExtensionID   uint32
	VendorExtensionDesc string
	FunctionalMode      uint16
	OperationsSupported []uint16
	Manufacturer        string
	Model               string
	DeviceVersion       string
	SerialNumber        string
}

// Supports reports whether the device lists opcode among its
// supported operations.
func (ds DeviceInfoDataset) Supports(opcode uint16) bool {
	for _, op := range ds.OperationsSupported {
		if op == opcode {
			return true
		}
	}
	return false
}

// DecodeDeviceInfoDataset parses a GetDeviceInfo dataset payload.
func DecodeDeviceInfoDataset(buf []byte) (DeviceInfoDataset, error) {
	r := newScalarReader(buf)
	var ds DeviceInfoDataset
	var err error

	if ds.StandardVersion, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.VendorExtensionID, err = r.u32(); err != nil {
		return ds, err
	}
	// VendorExtensionVersion: skipped, unused.
	if _, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.VendorExtensionDesc, err = r.str(); err != nil {
		return ds, err
	}
	if ds.FunctionalMode, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.OperationsSupported, err = r.u16array(); err != nil {
		return ds, err
	}
	// EventsSupported, DevicePropertiesSupported, CaptureFormats,
	// ImageFormats: skipped, unused.
	for i := 0; i < 4; i++ {
		if _, err = r.u16array(); err != nil {
			return ds, err
		}
	}
	if ds.Manufacturer, err = r.str(); err != nil {
		return ds, err
	}
	if ds.Model, err = r.str(); err != nil {
		return ds, err
	}
	if ds.DeviceVersion, err = r.str(); err != nil {
		return ds, err
	}
	if ds.SerialNumber, err = r.str(); err != nil {
		return ds, err
	}
	return ds, nil
}

// EncodeDeviceInfoDataset builds a GetDeviceInfo payload; the virtual
// device used in tests replays it.
func EncodeDeviceInfoDataset(ds DeviceInfoDataset) []byte {
	var out []byte
	out = appendU16(out, ds.StandardVersion)
	out = appendU32(out, ds.VendorExtensionID)
	out = appendU16(out, 0) // VendorExtensionVersion
	out = append(out, EncodePTPString(ds.VendorExtensionDesc)...)
	out = appendU16(out, ds.FunctionalMode)
	out = appendU16Array(out, ds.OperationsSupported)
	for i := 0; i < 4; i++ {
		out = appendU16Array(out, nil)
	}
	out = append(out, EncodePTPString(ds.Manufacturer)...)
	out = append(out, EncodePTPString(ds.Model)...)
	out = append(out, EncodePTPString(ds.DeviceVersion)...)
	out = append(out, EncodePTPString(ds.SerialNumber)...)
	return out
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU16Array(buf []byte, values []uint16) []byte {
	buf = appendU32(buf, uint32(len(values)))
	for _, v := range values {
		buf = appendU16(buf, v)
	}
	return buf
}
