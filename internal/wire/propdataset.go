/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Dataset decoders for the two object-listing payloads the protocol
 * engine hands to the enumeration ladder: a single ObjectInfo dataset
 * (GetObjectInfo's response) and the bulk ObjectPropList dataset
 * (GetObjectPropList's response).
 */

package wire

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Object property codes this daemon reads out of an ObjectPropList
// dataset. Only the subset the enumeration ladder needs is named.
const (
	PropObjectFormat   uint32 = 0xDC02
	PropObjectSize     uint32 = 0xDC04
	PropObjectFileName uint32 = 0xDC07
	PropDateModified   uint32 = 0xDC09
	PropParentObject   uint32 = 0xDC0B
)

// Datatype codes tagging each ObjectPropList element's value.
const (
	DatatypeUint16 uint16 = 0x0004
	DatatypeUint32 uint16 = 0x0006
	DatatypeUint64 uint16 = 0x0008
	DatatypeString uint16 = 0xFFFF
)

// AssociationGenericFolder marks an ObjectInfo dataset as a directory.
const AssociationGenericFolder uint16 = 0x0001

// ObjectInfoDataset is the decoded GetObjectInfo response payload.
type ObjectInfoDataset struct {
	StorageID            uint32
	ObjectFormat         uint16
	ProtectionStatus     uint16
	ObjectCompressedSize uint32
	ParentObject         uint32
	AssociationType      uint16
	Filename             string
	ModificationDate     string
}

// DecodeObjectInfoDataset parses an ObjectInfo dataset payload (the
// bytes following the 12-byte data-phase header).
func DecodeObjectInfoDataset(buf []byte) (ObjectInfoDataset, error) {
	r := newScalarReader(buf)
	var ds ObjectInfoDataset
	var err error

	if ds.StorageID, err = r.u32(); err != nil {
		return ds, err
	}
	if ds.ObjectFormat, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.ProtectionStatus, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.ObjectCompressedSize, err = r.u32(); err != nil {
		return ds, err
	}
	// ThumbFormat, then ThumbCompressedSize, ThumbPixWidth,
	// ThumbPixHeight, ImagePixWidth, ImagePixHeight, ImageBitDepth:
	// skipped, unused.
	if _, err = r.u16(); err != nil {
		return ds, err
	}
	for i := 0; i < 6; i++ {
		if _, err = r.u32(); err != nil {
			return ds, err
		}
	}
	if ds.ParentObject, err = r.u32(); err != nil {
		return ds, err
	}
	if ds.AssociationType, err = r.u16(); err != nil {
		return ds, err
	}
	// AssociationDesc, SequenceNumber: skipped, unused.
	if _, err = r.u32(); err != nil {
		return ds, err
	}
	if _, err = r.u32(); err != nil {
		return ds, err
	}
	if ds.Filename, err = r.str(); err != nil {
		return ds, err
	}
	// CaptureDate: skipped.
	if _, err = r.str(); err != nil {
		return ds, err
	}
	if ds.ModificationDate, err = r.str(); err != nil {
		return ds, err
	}
	return ds, nil
}

// EncodeObjectInfoDataset builds the ObjectInfo dataset SendObjectInfo
// carries as its data-out payload, the mirror image of
// DecodeObjectInfoDataset: thumbnail and image-dimension fields this
// daemon never populates are written zeroed, CaptureDate is left empty,
// and ModificationDate is formatted in the same "YYYYMMDDTHHMMSS" layout
// MTime parses.
func EncodeObjectInfoDataset(ds ObjectInfoDataset) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, ds.StorageID)
	binary.Write(&buf, binary.LittleEndian, ds.ObjectFormat)
	binary.Write(&buf, binary.LittleEndian, ds.ProtectionStatus)
	binary.Write(&buf, binary.LittleEndian, ds.ObjectCompressedSize)
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // ThumbFormat
	for i := 0; i < 6; i++ {
		binary.Write(&buf, binary.LittleEndian, uint32(0)) // thumb sizes, image dims, bit depth
	}
	binary.Write(&buf, binary.LittleEndian, ds.ParentObject)
	binary.Write(&buf, binary.LittleEndian, ds.AssociationType)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // AssociationDesc
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // SequenceNumber
	buf.Write(EncodePTPString(ds.Filename))
	buf.Write(EncodePTPString("")) // CaptureDate
	buf.Write(EncodePTPString(ds.ModificationDate))
	buf.Write(EncodePTPString("")) // Keywords

	return buf.Bytes()
}

// MTime parses ModificationDate's "YYYYMMDDTHHMMSS[.s]" PTP date
// format, returning the zero time if it doesn't parse.
func (ds ObjectInfoDataset) MTime() time.Time {
	for _, layout := range []string{"20060102T150405", "20060102T150405.0"} {
		if t, err := time.Parse(layout, ds.ModificationDate); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsDirectory reports whether the dataset describes an association
// (folder) rather than a regular object.
func (ds ObjectInfoDataset) IsDirectory() bool {
	return ds.AssociationType == AssociationGenericFolder
}

// PropElement is one decoded element of an ObjectPropList dataset.
type PropElement struct {
	Handle   uint32
	Code     uint32
	Datatype uint16
	UintVal  uint64
	StrVal   string
}

// DecodeObjectPropList parses a GetObjectPropList response payload
// into its flat element list; callers group elements by Handle.
func DecodeObjectPropList(buf []byte) ([]PropElement, error) {
	r := newScalarReader(buf)

	count, err := r.u32()
	if err != nil {
		return nil, err
	}

	elems := make([]PropElement, 0, count)
	for i := uint32(0); i < count; i++ {
		var e PropElement

		if e.Handle, err = r.u32(); err != nil {
			return nil, err
		}
		if e.Code, err = r.u32(); err != nil {
			return nil, err
		}
		if e.Datatype, err = r.u16(); err != nil {
			return nil, err
		}

		switch e.Datatype {
		case DatatypeUint16:
			v, err := r.u16()
			if err != nil {
				return nil, err
			}
			e.UintVal = uint64(v)
		case DatatypeUint32:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			e.UintVal = uint64(v)
		case DatatypeUint64:
			if e.UintVal, err = r.u64(); err != nil {
				return nil, err
			}
		case DatatypeString:
			if e.StrVal, err = r.str(); err != nil {
				return nil, err
			}
		default:
			return nil, &MalformedContainer{Detail: "unsupported object property datatype"}
		}

		elems = append(elems, e)
	}

	return elems, nil
}
