/* mtpusb - host-side MTP/PTP stack over USB
 *
 * StorageInfo dataset: GetStorageInfo's response payload.
 */

package wire

// StorageInfoDataset is the decoded GetStorageInfo response payload.
type StorageInfoDataset struct {
	StorageType      uint16
	FilesystemType   uint16
	AccessCap        uint16
	MaxCapacity      uint64
	FreeSpaceBytes   uint64
	FreeSpaceObjects uint32
	Description      string
	VolumeLabel      string
}

// DecodeStorageInfoDataset parses a GetStorageInfo dataset payload.
func DecodeStorageInfoDataset(buf []byte) (StorageInfoDataset, error) {
	r := newScalarReader(buf)
	var ds StorageInfoDataset
	var err error

	if ds.StorageType, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.FilesystemType, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.AccessCap, err = r.u16(); err != nil {
		return ds, err
	}
	if ds.MaxCapacity, err = r.u64(); err != nil {
		return ds, err
	}
	if ds.FreeSpaceBytes, err = r.u64(); err != nil {
		return ds, err
	}
	if ds.FreeSpaceObjects, err = r.u32(); err != nil {
		return ds, err
	}
	if ds.Description, err = r.str(); err != nil {
		return ds, err
	}
	if ds.VolumeLabel, err = r.str(); err != nil {
		return ds, err
	}
	return ds, nil
}

// DecodeU32Array decodes a PTP array dataset: a u32 count followed by
// that many little-endian u32 values (GetStorageIDs, GetObjectHandles).
func DecodeU32Array(buf []byte) ([]uint32, error) {
	r := newScalarReader(buf)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
