/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Consumer interface: the operations a filesystem-provider bridge or a
 * crawler would invoke against the Live Index and Transfer Journal. No
 * such bridge lives in this daemon; these are the Go-callable entry
 * points it would call, addressed by device_id and routed to the live
 * Device through the device table.
 */

package main

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/changesignal"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/config"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/engine"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/index"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/pathkey"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

// DeviceStatus reports what a consumer needs to know about a device
// before addressing it: whether it is attached right now and whether
// its protocol session is open and able to serve commands.
type DeviceStatus struct {
	Connected   bool
	SessionOpen bool
}

// DeviceStatus looks up deviceID's current connectivity and session
// state, without requiring the caller to hold a live *Device.
func (svc *sharedServices) DeviceStatus(deviceID string) DeviceStatus {
	dev, ok := svc.devices.Get(deviceID)
	if !ok {
		return DeviceStatus{Connected: svc.registry.IsOnline(deviceID)}
	}
	return DeviceStatus{
		Connected:   true,
		SessionOpen: dev.Engine.State() == engine.StateSessionActive,
	}
}

// ListStorages returns every storage volume the Live Index has on
// record for deviceID.
func (svc *sharedServices) ListStorages(deviceID string) ([]index.Storage, error) {
	return svc.index.Storages(deviceID)
}

// ListChildren returns storageID's children of parent (the root when
// parent is nil) as currently recorded in the Live Index. This reads
// the index, not the device: a caller wanting fresh data should pair
// it with RequestCrawl.
func (svc *sharedServices) ListChildren(deviceID string, storageID uint32, parent *uint32) ([]index.Object, error) {
	return svc.index.Children(deviceID, storageID, parent)
}

// ListChildrenPage slices a ListChildren result at pageSize, resuming
// from an opaque cursor. The index always returns the whole result
// set; paging is imposed here, above it. The cursor is an 8-byte
// little-endian offset a caller replays verbatim; a nil next cursor
// means the listing is exhausted.
func (svc *sharedServices) ListChildrenPage(deviceID string, storageID uint32, parent *uint32, pageSize int, cursor []byte) ([]index.Object, []byte, error) {
	all, err := svc.index.Children(deviceID, storageID, parent)
	if err != nil {
		return nil, nil, err
	}

	var off uint64
	if len(cursor) > 0 {
		if off, err = decodeCursor(cursor); err != nil {
			return nil, nil, err
		}
	}
	if off > uint64(len(all)) {
		off = uint64(len(all))
	}

	end := uint64(len(all))
	if pageSize > 0 && off+uint64(pageSize) < end {
		end = off + uint64(pageSize)
	}

	var next []byte
	if end < uint64(len(all)) {
		next = encodeCursor(end)
	}
	return all[off:end], next, nil
}

func encodeCursor(offset uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, offset)
	return buf
}

func decodeCursor(tok []byte) (uint64, error) {
	if len(tok) != 8 {
		return 0, fmt.Errorf("page cursor must be exactly 8 bytes, got %d", len(tok))
	}
	return binary.LittleEndian.Uint64(tok), nil
}

// CurrentSyncAnchor returns deviceID's current change-counter anchor,
// the opaque token a consumer persists and later replays to
// ChangesSince to resume incremental sync.
func (svc *sharedServices) CurrentSyncAnchor(deviceID string) ([]byte, error) {
	counter, err := svc.index.CurrentChangeCounter(deviceID)
	if err != nil {
		return nil, err
	}
	anchor := index.EncodeAnchor(counter)
	return anchor[:], nil
}

// ChangesSince decodes anchor and returns every index mutation recorded
// for deviceID after it.
func (svc *sharedServices) ChangesSince(deviceID string, anchor []byte) ([]index.ChangeLogEntry, error) {
	counter, err := index.DecodeAnchor(anchor)
	if err != nil {
		return nil, fmt.Errorf("changes since: %w", err)
	}
	return svc.index.ChangesSince(deviceID, counter)
}

// RequestCrawl asks dev to refresh storageID (or, when parent is
// non-nil, the subtree under parent: crawlDir descends into every
// subdirectory it finds) ahead of its next scheduled crawl.
// A crawl finished within the debounce window is treated as fresh and
// the request is dropped, matching crawlLoop's own cadence so a flood
// of consumer requests can't thrash the device.
func (dev *Device) RequestCrawl(ctx context.Context, storageID uint32, parent *uint32) {
	if last, ok, err := dev.shared.index.LastCrawled(dev.DeviceID, storageID, parent); err == nil && ok {
		if time.Since(last) < changesignal.DebounceWindow {
			return
		}
	}
	go func() {
		gen := time.Now().UnixNano()
		if err := dev.crawlDir(ctx, storageID, parent, dev.pathKeyOf(storageID, parent), gen); err != nil {
			dev.Log.Info('!', "request_crawl: 0x%08x: %s", storageID, err)
		}
	}()
}

// pathKeyOf reconstructs parent's path_key from the index, the root
// path when parent is nil, for RequestCrawl's re-crawl entry point,
// which starts at parent rather than at the storage root.
func (dev *Device) pathKeyOf(storageID uint32, parent *uint32) string {
	if parent == nil {
		return ""
	}
	obj, err := dev.shared.index.FindByHandle(dev.DeviceID, *parent)
	if err != nil || obj == nil {
		return ""
	}
	return obj.PathKey
}

// ReadObject streams handle's content to a fresh temp file under
// config.TempDir, recording the transfer in the Transfer Journal so a
// mid-read disconnect can resume from the Reconcile path on
// reconnect. It returns the temp file path and the object's reported
// size; the caller owns the file and must remove it once done.
func (dev *Device) ReadObject(ctx context.Context, handle uint32) (path string, size uint64, err error) {
	info, err := dev.Engine.GetObjectInfo(ctx, handle)
	if err != nil {
		return "", 0, err
	}

	os.MkdirAll(config.TempDir, 0700)
	tempPath := filepath.Join(config.TempDir, "read-"+uuid.NewString()+".tmp")
	etag := fmt.Sprintf("%d:%d", info.Size, info.MTime.Unix())

	sizePtr := &info.Size
	journalID, err := dev.shared.journal.BeginRead(dev.DeviceID, handle, info.Name, sizePtr, true, tempPath, tempPath, etag)
	if err != nil {
		return "", 0, fmt.Errorf("read_object: journal: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		dev.shared.journal.Fail(journalID, err.Error())
		return "", 0, fmt.Errorf("read_object: %w", err)
	}
	defer f.Close()

	chunk := uint32(dev.Policy.Tuning.MaxChunkBytes)
	if chunk == 0 {
		chunk = 4 << 20
	}

	hash := sha1.New()
	var committed uint64
	supportsPartial := true
	for committed < info.Size {
		remaining := info.Size - committed
		length := uint64(chunk)
		if remaining < length {
			length = remaining
		}

		data, err := dev.Engine.GetPartialObject(ctx, handle, uint32(committed), uint32(length))
		if ptperr.ClassOf(err) == ptperr.Permanent {
			if _, ok := err.(*ptperr.NotSupported); ok && committed == 0 {
				supportsPartial = false
				data, err = dev.Engine.GetObject(ctx, handle)
			}
		}
		if err != nil {
			dev.shared.journal.Fail(journalID, err.Error())
			return "", 0, err
		}

		if _, err := f.Write(data); err != nil {
			dev.shared.journal.Fail(journalID, err.Error())
			return "", 0, fmt.Errorf("read_object: %w", err)
		}
		hash.Write(data)
		committed += uint64(len(data))

		if err := dev.shared.journal.UpdateProgress(journalID, committed); err != nil {
			dev.Log.Info('!', "read_object: progress: %s", err)
		}

		if !supportsPartial {
			break
		}
	}

	dev.shared.journal.RecordContentHash(journalID, hex.EncodeToString(hash.Sum(nil)))
	if err := dev.shared.journal.Complete(journalID); err != nil {
		dev.Log.Info('!', "read_object: complete: %s", err)
	}

	return tempPath, committed, nil
}

// WriteObject sends a new object named name into parent (storageID's
// root when parent is nil), reading its content from source. On
// success the object is folded into the Live Index immediately, ahead
// of the next crawl, and its assigned handle is returned.
func (dev *Device) WriteObject(ctx context.Context, storageID uint32, parent *uint32, name string, size uint64, source io.Reader) (uint32, error) {
	os.MkdirAll(config.TempDir, 0700)
	journalID, err := dev.shared.journal.BeginWrite(dev.DeviceID, parentHandleOf(parent), name, size, false, "", "")
	if err != nil {
		return 0, fmt.Errorf("write_object: journal: %w", err)
	}

	payload, err := io.ReadAll(source)
	if err != nil {
		dev.shared.journal.Fail(journalID, err.Error())
		return 0, fmt.Errorf("write_object: read source: %w", err)
	}

	dataset := wire.EncodeObjectInfoDataset(wire.ObjectInfoDataset{
		StorageID:            storageID,
		ObjectFormat:         wire.FormatUndefined,
		ObjectCompressedSize: uint32(len(payload)),
		ParentObject:         parentHandleOf(parent),
		Filename:             name,
		ModificationDate:     time.Now().Format("20060102T150405"),
	})

	_, _, newHandle, err := dev.Engine.SendObjectInfo(ctx, storageID, parentHandleOf(parent), dataset)
	if err != nil {
		dev.shared.journal.Fail(journalID, err.Error())
		return 0, err
	}
	dev.shared.journal.RecordRemoteHandle(journalID, newHandle)

	err = dev.Engine.SendObject(ctx, payload, func(sent, total int) {
		dev.shared.journal.UpdateProgress(journalID, uint64(sent))
	})
	if err != nil {
		dev.shared.journal.Fail(journalID, err.Error())
		return 0, err
	}

	hash := sha1.Sum(payload)
	dev.shared.journal.RecordContentHash(journalID, hex.EncodeToString(hash[:]))
	if err := dev.shared.journal.Complete(journalID); err != nil {
		dev.Log.Info('!', "write_object: complete: %s", err)
	}

	pathKey := pathKeyJoin(dev, storageID, parent, name)
	sz := uint64(len(payload))
	now := time.Now()
	obj := index.Object{
		DeviceID:     dev.DeviceID,
		StorageID:    storageID,
		Handle:       newHandle,
		ParentHandle: parent,
		Name:         name,
		PathKey:      pathKey,
		Size:         &sz,
		MTime:        &now,
		FormatCode:   wire.FormatUndefined,
		IsDirectory:  false,
	}
	if _, err := dev.shared.index.UpsertObject(obj, now.UnixNano()); err != nil {
		dev.Log.Info('!', "write_object: index: %s", err)
	}
	dev.notifyChanged()

	return newHandle, nil
}

// CreateFolder sends an association (directory) dataset for name into
// parent and folds the result into the Live Index. Recorded as an
// ordinary SendObjectInfo call: no data phase follows since an
// association carries no content.
func (dev *Device) CreateFolder(ctx context.Context, storageID uint32, parent *uint32, name string) (uint32, error) {
	dataset := wire.EncodeObjectInfoDataset(wire.ObjectInfoDataset{
		StorageID:        storageID,
		ObjectFormat:     wire.FormatAssociation,
		AssociationType:  wire.AssociationGenericFolder,
		ParentObject:     parentHandleOf(parent),
		Filename:         name,
		ModificationDate: time.Now().Format("20060102T150405"),
	})

	_, _, newHandle, err := dev.Engine.SendObjectInfo(ctx, storageID, parentHandleOf(parent), dataset)
	if err != nil {
		return 0, err
	}

	pathKey := pathKeyJoin(dev, storageID, parent, name)
	now := time.Now()
	obj := index.Object{
		DeviceID:     dev.DeviceID,
		StorageID:    storageID,
		Handle:       newHandle,
		ParentHandle: parent,
		Name:         name,
		PathKey:      pathKey,
		MTime:        &now,
		FormatCode:   wire.FormatAssociation,
		IsDirectory:  true,
	}
	if _, err := dev.shared.index.UpsertObject(obj, now.UnixNano()); err != nil {
		dev.Log.Info('!', "create_folder: index: %s", err)
	}
	dev.notifyChanged()

	return newHandle, nil
}

// DeleteObject removes handle from the device and the Live Index. When
// recursive is true and handle names a directory, its indexed children
// are deleted first, depth-first; a device that itself deletes a
// directory's contents on a single DeleteObject call will simply report
// ObjectNotFound for the already-gone children, which this treats as
// success.
func (dev *Device) DeleteObject(ctx context.Context, handle uint32, recursive bool) error {
	obj, err := dev.shared.index.FindByHandle(dev.DeviceID, handle)
	if err != nil {
		return fmt.Errorf("delete_object: %w", err)
	}
	if obj == nil {
		return &ptperr.ObjectNotFound{Handle: handle}
	}

	if recursive && obj.IsDirectory {
		children, err := dev.shared.index.Children(dev.DeviceID, obj.StorageID, &handle)
		if err != nil {
			return fmt.Errorf("delete_object: children: %w", err)
		}
		for _, child := range children {
			if err := dev.DeleteObject(ctx, child.Handle, true); err != nil {
				if _, ok := err.(*ptperr.ObjectNotFound); !ok {
					return err
				}
			}
		}
	}

	if err := dev.Engine.DeleteObject(ctx, handle); err != nil {
		if _, ok := err.(*ptperr.ObjectNotFound); !ok {
			return err
		}
	}

	if err := dev.shared.index.RemoveObject(dev.DeviceID, obj.StorageID, handle); err != nil {
		return fmt.Errorf("delete_object: index: %w", err)
	}
	dev.notifyChanged()

	return nil
}

func (dev *Device) notifyChanged() {
	if counter, err := dev.shared.index.CurrentChangeCounter(dev.DeviceID); err == nil {
		dev.shared.signaler.NotifyChange(changesignal.WorkingSet(dev.DeviceID), counter, time.Now())
	}
}

func pathKeyJoin(dev *Device, storageID uint32, parent *uint32, name string) string {
	if parent == nil {
		return pathkey.Join("", name)
	}
	obj, err := dev.shared.index.FindByHandle(dev.DeviceID, *parent)
	if err != nil || obj == nil {
		return pathkey.Join("", name)
	}
	return pathkey.Join(obj.PathKey, name)
}
