/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Device object brings all parts together
 */

package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/changesignal"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/config"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/engine"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/enum"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/index"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/journal"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/logging"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/pathkey"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/registry"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

// Device brings all the per-attachment parts together: the USB link,
// the protocol engine running on top of it, its resolved quirk
// policy, and the services shared across every device (index, journal,
// registry, change signaling).
type Device struct {
	Addr       usblink.Addr
	DeviceID   string // usblink.DeviceInfo.Ident(), the per-attachment fingerprint
	Identity   registry.Identity
	Link       usblink.Link
	Engine     *engine.Engine
	Policy     *quirks.Policy
	Log        *logging.Logger
	shared     *sharedServices
	cancelPoll context.CancelFunc
}

// sharedServices is the set of daemon-wide services every Device is
// wired against.
type sharedServices struct {
	conf       config.Configuration
	db         quirks.Db
	registry   *registry.Registry
	index      *index.Index
	journal    *journal.Journal
	signaler   *changesignal.Signaler
	status     *statusTable
	devices    *deviceTable
	log        *logging.Logger
	learnedDir string
	ctxUSB     *gousb.Context
}

// NewDevice opens addr, resolves its quirk policy, attaches the
// protocol engine and registers it with the shared services.
func NewDevice(svc *sharedServices, addr usblink.Addr) (*Device, error) {
	link, err := usblink.OpenUsbLink(svc.ctxUSB, addr)
	if err != nil {
		return nil, err
	}

	info := link.Info()
	deviceID := info.Ident()

	log := logging.New()
	log.ToFile(config.DataDir+"/log", deviceID)
	svc.log.Cc(svc.conf.LogDevice, log)

	fingerprint := fingerprintHash(fingerprintOf(info))
	profile, err := quirks.LoadProfile(svc.learnedDir, fingerprint)
	if err != nil {
		log.Info('!', "learned profile: %s", err)
		profile = &quirks.Profile{FingerprintHash: fingerprint}
	}

	descriptors := quirks.Descriptors{
		VID:               info.Vendor,
		PID:               info.Product,
		Model:             info.MakeAndModel(),
		InterfaceClass:    info.IfClass,
		InterfaceSubClass: info.IfSubClass,
		InterfaceProtocol: info.IfProtocol,
		BcdDevice:         info.BcdDevice,
	}
	policy := quirks.Resolve(svc.db, descriptors, profile.ToQuirks(), confOverrides(svc.conf))

	if policy.Flags.ResetOnOpen {
		if err := link.Reset(); err != nil {
			log.Info('!', "reset on open: %s", err)
		}
		if policy.Tuning.StabilizeMs > 0 {
			time.Sleep(time.Duration(policy.Tuning.StabilizeMs) * time.Millisecond)
		}
	}

	eng := engine.New(link, &policy, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(svc.conf.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := eng.OpenSession(ctx); err != nil {
		link.Close()
		log.Close()
		return nil, err
	}

	if ds, err := eng.GetDeviceInfo(ctx); err == nil {
		log.Info(' ', "device: %s %s (%s)", ds.Manufacturer, ds.Model, ds.DeviceVersion)
		if policy.Flags.SupportsGetObjectPropList && !ds.Supports(wire.OpGetObjectPropList) {
			quirks.DemoteGetObjectPropList(&policy)
		}
	}

	dev := &Device{
		Addr:     addr,
		DeviceID: deviceID,
		Link:     link,
		Engine:   eng,
		Policy:   &policy,
		Log:      log,
		shared:   svc,
	}

	// Seed the domain identity from the device's own serial number
	// when it carries a UUID, and from the descriptor-derived
	// name-based UUID otherwise, so the domain_id survives a lost
	// identity record.
	domainSeed := UUIDNormalize(info.SerialNumber)
	if domainSeed == "" {
		domainSeed = info.FallbackUUID()
	}

	identity, err := svc.registry.Attach(deviceID, info.MakeAndModel(), eng, domainSeed, time.Now())
	if err != nil {
		log.Info('!', "registry attach: %s", err)
	}
	dev.Identity = identity
	svc.devices.Set(dev)

	svc.index.UpsertDevice(deviceID, fingerprintOf(info), info.Manufacturer, info.MakeAndModel(), time.Now())

	pollCtx, pollCancel := context.WithCancel(context.Background())
	dev.cancelPoll = pollCancel
	go dev.crawlLoop(pollCtx)

	if resumables, err := svc.journal.LoadResumables(deviceID); err == nil && len(resumables) > 0 {
		log.Info(' ', "reconciling %d resumable transfer(s)", len(resumables))
		if err := svc.journal.Reconcile(context.Background(), deviceID, eng, localFileOps{}); err != nil {
			log.Info('!', "journal reconcile: %s", err)
		}
	}

	return dev, nil
}

// crawlLoop periodically enumerates every storage on the device and
// folds the results into the Live Index, signaling subscribers on
// every change.
func (dev *Device) crawlLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	dev.crawlOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dev.crawlOnce(ctx)
		}
	}
}

func (dev *Device) crawlOnce(ctx context.Context) {
	storageIDs, err := dev.Engine.GetStorageIDs(ctx)
	if err != nil {
		dev.Log.Info('!', "crawl: storage ids: %s", err)
		return
	}

	gen := time.Now().UnixNano()
	for _, storageID := range storageIDs {
		info, err := dev.Engine.GetStorageInfo(ctx, storageID)
		if err != nil {
			continue
		}
		dev.shared.index.UpsertStorage(dev.DeviceID, storageID, info.Description,
			info.MaxCapacity, info.FreeSpaceBytes, info.AccessCapability != 0)

		if err := dev.crawlDir(ctx, storageID, nil, "", gen); err != nil {
			dev.Log.Info('!', "crawl: storage 0x%08x: %s", storageID, err)
			continue
		}
		dev.shared.index.PurgeStale(dev.DeviceID, storageID, nil)
	}
}

func (dev *Device) crawlDir(ctx context.Context, storageID uint32, parent *uint32, parentKey string, gen int64) error {
	dev.shared.index.MarkStaleChildren(dev.DeviceID, storageID, parent)

	result, err := enum.Enumerate(ctx, dev.Engine, dev.Policy, storageID, parentHandleOf(parent))
	if err != nil {
		return err
	}

	for _, oi := range result.Value {
		handle := oi.Handle
		pathKey := pathkey.Join(parentKey, oi.Name)

		var size *uint64
		if !oi.IsDirectory {
			s := oi.Size
			size = &s
		}

		obj := index.Object{
			DeviceID:     dev.DeviceID,
			StorageID:    storageID,
			Handle:       handle,
			ParentHandle: parent,
			Name:         oi.Name,
			PathKey:      pathKey,
			Size:         size,
			MTime:        timePtr(oi.MTime),
			FormatCode:   oi.FormatCode,
			IsDirectory:  oi.IsDirectory,
		}

		if _, err := dev.shared.index.UpsertObject(obj, gen); err != nil {
			dev.Log.Info('!', "crawl: upsert 0x%08x: %s", handle, err)
			continue
		}

		if oi.IsDirectory {
			h := handle
			if err := dev.crawlDir(ctx, storageID, &h, pathKey, gen); err != nil {
				dev.Log.Info('!', "crawl: descend 0x%08x: %s", handle, err)
			}
		}
	}

	dev.shared.index.MarkCrawled(dev.DeviceID, storageID, parent, time.Now())

	if counter, err := dev.shared.index.CurrentChangeCounter(dev.DeviceID); err == nil {
		dev.shared.signaler.NotifyChange(changesignal.WorkingSet(dev.DeviceID), counter, time.Now())
	}

	return nil
}

// confOverrides lifts explicitly-configured transfer settings into
// Resolve's final override layer. Values still at their built-in
// defaults are not overrides: a per-device quirk must win over an
// unconfigured global.
func confOverrides(conf config.Configuration) *quirks.Quirks {
	def := config.Default()
	vals := map[string]interface{}{}
	if conf.ChunkSize > 0 && conf.ChunkSize != def.ChunkSize {
		vals[quirks.NmMaxChunkBytes] = uint(conf.ChunkSize)
	}
	if conf.IoTimeoutMs != def.IoTimeoutMs {
		vals[quirks.NmIoTimeoutMs] = conf.IoTimeoutMs
	}
	if conf.ConnectTimeoutMs != def.ConnectTimeoutMs {
		vals[quirks.NmHandshakeTimeoutMs] = conf.ConnectTimeoutMs
	}
	if len(vals) == 0 {
		return nil
	}
	return quirks.Overrides(vals)
}

func parentHandleOf(parent *uint32) uint32 {
	if parent == nil {
		return 0
	}
	return *parent
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Shutdown gracefully closes the session and stops the crawl loop,
// refining the learned profile from the session's observed tuning
// before handing control back to the caller.
func (dev *Device) Shutdown(ctx context.Context) error {
	if dev.cancelPoll != nil {
		dev.cancelPoll()
	}
	dev.saveLearnedProfile()
	dev.shared.devices.Del(dev.DeviceID)
	dev.shared.registry.Detach(dev.DeviceID, time.Now())

	closeErr := dev.Engine.CloseSession(ctx)
	if err := dev.Engine.Shutdown(); err != nil {
		return err
	}
	return closeErr
}

// Close tears the device down without attempting a graceful session
// close, for the disconnect path.
func (dev *Device) Close() {
	if dev.cancelPoll != nil {
		dev.cancelPoll()
	}
	dev.saveLearnedProfile()
	dev.shared.devices.Del(dev.DeviceID)
	dev.shared.registry.Detach(dev.DeviceID, time.Now())
	dev.Engine.Close()
	dev.Log.Close()
}

func (dev *Device) saveLearnedProfile() {
	fingerprint := fingerprintHash(fingerprintOf(dev.Link.Info()))
	profile, err := quirks.LoadProfile(dev.shared.learnedDir, fingerprint)
	if err != nil {
		profile = &quirks.Profile{FingerprintHash: fingerprint}
	}

	profile.Refine(quirks.Sample{
		ChunkBytes:  uint(dev.Policy.Tuning.MaxChunkBytes),
		IoTimeoutMs: dev.Policy.Tuning.IoTimeoutMs,
		Succeeded:   true,
		HostEnv:     runtimeHostEnv(),
	})

	if err := profile.Save(dev.shared.learnedDir); err != nil {
		dev.Log.Info('!', "save learned profile: %s", err)
	}
}

func runtimeHostEnv() string {
	host, _ := os.Hostname()
	return host
}

// fingerprintOf is the learned-profile lookup key: "vid:pid",
// lowercase hex. Devices of the same model share a profile even when
// their serial numbers differ.
func fingerprintOf(info usblink.DeviceInfo) string {
	return fmt.Sprintf("%04x:%04x", info.Vendor, info.Product)
}

func fingerprintHash(fingerprint string) string {
	sum := sha1.Sum([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// localFileOps implements journal.LocalFile by hashing the temp file
// on disk and comparing it to the ETag recorded when the transfer was
// started.
type localFileOps struct{}

func (localFileOps) VerifyETag(path, etag string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, 1<<20)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}

	return hex.EncodeToString(h.Sum(nil)) == etag, nil
}
