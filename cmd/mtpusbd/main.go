/* mtpusb - host-side MTP/PTP stack over USB
 *
 * The main function
 */

package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/changesignal"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/config"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/index"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/journal"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/logging"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/registry"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, automatically discover MTP/PTP devices
                  and serve them all
    udev        - like standalone, but exit when the last device is
                  disconnected
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print mtpusbd status and exit

Options are
    -bg         - run in background (ignored in debug mode)
`

// RunMode represents the program run mode.
type RunMode int

const (
	RunDefault RunMode = iota
	RunStandalone
	RunUdev
	RunDebug
	RunCheck
	RunStatus
)

// String returns RunMode's name.
func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunStandalone:
		return "standalone"
	case RunUdev:
		return "udev"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	}
	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters represents the program run parameters.
type RunParameters struct {
	Mode       RunMode
	Background bool
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() (params RunParameters) {
	params.Mode = RunDebug

	modes := 0
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "udev":
			params.Mode = RunUdev
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "-bg":
			params.Background = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}
	if params.Mode == RunDebug {
		params.Background = false
	}
	return
}

func printStatus(initLog *logging.Logger) {
	text, err := StatusRetrieve()
	if err != nil {
		initLog.Info(0, "%s", err)
		return
	}

	text = bytes.Trim(text, "\n")
	lines := bytes.Split(text, []byte("\n"))
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		initLog.Info(0, "%s", line)
	}
}

func main() {
	initLog := logging.New().ToConsole()

	params := parseArgv()

	conf, err := config.Load()
	initLog.Check(err)
	if conf.Verbose {
		conf.LogConsole |= logging.Debug | logging.Info | logging.Error
	}

	var console *logging.Logger
	if params.Mode == RunDebug || params.Mode == RunCheck || params.Mode == RunStatus {
		console = logging.New()
		if conf.ColorConsole {
			console.ToColorConsole()
		} else {
			console.ToConsole()
		}
	}

	if params.Mode == RunStatus {
		printStatus(initLog)
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		initLog.Exit(0, "mtpusbd requires root privileges")
	}

	if params.Mode == RunCheck {
		initLog.Info(0, "Configuration file: OK")
		os.Exit(0)
	}

	execPath, err := os.Executable()
	initLog.Check(err)

	if params.Background {
		err = Daemon(execPath)
		initLog.Check(err)
		os.Exit(0)
	}

	os.MkdirAll(config.LockDir, 0755)
	lock, err := os.OpenFile(config.LockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	initLog.Check(err)
	defer lock.Close()

	err = FileLock(lock, true, false)
	if err == ErrLockIsBusy {
		if params.Mode == RunUdev {
			os.Exit(0)
		}
		initLog.Exit(0, "mtpusbd already running")
	}
	initLog.Check(err)

	mainLog := logging.New()
	mainLog.ToFile(config.DataDir+"/log", "mtpusbd")
	if console != nil {
		mainLog.Cc(conf.LogConsole, console)
	}
	defer mainLog.Close()

	mainLog.Info(' ', "===============================")
	mainLog.Info(' ', "mtpusbd started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer mainLog.Info(' ', "mtpusbd finished")

	if params.Mode != RunDebug {
		err = CloseStdInOutErr()
		initLog.Check(err)
	}

	svc, err := setupServices(mainLog, conf)
	initLog.Check(err)
	defer svc.journal.Close()
	defer svc.index.Close()

	ctrlsock := newCtrlsockServer(mainLog, svc.status)
	err = ctrlsock.Start()
	initLog.Check(err)

	for {
		ctx, cancel := contextWithShutdownSignal()
		exitReason := PnPStart(ctx, svc, params.Mode == RunUdev)
		cancel()

		if exitReason == PnPIdle && params.Mode == RunUdev {
			if err := FileUnlock(lock); err != nil {
				mainLog.Info('!', "unlock: %s", err)
			}

			if usbHasMtpDevices(svc) && FileLock(lock, true, false) == nil {
				mainLog.Info(' ', "new MTP device found")
				continue
			}
		}

		break
	}
}

func usbHasMtpDevices(svc *sharedServices) bool {
	addrs, err := usbEnumerate(svc)
	return err == nil && len(addrs) > 0
}

// setupServices wires every daemon-wide dependency together: the
// quirks table, Live Index, Transfer Journal, Device Registry and
// Change Signaling bridge, and the libusb context the PnP manager
// scans through.
func setupServices(log *logging.Logger, conf config.Configuration) (*sharedServices, error) {
	os.MkdirAll(config.DataDir, 0755)
	os.MkdirAll(config.LearnedDir, 0755)
	os.MkdirAll(config.QuirksDir, 0755)
	os.MkdirAll(config.QuirksUserDir, 0755)

	db, err := quirks.LoadDb(config.QuirksDir, config.QuirksUserDir)
	if err != nil {
		return nil, fmt.Errorf("quirks: %w", err)
	}

	ix, err := index.Open(config.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}

	jr, err := journal.Open(config.JournalPath)
	if err != nil {
		ix.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	if stale, err := jr.ClearStaleTemps(time.Now().Add(-24 * time.Hour)); err == nil && len(stale) > 0 {
		log.Info(' ', "cleared %d stale temp file(s)", len(stale))
	}

	ctxUSB := gousb.NewContext()

	svc := &sharedServices{
		conf:       conf,
		db:         db,
		registry:   registry.New(config.DataDir + "/devices"),
		index:      ix,
		journal:    jr,
		signaler:   changesignal.New(),
		status:     newStatusTable(),
		devices:    newDeviceTable(),
		log:        log,
		learnedDir: config.LearnedDir,
		ctxUSB:     ctxUSB,
	}

	go runExtendedAbsenceSweep(svc)

	return svc, nil
}

// runExtendedAbsenceSweep periodically unregisters devices that have
// been offline longer than the registry's extended-absence threshold,
// freeing their actor handles for good.
func runExtendedAbsenceSweep(svc *sharedServices) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		removed := svc.registry.Sweep(time.Now())
		if len(removed) > 0 {
			svc.log.Info(' ', "registry: unregistered %d long-absent device(s)", len(removed))
		}
	}
}
