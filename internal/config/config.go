/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Program configuration: config file plus environment overlay
 */

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/inifile"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/logging"
)

// Configuration holds the daemon's tunables: control socket, logging,
// and the default transfer parameters every device-level tuning
// profile starts from before quirks and learned overrides are merged
// in.
type Configuration struct {
	LogDevice         logging.Level // Per-device log mask
	LogMain           logging.Level // Main log mask
	LogConsole        logging.Level // Console log mask
	LogMaxFileSize    int64         // Maximum log file size before rotation
	LogMaxBackupFiles uint          // Rotated files kept around
	ColorConsole      bool          // Enable ANSI colors on console

	ChunkSize        int64 // Default bulk transfer chunk size, bytes
	Parallel         uint  // Max concurrent device sessions, 1..16
	IoTimeoutMs      uint  // Per bulk-phase I/O timeout
	ConnectTimeoutMs uint  // Handshake/open-session timeout
	Verbose          bool  // Verbose console logging
}

// Default returns the built-in configuration, before any config file
// or environment variable is applied.
func Default() Configuration {
	return Configuration{
		LogDevice:         logging.Debug,
		LogMain:           logging.Debug,
		LogConsole:        logging.Info,
		LogMaxFileSize:    MaxFileSize,
		LogMaxBackupFiles: MaxBackupFiles,
		ColorConsole:      true,

		ChunkSize:        4 * 1024 * 1024,
		Parallel:         4,
		IoTimeoutMs:      15000,
		ConnectTimeoutMs: 10000,
	}
}

const (
	// MaxFileSize mirrors logging.MaxFileSize; duplicated here so
	// Default doesn't need to import logging's unexported defaults.
	MaxFileSize = 256 * 1024
	// MaxBackupFiles mirrors logging.MaxBackupFiles.
	MaxBackupFiles = 5
)

// Load builds a Configuration by starting from Default, applying the
// config files found in the usual search path, then overlaying the
// environment variables documented for this daemon.
func Load() (Configuration, error) {
	conf := Default()

	exepath, err := os.Executable()
	if err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}
	exepath = filepath.Dir(exepath)

	files := []string{
		filepath.Join(ConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	for _, file := range files {
		if err := loadFile(&conf, file); err != nil {
			return conf, fmt.Errorf("config: %s: %w", file, err)
		}
	}

	if err := overlayEnv(&conf); err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}

	return conf, nil
}

func loadFile(conf *Configuration, path string) error {
	ini, err := inifile.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer ini.Close()

	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch rec.Section {
		case "logging":
			switch rec.Key {
			case "device-log":
				err = loadLevel(&conf.LogDevice, rec)
			case "main-log":
				err = loadLevel(&conf.LogMain, rec)
			case "console-log":
				err = loadLevel(&conf.LogConsole, rec)
			case "console-color":
				err = rec.LoadBool(&conf.ColorConsole)
			case "max-file-size":
				err = rec.LoadSize(&conf.LogMaxFileSize)
			case "max-backup-files":
				err = rec.LoadUint(&conf.LogMaxBackupFiles)
			}
		case "transfer":
			switch rec.Key {
			case "chunk-size":
				err = rec.LoadSize(&conf.ChunkSize)
			case "parallel":
				err = rec.LoadUintRange(&conf.Parallel, 1, 16)
			case "io-timeout-ms":
				err = rec.LoadUint(&conf.IoTimeoutMs)
			case "connect-timeout-ms":
				err = rec.LoadUint(&conf.ConnectTimeoutMs)
			}
		}

		if err != nil {
			return err
		}
	}
}

func loadLevel(out *logging.Level, rec *inifile.Record) error {
	var mask logging.Level
	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= logging.Error
		case "info":
			mask |= logging.Info | logging.Error
		case "debug":
			mask |= logging.Debug | logging.Info | logging.Error
		case "trace-protocol":
			mask |= logging.TraceProtocol | logging.Debug | logging.Info | logging.Error
		case "trace-usb":
			mask |= logging.TraceUSB | logging.Debug | logging.Info | logging.Error
		case "all", "trace-all":
			mask |= logging.All
		default:
			return rec.BadValue("invalid log level %q", s)
		}
	}
	*out = mask
	return nil
}

// overlayEnv applies the environment variables this daemon consumes,
// taking precedence over config files.
func overlayEnv(conf *Configuration) error {
	if v, ok := os.LookupEnv("APP_CHUNK_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return errors.New("APP_CHUNK_SIZE: invalid byte count")
		}
		conf.ChunkSize = n
	}

	if v, ok := os.LookupEnv("APP_PARALLEL"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n < 1 || n > 16 {
			return errors.New("APP_PARALLEL: must be in range 1...16")
		}
		conf.Parallel = uint(n)
	}

	if v, ok := os.LookupEnv("APP_IO_TIMEOUT_MS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.New("APP_IO_TIMEOUT_MS: invalid duration")
		}
		conf.IoTimeoutMs = uint(n)
	}

	if v, ok := os.LookupEnv("APP_CONNECT_TIMEOUT_MS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.New("APP_CONNECT_TIMEOUT_MS: invalid duration")
		}
		conf.ConnectTimeoutMs = uint(n)
	}

	if v, ok := os.LookupEnv("APP_VERBOSE"); ok {
		switch v {
		case "0":
			conf.Verbose = false
		case "1":
			conf.Verbose = true
		default:
			return errors.New("APP_VERBOSE: must be 0 or 1")
		}
	}

	return nil
}
