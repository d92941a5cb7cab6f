//go:build !windows

/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Control socket handler
 *
 * mtpusbd runs a HTTP server on top of the unix domain control
 * socket. Using HTTP here sounds like overkill, but it costs us
 * virtually nothing and the mechanism is well-extendable, so it
 * remains a good choice for the "/status" and "/devices/<id>"
 * endpoints.
 */

package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/config"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/logging"
)

var (
	// CtrlsockAddr is the control socket address.
	CtrlsockAddr = &net.UnixAddr{Name: config.SocketPath, Net: "unix"}
)

// ctrlsockServer is the daemon's control-socket status server.
type ctrlsockServer struct {
	http.Server
	status *statusTable
}

func newCtrlsockServer(log *logging.Logger, status *statusTable) *ctrlsockServer {
	s := &ctrlsockServer{status: status}
	s.Handler = http.HandlerFunc(s.handle)
	s.ErrorLog = stdlog(log)
	return s
}

func stdlog(l *logging.Logger) *log.Logger {
	return log.New(l.LineWriter(logging.Error, '!'), "", 0)
}

func (s *ctrlsockServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	var body []byte
	switch {
	case r.URL.Path == "/status":
		body = s.status.Format()

	case strings.HasPrefix(r.URL.Path, "/devices/"):
		id := strings.TrimPrefix(r.URL.Path, "/devices/")
		st, ok := s.status.ByDeviceID(id)
		if !ok {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		body = st.FormatOne()

	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// CtrlsockStart starts the control socket server.
func (s *ctrlsockServer) Start() error {
	os.Remove(config.SocketPath)

	listener, err := net.ListenUnix("unix", CtrlsockAddr)
	if err != nil {
		return err
	}

	os.Chmod(config.SocketPath, 0777)

	go s.Serve(listener)
	return nil
}

// CtrlsockDial connects to the control socket of the running daemon.
func CtrlsockDial() (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, CtrlsockAddr)
	if err == nil {
		return conn, err
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				err = ErrNoDaemon
			case syscall.EACCES, syscall.EPERM:
				err = ErrAccess
			}
		}
	}

	return conn, err
}
