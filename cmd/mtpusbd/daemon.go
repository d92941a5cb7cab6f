//go:build !windows

/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Daemonization
 */

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"

	"golang.org/x/sys/unix"
)

// CloseStdInOutErr redirects stdin/stdout/stderr to /dev/null, once
// the daemon has finished writing its startup diagnostics to the
// parent's pipes.
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}
	defer syscall.Close(nul)

	if err := unix.Dup2(nul, 0); err != nil {
		return err
	}
	if err := unix.Dup2(nul, 1); err != nil {
		return err
	}
	return unix.Dup2(nul, 2)
}

// Daemon re-execs execPath in the background, stripping the "-bg"
// argument, and waits for the child to either close its stdout/stderr
// pipes (successful startup) or write an error to stderr.
func Daemon(execPath string) error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	args := []string{}
	for _, arg := range os.Args {
		if arg != "-bg" {
			args = append(args, arg)
		}
	}

	proc, err := os.StartProcess(execPath, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill()
		return errors.New(s)
	}

	proc.Release()
	return nil
}
