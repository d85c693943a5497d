// Package daemon implements the orchestrator's process lifecycle: bind
// the listen socket, write the PID+port file, refuse to start over a
// live instance, and stop a running instance with SIGTERM. Signal
// handling and draining the scheduler on SIGINT/SIGTERM live in
// cmd/veorc, not in this package.
package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Info is the contents of daemon.pid.
type Info struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// PIDFile returns the daemon.pid path for a repository root.
func PIDFile(repoRoot string) string {
	return filepath.Join(repoRoot, ".ve", "orchestrator", "daemon.pid")
}

// Read loads and parses the PID+port file, if present.
func Read(repoRoot string) (Info, error) {
	data, err := os.ReadFile(PIDFile(repoRoot))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("daemon: parse pid file: %w", err)
	}
	return info, nil
}

// Alive reports whether the process named by info.PID is still running.
// On Unix, signal 0 checks for existence/permission without affecting the
// process (documented behavior of kill(2)).
func Alive(info Info) bool {
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// write atomically persists info to the PID file (temp file + rename,
// mirroring pkg/causalindex's crash-safe persist pattern).
func write(repoRoot string, info Info) error {
	path := PIDFile(repoRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("daemon: write temp pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("daemon: rename pid file into place: %w", err)
	}
	return nil
}

// Remove deletes the PID file. Missing is not an error.
func Remove(repoRoot string) error {
	if err := os.Remove(PIDFile(repoRoot)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AlreadyRunningError is returned by Bind when a live PID file exists.
type AlreadyRunningError struct {
	Info Info
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon: already running (pid %d, %s:%d)", e.Info.PID, e.Info.Host, e.Info.Port)
}

// Bind refuses to start if a live PID file exists, otherwise binds a
// TCP listener on host:port (port 0 picks an ephemeral one) and writes
// the PID file. Callers must call Remove on shutdown.
func Bind(repoRoot, host string, port int) (net.Listener, Info, error) {
	if existing, err := Read(repoRoot); err == nil {
		if Alive(existing) {
			return nil, Info{}, &AlreadyRunningError{Info: existing}
		}
		// Stale PID file from a crashed or killed instance: clean it up.
		_ = Remove(repoRoot)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, Info{}, fmt.Errorf("daemon: listen on %s:%d: %w", host, port, err)
	}

	actualPort := ln.Addr().(*net.TCPAddr).Port
	info := Info{
		PID:       os.Getpid(),
		Host:      host,
		Port:      actualPort,
		StartedAt: time.Now(),
	}
	if err := write(repoRoot, info); err != nil {
		ln.Close()
		return nil, Info{}, err
	}
	return ln, info, nil
}
