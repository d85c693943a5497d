package daemon

import (
	"testing"
)

func TestBindWritesPIDFileAndRefusesSecondBind(t *testing.T) {
	dir := t.TempDir()

	ln, info, err := Bind(dir, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()
	defer Remove(dir)

	if info.Port == 0 {
		t.Fatal("expected non-zero ephemeral port")
	}

	read, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.PID != info.PID || read.Port != info.Port {
		t.Fatalf("Read mismatch: got %+v, want %+v", read, info)
	}

	if _, _, err := Bind(dir, "127.0.0.1", 0); err == nil {
		t.Fatal("expected second Bind to fail while the first is alive")
	} else if _, ok := err.(*AlreadyRunningError); !ok {
		t.Fatalf("expected *AlreadyRunningError, got %T: %v", err, err)
	}
}

func TestStatusWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	_, running, err := Status(dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if running {
		t.Fatal("expected not running for a directory with no pid file")
	}
}

func TestBindCleansUpStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	// A PID that (almost certainly) does not correspond to a live process.
	if err := write(dir, Info{PID: 1 << 30, Host: "127.0.0.1", Port: 1}); err != nil {
		t.Fatal(err)
	}

	ln, _, err := Bind(dir, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind should clean up a stale pid file and succeed: %v", err)
	}
	defer ln.Close()
	defer Remove(dir)
}
