package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "nanoclaw.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed after Release, stat err = %v", err)
	}
}

func TestAcquire_LiveHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nanoclaw.lock")

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	_, err := Acquire(path)
	if err == nil {
		t.Fatal("Acquire should fail when a live pid holds the lock")
	}
	if !IsLiveHolder(err) {
		t.Errorf("IsLiveHolder(err) = false, want true; err = %v", err)
	}
}

func TestAcquire_ReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nanoclaw.lock")

	// PID 1 existing but owned by another user would normally be alive;
	// use an implausibly large PID instead, which os.FindProcess/Signal
	// will report as not running on a normal system.
	deadPID := 1 << 30
	if err := os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire should reclaim a dead holder's lock: %v", err)
	}
	defer l.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read reclaimed lock file: %v", err)
	}
	if got := string(data); got != strconv.Itoa(os.Getpid())+"\n" {
		t.Errorf("reclaimed lock file = %q, want current pid", got)
	}
}

func TestRelease_Nil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release on nil Lock should be a no-op, got error: %v", err)
	}
}
