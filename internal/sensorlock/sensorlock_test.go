package sensorlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClearReportsFalseWithNoHolders(t *testing.T) {
	// A fresh temp file has no holders, so Clear must be a no-op.
	g := New(filepath.Join(t.TempDir(), "video0"), nil)
	g.SetGrace(time.Millisecond)

	if g.Clear() {
		t.Fatal("Clear should report false when nothing holds the device")
	}
}

func TestHoldersExcludesOwnPID(t *testing.T) {
	// Holding the file ourselves must not make us a kill target.
	path := filepath.Join(t.TempDir(), "video0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	g := New(path, nil)
	for _, pid := range g.holders() {
		if pid == os.Getpid() {
			t.Fatal("holders must exclude the calling process")
		}
	}
}
