package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
)

func newLedger(t *testing.T) (*objectstore.Folder, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Changes")
	folder, err := objectstore.OpenFolder(dir)
	if err != nil {
		t.Fatalf("OpenFolder() failed: %v", err)
	}
	return folder, dir
}

func waitForEvent(t *testing.T, fw *FileWatcher, want EventOp) FileEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-fw.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.Op == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	_, dir := newLedger(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(WatchDir{Record: "alice", Dir: dir}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := fw.Start(WatchDir{Record: "alice", Dir: dir}); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-fw.Events(); ok {
		t.Error("Events channel should be closed after Stop()")
	}
	if _, ok := <-fw.Errors(); ok {
		t.Error("Errors channel should be closed after Stop()")
	}
}

func TestFileWatcher_StartErrors(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(); err == nil {
		t.Error("Start() with no directories should fail")
	}
	missing := filepath.Join(t.TempDir(), "nope")
	if err := fw.Start(WatchDir{Record: "alice", Dir: missing}); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after a failed Start()")
	}
}

func TestFileWatcher_LedgerWrites(t *testing.T) {
	ctx := context.Background()
	folder, dir := newLedger(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(WatchDir{Record: "alice", Dir: dir}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	if err := folder.Put(ctx, "w-1", []byte(`{}`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	ev := waitForEvent(t, fw, OpCreate)
	if ev.Record != "alice" {
		t.Errorf("Record = %q, want alice", ev.Record)
	}
	if ev.Key != "w-1" {
		t.Errorf("Key = %q, want w-1", ev.Key)
	}

	if err := folder.Delete(ctx, "w-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	ev = waitForEvent(t, fw, OpDelete)
	if ev.Key != "w-1" {
		t.Errorf("Key = %q, want w-1", ev.Key)
	}
}

func TestFileWatcher_ForeignFilesIgnored(t *testing.T) {
	_, dir := newLedger(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(WatchDir{Record: "alice", Dir: dir}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	select {
	case ev := <-fw.Events():
		t.Errorf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", int(tt.op), got, tt.want)
		}
	}
}
