package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/task"
)

func startWatcher(t *testing.T, dbPath string) (*Watcher, chan store.Change) {
	t.Helper()
	changes := make(chan store.Change, 16)
	w, err := New(dbPath, func(c store.Change) { changes <- c }, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, changes
}

// TestWatcher_ReportsWritesFromAnotherConnection verifies that a write through
// a second store handle on the same file is reported.
func TestWatcher_ReportsWritesFromAnotherConnection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "todo.db")

	writer, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer writer.Close()
	if err := writer.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	_, changes := startWatcher(t, dbPath)

	_, err = writer.Add(context.Background(), task.Task{
		Status:    task.StatusTodo,
		Title:     "written elsewhere",
		CreatedAt: time.Now(),
		Rating:    3,
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	select {
	case c := <-changes:
		if c.Op != store.OpExternal {
			t.Errorf("Op = %s, want %s", c.Op, store.OpExternal)
		}
		for _, s := range task.Statuses {
			if !c.Affects(s) {
				t.Errorf("external change should affect %s", s)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

// TestWatcher_IgnoresOtherFiles verifies that unrelated files in the
// directory do not trigger changes.
func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "todo.db")
	if err := os.WriteFile(dbPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, changes := startWatcher(t, dbPath)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestWatcher_DebouncesBursts verifies that many writes fold into few changes.
func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "todo.db")

	_, changes := startWatcher(t, dbPath)

	for i := 0; i < 20; i++ {
		if err := os.WriteFile(dbPath, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(changes); n > 1 {
		t.Errorf("got %d extra changes for one burst", n)
	}
}

// TestWatcher_StartStop verifies the running flag and double start.
func TestWatcher_StartStop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "todo.db")
	w, _ := startWatcher(t, dbPath)

	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
}
