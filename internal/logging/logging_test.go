package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hubenchang0515/todo/internal/config"
)

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("newWithConsole() failed: %v", err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("console output = %q", out)
	}
}

func TestFileGetsJSONAtDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todo.log")
	var console bytes.Buffer
	logger, closeFn, err := newWithConsole(config.LogConfig{Level: "error", File: path, MaxSize: 1}, &console)
	if err != nil {
		t.Fatalf("newWithConsole() failed: %v", err)
	}

	logger.Named("store").Debug("task added")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log file is not JSON: %v\n%s", err, data)
	}
	if entry["msg"] != "task added" || entry["logger"] != "todo.store" {
		t.Errorf("entry = %v", entry)
	}
	if console.Len() != 0 {
		t.Errorf("console should be quiet at error level, got %q", console.String())
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, _, err := New(config.LogConfig{Level: "chatty"}); err == nil {
		t.Error("New() should reject an unknown level")
	}
}
