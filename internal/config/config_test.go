package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := Default()
	if cfg.Pager.Size != want.Pager.Size || cfg.Sync.IdentityTimeout != want.Sync.IdentityTimeout {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("Load() with a missing explicit file should fail")
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todo", "config.toml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `identity-timeout = "30s"`) {
		t.Errorf("config file lacks identity-timeout:\n%s", data)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.IdentityTimeout != 30*time.Second || cfg.Relay.Listen != ":8787" {
		t.Errorf("Load() = %+v", cfg)
	}

	if err := WriteDefault(path, false); err == nil {
		t.Error("WriteDefault() should refuse to overwrite without force")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[pager]
size = 25

[sync]
relay = "wss://relay.example.org"
identity-timeout = "5s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TODO_PAGER_SIZE", "7")
	t.Setenv("TODO_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Pager.Size != 7 {
		t.Errorf("Pager.Size = %d, env should win over file", cfg.Pager.Size)
	}
	if cfg.Sync.Relay != "wss://relay.example.org" {
		t.Errorf("Sync.Relay = %q", cfg.Sync.Relay)
	}
	if cfg.Sync.IdentityTimeout != 5*time.Second {
		t.Errorf("Sync.IdentityTimeout = %v", cfg.Sync.IdentityTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero page size", "[pager]\nsize = 0\n"},
		{"bad color", "[ui]\ncolor = \"sometimes\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"unknown key", "[pager]\nheight = 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(viper.New(), path); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}
