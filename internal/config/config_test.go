package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Sensible(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("got port=%d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.General.SharedSecret == "" {
		t.Error("expected a non-empty generated shared secret")
	}
	if cfg.Worker.MaxParallelJobs != 1 {
		t.Errorf("got max_parallel_jobs=%d, want 1", cfg.Worker.MaxParallelJobs)
	}
	if !cfg.Worker.DynamicCheckFree {
		t.Error("expected dynamic_check_free_resources to default to true")
	}
	// Zero cpus/ram_mb mean the worker probes the OS totals at startup.
	if cfg.Worker.CPUs != 0 || cfg.Worker.RAMMB != 0 {
		t.Errorf("got cpus=%d ram_mb=%d, want 0/0 so the OS totals are probed", cfg.Worker.CPUs, cfg.Worker.RAMMB)
	}
}

func TestDefault_GeneratesDistinctSecrets(t *testing.T) {
	a := Default()
	b := Default()
	if a.General.SharedSecret == b.General.SharedSecret {
		t.Error("expected distinct secrets across calls")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
log_level = "debug"
shared_secret = "test-secret"

[server]
port = 9000
address = "kueue.example.com"

[worker]
name = "worker-a"
max_parallel_jobs = 4
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.LogLevel != "debug" {
		t.Errorf("got log_level=%q, want debug", cfg.General.LogLevel)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("got port=%d, want 9000", cfg.Server.Port)
	}
	if cfg.Worker.MaxParallelJobs != 4 {
		t.Errorf("got max_parallel_jobs=%d, want 4", cfg.Worker.MaxParallelJobs)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("got port=%d, want default %d", cfg.Server.Port, DefaultPort)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestResolveServerAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = "example.org"
	cfg.Server.Port = 1234

	if got, want := cfg.ResolveServerAddr(), "example.org:1234"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEnsureOnDisk_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := EnsureOnDisk(path)
	if err != nil {
		t.Fatalf("EnsureOnDisk: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to be written to disk: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.General.SharedSecret != cfg.General.SharedSecret {
		t.Error("expected reloaded secret to match the one generated and saved")
	}
}
