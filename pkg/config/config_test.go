package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TAGFLOW_DIR", dir)
	t.Setenv("TAGFLOW_CONFIG", "")

	got, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(dir), got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TAGFLOW_DIR", dir)
	path := writeFile(t, dir, "tagflow.yaml", `
timezone: UTC
rules:
  store: sqlite
  path: /var/lib/tagflow/rules.db
cache:
  ttl: 2h
training:
  max_iterations: 20
workers: 4
`)
	t.Setenv("TAGFLOW_WORKERS", "8")
	t.Setenv("TAGFLOW_FALLBACK", "false")
	t.Setenv("TAGFLOW_TRAIN_TIMEOUT", "30s")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Default(dir)
	want.Timezone = "UTC"
	want.Rules = Rules{Store: StoreSQLite, Path: "/var/lib/tagflow/rules.db"}
	want.Cache.TTL = 2 * time.Hour
	want.Training.MaxIterations = 20
	want.Training.Timeout = 30 * time.Second
	want.Workers = 8
	want.Decoder.Fallback = false
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TAGFLOW_DIR", dir)

	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "bad yaml", body: "rules: [", want: "parsing config"},
		{name: "bad store", body: "rules:\n  store: etcd\n", want: "rules.store"},
		{name: "bad provider", body: "decoder:\n  provider: magic\n", want: "decoder.provider"},
		{name: "bad timezone", body: "timezone: Mars/Olympus\n", want: "timezone"},
		{name: "bad env", body: "", env: map[string]string{"TAGFLOW_WORKERS": "many"}, want: "TAGFLOW_WORKERS"},
		{name: "negative workers", body: "workers: -1\n", want: "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, t.TempDir(), "config.yaml", tt.body)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("TAGFLOW_DIR", t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing explicit file should fail")
	}
}

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range tests {
		c := Config{LogLevel: in}
		if got := c.Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}
