package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}

	if len(cfg.Sources.Communities) == 0 {
		t.Error("expected communities to be populated")
	}
	if got := strings.Join(cfg.Pipeline.Stages, ","); got != "ingest,score,embed,cluster" {
		t.Errorf("unexpected stage order %q", got)
	}
	if cfg.Health.StaleAfter != 45*time.Minute {
		t.Errorf("expected stale_after 45m, got %s", cfg.Health.StaleAfter)
	}
	if cfg.Health.MaxRunDuration != 4*time.Hour {
		t.Errorf("expected max_run_duration 4h, got %s", cfg.Health.MaxRunDuration)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: openai
  model: gpt-4o
health:
  stale_after: 10m
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.LLM.Provider)
	}
	if cfg.Health.StaleAfter != 10*time.Minute {
		t.Errorf("expected stale_after 10m, got %s", cfg.Health.StaleAfter)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.LLM.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.LLM.OllamaURL)
	}
	if cfg.Health.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("expected default heartbeat_timeout, got %s", cfg.Health.HeartbeatTimeout)
	}
	if cfg.Retention.Days != 5 {
		t.Errorf("expected default retention 5 days, got %d", cfg.Retention.Days)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown stage", "pipeline:\n  stages: [ingest, publish]\n", "unknown stage"},
		{"duplicate stage", "pipeline:\n  stages: [ingest, ingest]\n", "listed twice"},
		{"empty stages", "pipeline:\n  stages: []\n", "must not be empty"},
		{"bad mode", "pipeline:\n  stage_mode: thread\n", "stage_mode"},
		{"bad source kind", "sources:\n  kind: imap\n", "sources.kind"},
		{"zero stale", "health:\n  stale_after: 0s\n", "health.stale_after"},
		{"heartbeat too tight", "health:\n  heartbeat_timeout: 10s\n", "heartbeat_timeout"},
		{"ceiling below stale", "health:\n  max_run_duration: 30m\n", "max_run_duration"},
		{"bad daily_at", "schedule:\n  daily_at: \"25:99\"\n", "daily_at"},
		{"bad cron", "schedule:\n  cron: \"every day\"\n", "schedule.cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Sources.Communities) == 0 {
		t.Error("expected communities to be populated from file")
	}
}

func TestParseDailyAt(t *testing.T) {
	h, m, err := ParseDailyAt("03:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != 3 || m != 30 {
		t.Errorf("expected 03:30, got %02d:%02d", h, m)
	}
	if _, _, err := ParseDailyAt("3pm"); err == nil {
		t.Error("expected error for 3pm")
	}
}

func TestScheduleSpec(t *testing.T) {
	spec, err := Schedule{DailyAt: "03:30"}.Spec()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec != "30 3 * * *" {
		t.Errorf("expected \"30 3 * * *\", got %q", spec)
	}

	spec, err = Schedule{DailyAt: "03:30", Cron: " 0 */6 * * * "}.Spec()
	if err != nil || spec != "0 */6 * * *" {
		t.Errorf("expected cron to win, got %q (%v)", spec, err)
	}

	if _, err := (Schedule{DailyAt: "noon"}).Spec(); err == nil {
		t.Error("expected error for unparsable daily_at")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	if cfg.GetDataDir() == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "postpipe.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}
