package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// KnownStages lists the stage names the pipeline can build, in default order.
var KnownStages = []string{"ingest", "score", "embed", "cluster"}

const (
	StageModeInline  = "inline"
	StageModeProcess = "process"
)

type Config struct {
	Sources    Sources    `yaml:"sources"`
	Authors    Authors    `yaml:"authors"`
	Extraction Extraction `yaml:"extraction"`
	Scoring    Scoring    `yaml:"scoring"`
	LLM        LLM        `yaml:"llm"`
	Clustering Clustering `yaml:"clustering"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Health     Health     `yaml:"health"`
	Retention  Retention  `yaml:"retention"`
	Schedule   Schedule   `yaml:"schedule"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Sources struct {
	Kind         string   `yaml:"kind"`
	Communities  []string `yaml:"communities"`
	ListingURL   string   `yaml:"listing_url"`
	FeedURL      string   `yaml:"feed_url"`
	UserAgent    string   `yaml:"user_agent"`
	RequestsPerM float64  `yaml:"requests_per_minute"`
	MaxPerFeed   int      `yaml:"max_per_feed"`
}

type Authors struct {
	Enabled    bool    `yaml:"enabled"`
	AboutURL   string  `yaml:"about_url"`
	RequestsPM float64 `yaml:"requests_per_minute"`
	Backfill   int     `yaml:"backfill_limit"`
}

type Extraction struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type Scoring struct {
	Keywords      []string `yaml:"keywords"`
	Flairs        []string `yaml:"flairs"`
	BatchLimit    int      `yaml:"batch_limit"`
	FailureBudget int      `yaml:"failure_budget"`
}

type LLM struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
	EmbedBatch     int    `yaml:"embed_batch"`
}

type Clustering struct {
	DistanceThreshold float64 `yaml:"distance_threshold"`
	MinClusterSize    int     `yaml:"min_cluster_size"`
}

type Pipeline struct {
	Stages            []string      `yaml:"stages"`
	StageMode         string        `yaml:"stage_mode"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type Health struct {
	Interval         time.Duration `yaml:"interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	WarnAfter        time.Duration `yaml:"warn_after"`
	MaxRunDuration   time.Duration `yaml:"max_run_duration"`
	KillOrphans      bool          `yaml:"kill_orphans"`
	ProcessPatterns  []string      `yaml:"process_patterns"`
}

type Retention struct {
	Days              int      `yaml:"days"`
	ProtectedStatuses []string `yaml:"protected_statuses"`
}

// Schedule sets when "postpipe schedule" fires. Cron, a standard
// five-field spec, takes precedence over DailyAt.
type Schedule struct {
	DailyAt string `yaml:"daily_at"`
	Cron    string `yaml:"cron"`
}

// Spec returns the cron spec to schedule with.
func (s Schedule) Spec() (string, error) {
	if spec := strings.TrimSpace(s.Cron); spec != "" {
		return spec, nil
	}
	h, m, err := ParseDailyAt(s.DailyAt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for postpipe.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "postpipe")
}

// DataDir returns the XDG data directory for postpipe.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "postpipe")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/postpipe/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'postpipe init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults first.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Sources: Sources{
			Kind:         "listing",
			ListingURL:   "https://www.reddit.com/r/%s/new.json",
			FeedURL:      "https://www.reddit.com/r/%s/new/.rss",
			UserAgent:    "postpipe/1.0",
			RequestsPerM: 30,
			MaxPerFeed:   100,
		},
		Authors: Authors{
			Enabled:    true,
			AboutURL:   "https://www.reddit.com/user/%s/about.json",
			RequestsPM: 30,
			Backfill:   50,
		},
		Extraction: Extraction{Enabled: true, Timeout: 15 * time.Second},
		Scoring: Scoring{
			Keywords:      []string{"dating", "relationship", "texting"},
			Flairs:        []string{"advice", "question"},
			BatchLimit:    200,
			FailureBudget: 5,
		},
		LLM: LLM{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      512,
			EmbedBatch:     32,
		},
		Clustering: Clustering{DistanceThreshold: 1.2, MinClusterSize: 5},
		Pipeline: Pipeline{
			Stages:            append([]string(nil), KnownStages...),
			StageMode:         StageModeInline,
			HeartbeatInterval: 30 * time.Second,
		},
		Health: Health{
			Interval:         5 * time.Minute,
			StaleAfter:       45 * time.Minute,
			HeartbeatTimeout: 2 * time.Minute,
			WarnAfter:        2 * time.Hour,
			MaxRunDuration:   4 * time.Hour,
			ProcessPatterns:  []string{"postpipe run", "postpipe stage"},
		},
		Retention: Retention{
			Days:              5,
			ProtectedStatuses: []string{"selected", "answered", "sent", "lead"},
		},
		Schedule: Schedule{DailyAt: "03:00"},
		Server:   Server{Port: 8000},
		Logging:  Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages must not be empty")
	}
	seen := make(map[string]bool)
	for _, s := range c.Pipeline.Stages {
		if !isKnownStage(s) {
			return fmt.Errorf("pipeline.stages: unknown stage %q (known: %s)", s, strings.Join(KnownStages, ", "))
		}
		if seen[s] {
			return fmt.Errorf("pipeline.stages: stage %q listed twice", s)
		}
		seen[s] = true
	}
	switch c.Sources.Kind {
	case "listing", "feed":
	default:
		return fmt.Errorf("sources.kind must be listing or feed, got %q", c.Sources.Kind)
	}
	switch c.Pipeline.StageMode {
	case StageModeInline, StageModeProcess:
	default:
		return fmt.Errorf("pipeline.stage_mode must be inline or process, got %q", c.Pipeline.StageMode)
	}

	durations := map[string]time.Duration{
		"pipeline.heartbeat_interval": c.Pipeline.HeartbeatInterval,
		"health.interval":             c.Health.Interval,
		"health.stale_after":          c.Health.StaleAfter,
		"health.heartbeat_timeout":    c.Health.HeartbeatTimeout,
		"health.max_run_duration":     c.Health.MaxRunDuration,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Health.HeartbeatTimeout <= c.Pipeline.HeartbeatInterval {
		return fmt.Errorf("health.heartbeat_timeout (%s) must exceed pipeline.heartbeat_interval (%s)",
			c.Health.HeartbeatTimeout, c.Pipeline.HeartbeatInterval)
	}
	if c.Health.MaxRunDuration < c.Health.StaleAfter {
		return fmt.Errorf("health.max_run_duration (%s) must not be shorter than health.stale_after (%s)",
			c.Health.MaxRunDuration, c.Health.StaleAfter)
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	spec, err := c.Schedule.Spec()
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	return nil
}

// ParseDailyAt parses an "HH:MM" wall-clock time.
func ParseDailyAt(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.daily_at must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "postpipe.db")
}

func isKnownStage(name string) bool {
	for _, k := range KnownStages {
		if k == name {
			return true
		}
	}
	return false
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
