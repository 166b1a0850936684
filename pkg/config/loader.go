package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/notifyops/relay/pkg/batcher"
	"github.com/notifyops/relay/pkg/dedup"
	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/schedule"
	"github.com/notifyops/relay/pkg/threading"
	"github.com/notifyops/relay/pkg/workload"
)

// TeamsYAML is the teams.yaml file structure.
type TeamsYAML struct {
	Teams map[string]*TeamConfig `yaml:"teams"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load relay.yaml and teams.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user values over built-in defaults
//  4. Validate all configuration
//  5. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	report := Validate(cfg)
	if report.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, report.Summary())
	}
	for _, w := range report.Warnings {
		log.Warn("configuration warning", "detail", w)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"teams", stats.Teams,
		"hooks", stats.Hooks,
		"rules", stats.Rules,
		"sources", stats.Sources)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var system SystemYAML
	if err := loader.loadYAML("relay.yaml", &system); err != nil {
		return nil, NewLoadError("relay.yaml", err)
	}

	teams := TeamsYAML{Teams: make(map[string]*TeamConfig)}
	if err := loader.loadYAML("teams.yaml", &teams); err != nil {
		// A broker with no team file still serves the default route.
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError("teams.yaml", err)
		}
	}
	for id, team := range teams.Teams {
		if team.ID == "" {
			team.ID = id
		}
	}

	cfg := &Config{
		configDir: configDir,
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Dedup:     dedup.DefaultConfig(),
		Batching:  batcher.DefaultConfig(),
		Scheduler: schedule.DefaultConfig(),
		Dispatch:  dispatch.DefaultConfig(),
		Workload:  workload.DefaultConfig(),
		Threading: threading.DefaultConfig(),
		ExecLog:   execlog.DefaultWriterConfig(),
		Retention: *DefaultRetentionConfig(),
		Sources:   make(map[string]SourceConfig),
		Teams:     teams.Teams,
	}

	// User-provided sections override defaults field by field; unset
	// fields keep the built-in values.
	if err := mergeSection(&cfg.Server, system.Server); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Database, system.Database); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Pipeline, system.Pipeline); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Dedup, system.Dedup); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Batching, system.Batching); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Scheduler, system.Scheduler); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Dispatch, system.Dispatch); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Workload, system.Workload); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Threading, system.Threading); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.ExecLog, system.ExecLog); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Retention, system.Retention); err != nil {
		return nil, err
	}

	if system.Redis != nil {
		cfg.Redis = *system.Redis
	}
	if system.Chat != nil {
		cfg.Chat = *system.Chat
	}
	if cfg.Chat.TokenEnv == "" {
		cfg.Chat.TokenEnv = "SLACK_BOT_TOKEN"
	}
	for source, sc := range system.Sources {
		if sc.SignatureHeader == "" {
			sc.SignatureHeader = "X-Hub-Signature-256"
		}
		cfg.Sources[source] = sc
	}
	cfg.Recovery = system.Recovery

	return cfg, nil
}

// mergeSection merges a user-provided config section into defaults,
// non-zero values overriding.
func mergeSection[T any](dst *T, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config section: %w", err)
	}
	return nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
