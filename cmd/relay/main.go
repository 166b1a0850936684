// Relay is a developer-workflow event broker. It ingests webhooks, routes
// them through classification, dedup, rules, batching, and scheduling, and
// dispatches chat notifications.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/notifyops/relay/pkg/config"
	"github.com/notifyops/relay/pkg/dedup"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/models"
	"github.com/notifyops/relay/pkg/storage"
	"github.com/notifyops/relay/pkg/version"
)

// Exit codes: 0 success, 1 unexpected, 2 invalid arguments,
// 3 validation failure, 4 backend unavailable.
const (
	exitUsage       = 2
	exitValidation  = 3
	exitUnavailable = 4
)

// errUsage marks bad flags, arguments, or nonexistent targets.
var errUsage = errors.New("invalid arguments")

// errBackend marks an unreachable broker, database, or redis.
var errBackend = errors.New("backend unavailable")

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadDotEnv loads the optional .env next to the config files. Missing
// files are fine; the process environment wins either way.
func loadDotEnv(configDir string) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}
}

func loadConfig(ctx context.Context, configDir string) (*config.Config, error) {
	loadDotEnv(configDir)
	return config.Initialize(ctx, configDir)
}

// postControlPlane issues one control-plane request against a running
// broker and prints the response body.
func postControlPlane(ctx context.Context, serverURL, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: broker at %s: %w", errBackend, serverURL, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errUsage, bytes.TrimSpace(out))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	return nil
}

func newConfigCmd(configDir *string, serverURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration directory and exit",
			RunE: func(c *cobra.Command, _ []string) error {
				cfg, err := loadConfig(c.Context(), *configDir)
				if err != nil {
					return err
				}
				stats := cfg.Stats()
				fmt.Printf("configuration ok: %d teams, %d hooks, %d rules, %d sources\n",
					stats.Teams, stats.Hooks, stats.Rules, stats.Sources)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set-active <team> <version>",
			Short: "Reactivate a prior team config version on a running broker",
			Args:  exactArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				body := []byte(fmt.Sprintf(`{"version":%s}`, args[1]))
				return postControlPlane(c.Context(), *serverURL,
					"/api/v1/teams/"+args[0]+"/rollback", body)
			},
		},
	)
	return cmd
}

func newDedupCmd(configDir *string) *cobra.Command {
	var kind string
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop dedup state for one event kind",
		RunE: func(c *cobra.Command, _ []string) error {
			if kind == "" {
				return fmt.Errorf("%w: --kind is required", errUsage)
			}
			cfg, err := loadConfig(c.Context(), *configDir)
			if err != nil {
				return err
			}
			rdb := storage.NewRedis(cfg.Redis)
			defer rdb.Close()

			store := dedup.NewStore(rdb, cfg.Dedup)
			count, err := store.PurgeKind(c.Context(), models.EventKind(kind))
			if err != nil {
				return fmt.Errorf("%w: %w", errBackend, err)
			}
			fmt.Printf("purged %d dedup entries for kind %s\n", count, kind)
			return nil
		},
	}
	purge.Flags().StringVar(&kind, "kind", "", "event kind to purge (required)")

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Manage the dedup store",
	}
	cmd.AddCommand(purge)
	return cmd
}

func newReplayCmd(configDir *string) *cobra.Command {
	var fromRaw, toRaw string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute hourly execution aggregates for a window",
		RunE: func(c *cobra.Command, _ []string) error {
			if fromRaw == "" || toRaw == "" {
				return fmt.Errorf("%w: --from and --to are required", errUsage)
			}
			from, err := time.Parse(time.RFC3339, fromRaw)
			if err != nil {
				return fmt.Errorf("%w: --from must be RFC3339: %w", errUsage, err)
			}
			to, err := time.Parse(time.RFC3339, toRaw)
			if err != nil {
				return fmt.Errorf("%w: --to must be RFC3339: %w", errUsage, err)
			}

			cfg, err := loadConfig(c.Context(), *configDir)
			if err != nil {
				return err
			}
			client, err := storage.NewClient(c.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("%w: %w", errBackend, err)
			}
			defer client.Close()

			agg := execlog.NewAggregator(client.Executions, 0, slog.Default())
			if err := agg.Aggregate(c.Context(), from, to); err != nil {
				return fmt.Errorf("%w: %w", errBackend, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fromRaw, "from", "", "window start, RFC3339 (required)")
	cmd.Flags().StringVar(&toRaw, "to", "", "window end, RFC3339 (required)")
	return cmd
}

// exactArgs is cobra.ExactArgs with the usage error class attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: accepts %d arg(s), received %d", errUsage, n, len(args))
		}
		return nil
	}
}

func main() {
	var (
		configDir string
		serverURL string
	)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Developer-workflow event broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	root.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	root.PersistentFlags().StringVar(&serverURL, "server",
		getEnv("RELAY_SERVER", "http://localhost:8080"),
		"Base URL of a running broker, for control-plane commands")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the broker",
			RunE: func(cmd *cobra.Command, _ []string) error {
				loadDotEnv(configDir)
				return runServe(cmd.Context(), configDir)
			},
		},
		&cobra.Command{
			Use:   "drain",
			Short: "Flush pending batches and in-flight deliveries on a running broker",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return postControlPlane(cmd.Context(), serverURL, "/api/v1/system/drain", nil)
			},
		},
		newConfigCmd(&configDir, &serverURL),
		newDedupCmd(&configDir),
		newReplayCmd(&configDir),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(*cobra.Command, []string) {
				fmt.Println(version.Full())
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage),
		errors.Is(err, config.ErrTeamNotFound),
		errors.Is(err, config.ErrVersionNotFound):
		return exitUsage
	case errors.Is(err, errBackend):
		return exitUnavailable
	case errors.Is(err, config.ErrConfigNotFound),
		errors.Is(err, config.ErrInvalidYAML),
		errors.Is(err, config.ErrValidationFailed):
		return exitValidation
	}
	var loadErr *config.LoadError
	if errors.As(err, &loadErr) {
		return exitValidation
	}
	// Cobra reports unknown subcommands as plain errors.
	if strings.HasPrefix(err.Error(), "unknown command") {
		return exitUsage
	}
	return 1
}
