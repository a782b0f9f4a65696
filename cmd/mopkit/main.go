package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mopkit/internal/config"
	"mopkit/internal/engine"
	"mopkit/internal/llm"
	"mopkit/internal/logging"
	"mopkit/internal/memory"
	"mopkit/internal/store"
	"mopkit/internal/telemetry"
)

var (
	verbose   bool
	workspace string
	apiKey    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mopkit",
	Short: "mopkit - context and budget orchestration for marketing ops",
	Long: `mopkit runs marketing-ops requests through a budgeted workflow:
understand the request, draft a plan, wait for explicit approval, execute
with tiered context assembly and chunked bulk processing, and gate every
deliverable before it ships.

State lives under .mopkit/ in the workspace root.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			ws, err := config.FindWorkspaceRoot()
			if err != nil {
				ws, _ = os.Getwd()
			}
			workspace = ws
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace root (default: nearest .mopkit)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "model API key (overrides config and env)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(initCmd)
}

// buildEngine loads config and wires the full engine for a command.
func buildEngine() (*engine.Engine, *config.Config, error) {
	cfg, err := config.LoadFromWorkspace(workspace)
	if err != nil {
		return nil, nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}

	mem, err := memory.Open(cfg.Memory)
	if err != nil {
		return nil, nil, err
	}
	tel, err := telemetry.NewTracker(workspace)
	if err != nil {
		return nil, nil, err
	}
	docs, err := store.Open("")
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(cfg, llm.NewClient(cfg.LLM), mem, tel, docs)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. In-flight
// chunk work drains; nothing new dispatches after cancellation.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			fmt.Fprintln(os.Stderr, "cancelling, letting in-flight work drain...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create .mopkit/ with a default config in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ".mopkit"
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		path := dir + "/config.yaml"
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", path)
		return nil
	},
}

func main() {
	start := time.Now()
	err := rootCmd.Execute()
	if logger != nil {
		logger.Debug("command finished", zap.Duration("elapsed", time.Since(start)))
	}
	if err != nil {
		os.Exit(1)
	}
}
