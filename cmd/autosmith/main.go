package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autosmith/internal/agent"
	"autosmith/internal/apply"
	"autosmith/internal/combine"
	"autosmith/internal/config"
	"autosmith/internal/hass"
	"autosmith/internal/kb"
	"autosmith/internal/logging"
	"autosmith/internal/server"
	"autosmith/internal/session"
	"autosmith/internal/snapshot"
	"autosmith/internal/usage"
)

var (
	verbose    bool
	configPath string
	listenAddr string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "autosmith",
	Short: "autosmith - conversational automation editing engine",
	Long: `autosmith manages AI-assisted edits to automation configs.

It keeps an append-only version history per automation, runs architect and
builder agent conversations for complex edits, applies small edits locally,
and pushes approved drafts to the live store behind a backup-first protocol.`,
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
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ResolvePaths(); err != nil {
		return fmt.Errorf("failed to resolve data paths: %w", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snaps, err := snapshot.NewStore(cfg.SnapshotDB)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer snaps.Close()

	store := hass.NewClient(cfg.StoreURL, cfg.StoreToken)
	if !store.Configured() {
		logger.Warn("automation store not configured; live operations will fail",
			zap.String("store_url", cfg.StoreURL))
	}

	manager := kb.NewManager(cfg.CapabilitiesFile, store)
	if err := manager.Watch(); err != nil {
		logger.Warn("capabilities file watch unavailable", zap.Error(err))
	}
	defer manager.Close()

	agents, err := buildAgentClient(ctx, &cfg)
	if err != nil {
		return err
	}

	rates := usage.Rates{
		Currency:         cfg.Cost.Currency,
		InputPerKTokens:  cfg.Cost.InputPerKTokens,
		OutputPerKTokens: cfg.Cost.OutputPerKTokens,
	}
	sessions := session.New(session.Config{
		Agents:    agents,
		Store:     store,
		Snapshots: snaps,
		KB:        manager,
		Roles:     cfg.Roles,
		Rates:     rates,
	})
	applier := apply.New(store, snaps)
	combiner := combine.New(combine.Config{
		Agents:    agents,
		Store:     store,
		Snapshots: snaps,
		KB:        manager,
		Roles:     cfg.Roles,
		Ledger:    usage.NewLedger(rates),
	})

	api := server.New(server.Config{
		Store:     store,
		Snapshots: snaps,
		KB:        manager,
		Syncer:    kb.NewSyncer(agents, cfg.Roles.KBSync, 0),
		Sessions:  sessions,
		Applier:   applier,
		Combiner:  combiner,
	})

	logger.Info("starting autosmith",
		zap.String("listen", cfg.Listen),
		zap.String("snapshot_db", cfg.SnapshotDB),
		zap.Bool("store_configured", store.Configured()))
	logging.Boot("autosmith starting on %s", cfg.Listen)

	return api.ListenAndServe(ctx, cfg.Listen)
}

// buildAgentClient prefers the conversation endpoint of the automation
// store; a Gemini API key selects the direct model client instead.
func buildAgentClient(ctx context.Context, cfg *config.Config) (agent.Client, error) {
	if cfg.GeminiAPIKey != "" {
		client, err := agent.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		logger.Info("using gemini agent client", zap.String("model", cfg.GeminiModel))
		return client, nil
	}
	agentURL := cfg.AgentURL
	if agentURL == "" {
		agentURL = cfg.StoreURL
	}
	return agent.NewHTTPClient(agent.DefaultHTTPConfig(agentURL, cfg.StoreToken)), nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the autosmith version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("autosmith 0.3.0")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
