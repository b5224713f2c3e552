package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/silverline/silverline/internal/alert"
	"github.com/silverline/silverline/internal/cdc"
	"github.com/silverline/silverline/internal/config"
	"github.com/silverline/silverline/internal/ledger"
	"github.com/silverline/silverline/internal/merge"
	"github.com/silverline/silverline/internal/source"
	"github.com/silverline/silverline/internal/verify"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "silverline",
	Short: "Silverline - CDC merge engine for SCD tables",
	Long:  `A merge engine that resolves multi-source change streams into current-state (SCD Type 1) and full-history (SCD Type 2) tables`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "silverline.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(streamCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("silverline v0.1.0-alpha")
		fmt.Println("CDC merge engine for SCD Type 1/2 tables")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "silverline.db")
		store, err := ledger.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}
		defer store.Close()

		fmt.Printf("Initialized ledger for keys: %v\n", cfg.Pipeline.Keys)
		fmt.Printf("SCD type: %d\n", cfg.Pipeline.SCDType)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Ledger path: %s\n", dbPath)

		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply [events-file]",
	Short: "Apply a batch of change events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, coordinator, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open events file: %w", err)
		}
		defer f.Close()

		events, err := cdc.DecodeBatch(f, cfg.DecodeOptions())
		if err != nil {
			return fmt.Errorf("failed to decode events: %w", err)
		}

		fmt.Printf("Applying %d events...\n", len(events))
		result, err := coordinator.ApplyBatch(cmd.Context(), events)
		if err != nil {
			return fmt.Errorf("batch interrupted: %w", err)
		}

		fmt.Printf("Applied: %d, stale: %d, ties: %d\n", result.Applied, result.Stale, result.Ties)

		for _, rejected := range result.Rejected {
			fmt.Printf("  rejected: %v\n", rejected)
		}

		alertManager := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		for key, keyErr := range result.Failed {
			fmt.Printf("  ❌ key %s: %v\n", key, keyErr)
			_ = alertManager.SendCommitAlert(key, keyErr)
		}

		if !result.OK() {
			return fmt.Errorf("batch completed with %d rejected events and %d failed keys; resubmit the same batch to retry",
				len(result.Rejected), len(result.Failed))
		}

		fmt.Println("Batch committed")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display ledger status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "silverline.db")
		store, err := ledger.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		keys, err := store.Keys()
		if err != nil {
			return err
		}

		digest, live, err := store.CurrentDigest()
		if err != nil {
			return err
		}

		fmt.Printf("Keys seen: %d\n", len(keys))
		fmt.Printf("Live records: %d\n", live)
		if digest != "" {
			fmt.Printf("Current-state digest: %s\n", digest)
		}

		for _, key := range keys {
			state, err := store.MergeState(key)
			if err != nil {
				return err
			}
			fmt.Printf("  - %s (last applied: %s)\n", key, state.LastApplied)
		}

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [key]",
	Short: "Verify history chain integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "silverline.db")
		store, err := ledger.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer store.Close()

		verifier := verify.NewVerifier(store, cfg.Pipeline.TrackHistoryColumns)
		verifier.SetAlertManager(alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook))

		if len(args) > 0 {
			fmt.Printf("Verifying key: %s\n", args[0])
			if err := verifier.VerifyKey(args[0]); err != nil {
				fmt.Printf("  ❌ FAILED: %v\n", err)
				return fmt.Errorf("chain verification failed")
			}
			fmt.Println("  ✅ OK: version chain is intact")
			return nil
		}

		checked, failures := verifier.VerifyAll()
		fmt.Printf("Verified %d keys\n", checked)
		for _, failure := range failures {
			fmt.Printf("  ❌ FAILED: %v\n", failure)
		}
		if len(failures) > 0 {
			return fmt.Errorf("%d chains failed verification", len(failures))
		}

		fmt.Println("  ✅ OK: all version chains are intact")
		return nil
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream change events from Postgres logical replication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Source.Host == "" {
			return fmt.Errorf("source is not configured")
		}

		store, coordinator, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Connecting to PostgreSQL: %s:%d/%s\n",
			cfg.Source.Host, cfg.Source.Port, cfg.Source.Database)

		slotName := cfg.Source.SlotName
		if slotName == "" {
			slotName = "silverline"
		}
		publication := cfg.Source.PublicationName
		if publication == "" {
			publication = "silverline_publication"
		}

		sourceConfig := &source.Config{
			Host:            cfg.Source.Host,
			Port:            cfg.Source.Port,
			Database:        cfg.Source.Database,
			User:            cfg.Source.User,
			Password:        cfg.Source.Password,
			SlotName:        slotName,
			PublicationName: publication,
			Keys:            cfg.Pipeline.Keys,
		}

		manager := source.NewManager(sourceConfig, coordinator)
		manager.SetAlertManager(alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		fmt.Println("Initializing source...")
		if err := manager.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize source: %w", err)
		}

		fmt.Println("Starting replication...")
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start source: %w", err)
		}

		fmt.Println("Silverline is streaming. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := manager.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop source: %w", err)
		}

		fmt.Println("Silverline stopped")
		return nil
	},
}

func openEngine(cfg *config.Config) (*ledger.Store, *merge.Coordinator, error) {
	dbPath := filepath.Join(cfg.Node.DataDir, "silverline.db")
	store, err := ledger.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	coordinator, err := merge.NewCoordinator(store, cfg.MergeOptions())
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return store, coordinator, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
