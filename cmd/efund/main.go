// efund — KYC-aware financial advisory chat backend.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent/prompts"
	"github.com/seenimoa/efundkyc/internal/config"
	"github.com/seenimoa/efundkyc/internal/logging"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger, set by the root command before any subcommand.
var (
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "efund",
	Short: "efund — KYC-aware financial advisory chat backend",
	Long: `efund routes free-text messages either to a conversational fund advisor
or to a four-step KYC intake workflow that builds a structured customer
profile, streaming the reply as it is generated.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Logging.Level = level
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(kycCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil // needs no config
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("efund %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and API key status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  efund — System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s)\n", cfg.LLM.Primary, cfg.LLM.Model)
		fmt.Printf("    Memory:        %s\n", cfg.Memory.Backend)
		fmt.Printf("    Workflow:      timeout %s, intent keywords %v\n", cfg.Workflow.Timeout(), cfg.Workflow.IntentKeywords)
		fmt.Printf("    API Server:    %s\n", cfg.API.Addr())
		fmt.Println()

		fmt.Println("  API Keys:")
		for _, k := range config.CheckAPIKeys(cfg) {
			status := "⚪ not set"
			if k.Missing() {
				status = "❌ not set (required by the primary provider)"
			}
			if k.IsSet {
				status = fmt.Sprintf("✅ set (%s: %s)", k.Source, k.Masked)
			}
			fmt.Printf("    %-25s %s\n", k.Name+":", status)
		}

		fmt.Println()
		fmt.Println("  Prompt Templates:")
		catalog, err := prompts.Open(cfg.Workflow.PromptsPath)
		if err != nil {
			fmt.Printf("    ❌ %v\n", err)
		} else {
			for _, id := range catalog.IDs() {
				fmt.Printf("    %-34s %s\n", id, catalog.Description(id))
			}
		}

		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}
