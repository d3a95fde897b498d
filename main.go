package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/attpc/harmonizer/config"
	"github.com/attpc/harmonizer/harmonic"
	"github.com/attpc/harmonizer/logger"
)

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatStartupConfig creates a formatted multi-line config summary.
func formatStartupConfig(cfg *config.Config) string {
	return fmt.Sprintf(`
┌─────────────────────────────────────────────────────────────
│ AT-TPC HARMONIZER
├─────────────────────────────────────────────────────────────
│ Merger Path:      %s
│ Harmonic Path:    %s
│ Harmonic Size:    %s
│ Run Range:        %d..%d (inclusive)
│ Overwrite:        %t
└─────────────────────────────────────────────────────────────`,
		cfg.MergerPath,
		cfg.HarmonicPath,
		formatBytes(cfg.BudgetBytes()),
		cfg.MinRun,
		cfg.MaxRun,
		cfg.Overwrite,
	)
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "harmonizer",
		Short: "Repack AT-TPC merger runs into equal-sized harmonic runs",
		Long: "The harmonizer takes a set of merged AT-TPC runs and re-organizes them " +
			"into files of approximately equal size, so that per-file parallel analyses " +
			"get balanced load. Scalers from all runs are consolidated into a single table.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return harmonize(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a configuration file (YAML)")
	rootCmd.MarkPersistentFlagRequired("config")

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new template config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Default().Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote template configuration to %s\n", configPath)
			return nil
		},
	}
	rootCmd.AddCommand(newCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func harmonize(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Println(formatStartupConfig(cfg))

	session := harmonic.NewSession(harmonic.Options{
		MergerDir:        cfg.MergerPath,
		HarmonicDir:      cfg.HarmonicPath,
		BudgetBytes:      cfg.BudgetBytes(),
		MinRun:           cfg.MinRun,
		MaxRun:           cfg.MaxRun,
		Overwrite:        cfg.Overwrite,
		ProgressInterval: 5 * time.Second,
	})

	report, err := session.Run(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("\nComplete: %d events from %d runs (%s) repacked into %d harmonic runs, %d scaler rows in %s\n",
		report.Events,
		len(report.RunsProcessed),
		formatBytes(report.InputBytes),
		report.HarmonicRuns,
		report.ScalerRows,
		report.ScalerTable,
	)
	return nil
}
