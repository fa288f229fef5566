package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/engine"
	"github.com/0xf61/sqlhound/internal/observability"
	"github.com/0xf61/sqlhound/internal/results"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scans the given URLs' parameters for SQL injection",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("engine.worker_concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("network.cookie", cmd.Flags().Lookup("cookie")); err != nil {
				return err
			}
			if err := viper.BindPFlag("detection.dialect_hint", cmd.Flags().Lookup("dialect")); err != nil {
				return err
			}
			if err := viper.BindPFlag("oob.collaborator", cmd.Flags().Lookup("collaborator")); err != nil {
				return err
			}
			if err := viper.BindPFlag("tamper.optimizer_calls", cmd.Flags().Lookup("optimizer-calls")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			cfg.Scan.Targets = args
			cfg.Scan.Output = viper.GetString("output")
			cfg.Scan.Debug = viper.GetBool("debug")

			targets := make([]*schemas.Target, 0, len(args))
			for _, raw := range args {
				target, err := engine.TargetFromURL(raw)
				if err != nil {
					return err
				}
				targets = append(targets, target)
			}

			logger.Info("Starting scan",
				zap.Strings("targets", args),
				zap.Int("concurrency", cfg.Engine.WorkerConcurrency),
				zap.String("dialect_hint", cfg.Detection.DialectHint))

			eng := engine.New(cfg, logger.Named("engine"))

			if cfg.WAF.Enabled {
				if err := eng.CheckWAF(ctx, targets[0].URL); err != nil {
					if ctx.Err() != nil {
						return fmt.Errorf("scan aborted by user signal")
					}
					logger.Warn("WAF fingerprinting failed, continuing without it", zap.Error(err))
				}
			}

			queue := make(chan *schemas.Target, cfg.Engine.QueueSize)
			go func() {
				defer close(queue)
				for _, target := range targets {
					select {
					case queue <- target:
					case <-ctx.Done():
						return
					}
				}
			}()

			report, err := eng.Run(ctx, queue)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			raw, err := results.MarshalReport(report)
			if err != nil {
				return fmt.Errorf("serializing report: %w", err)
			}
			if cfg.Scan.Output != "" {
				if err := os.WriteFile(cfg.Scan.Output, raw, 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
				logger.Info("Report written", zap.String("path", cfg.Scan.Output))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			}

			logger.Info("Scan finished",
				zap.Int("vulnerabilities", len(report.Vulnerabilities)),
				zap.Int("skipped", len(report.Skipped)))
			return nil
		},
	}

	scanCmd.Flags().IntP("concurrency", "n", 10, "number of concurrent scan workers")
	scanCmd.Flags().StringP("output", "o", "", "write the JSON report to this file instead of stdout")
	scanCmd.Flags().String("cookie", "", "cookie header sent with every request (name=value; ...)")
	scanCmd.Flags().String("dialect", "", "database dialect hint (mysql, postgresql, mssql, oracle, sqlite)")
	scanCmd.Flags().String("collaborator", "", "out-of-band collaborator base domain")
	scanCmd.Flags().Int("optimizer-calls", 30, "evaluation budget for the tamper chain optimizer")
	scanCmd.Flags().Bool("debug", false, "enable debug output")

	return scanCmd
}
