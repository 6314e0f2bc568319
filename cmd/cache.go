package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/cache"
	"github.com/JakeFAU/webaudit/internal/logging"
	"github.com/JakeFAU/webaudit/internal/server"
)

// newCacheCmd groups the result cache maintenance commands.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspects and maintains the result cache",
	}
	cmd.AddCommand(
		cacheSubcommand("stats", "Prints cache statistics", func(cmd *cobra.Command, gw *cache.Gateway) any {
			return gw.Stats(cmd.Context())
		}),
		cacheSubcommand("cleanup", "Removes expired entries", func(cmd *cobra.Command, gw *cache.Gateway) any {
			return map[string]int{"removed_count": gw.Cleanup(cmd.Context())}
		}),
		cacheSubcommand("clear", "Removes every entry", func(cmd *cobra.Command, gw *cache.Gateway) any {
			return map[string]int{"removed_count": gw.Clear(cmd.Context())}
		}),
	)
	return cmd
}

func cacheSubcommand(use, short string, op func(*cobra.Command, *cache.Gateway) any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			gw, closeFn, err := server.OpenCache(cmd.Context(), &cfg, logger.Named("cache"))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeFn(); cerr != nil {
					logger.Warn("cache close failed", zap.Error(cerr))
				}
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(op(cmd, gw)); err != nil {
				return fmt.Errorf("encode output: %w", err)
			}
			return nil
		},
	}
}
