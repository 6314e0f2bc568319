package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/server"
)

const cliClientID = "cli"

// newAuditCmd creates the 'audit' subcommand, which runs one audit in-process
// and prints the settled job as JSON.
func newAuditCmd() *cobra.Command {
	var (
		bypassCache bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Audits a single URL and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			app.StartBackground(ctx)
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer closeCancel()
				if cerr := app.Close(closeCtx); cerr != nil {
					app.Logger().Warn("application close failed", zap.Error(cerr))
				}
			}()

			view, err := runAudit(ctx, app, audit.Request{
				URL:      args[0],
				Options:  audit.Options{BypassCache: bypassCache, Timeout: timeout},
				ClientID: cliClientID,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(view); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if view.Status == audit.JobStatusFailed {
				return fmt.Errorf("audit failed: %s", view.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "ignore any cached result and run a fresh audit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall job budget (default from audit.timeout)")
	return cmd
}

func runAudit(ctx context.Context, app *server.App, req audit.Request) (audit.JobView, error) {
	sub, err := app.Dispatcher().Submit(ctx, req)
	if err != nil {
		return audit.JobView{}, fmt.Errorf("submit audit: %w", err)
	}
	app.Logger().Info("audit submitted",
		zap.String("job_id", sub.JobID),
		zap.String("status", string(sub.Status)),
		zap.Bool("cached", sub.Cached),
	)
	view, err := app.Dispatcher().Await(ctx, sub.JobID)
	if err != nil {
		return audit.JobView{}, fmt.Errorf("await audit: %w", err)
	}
	return view, nil
}
