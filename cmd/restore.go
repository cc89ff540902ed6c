package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/internal/restore"
)

// errRestoreFailed is returned when a critical restoration step failed.
var errRestoreFailed = errors.New("restoration failed")

type restoreOptions struct {
	optimized bool
	noVerify  bool
	planOnly  bool
}

func newRestoreCmd() *cobra.Command {
	opts := &restoreOptions{}
	cmd := &cobra.Command{
		Use:   "restore <snapshot-file|snapshot-id>",
		Short: "Restore a captured snapshot into a fresh browser tab",
		Long: `Plans and applies the restoration of a snapshot: navigation, cookies, web storage and
the optional IndexedDB, cache storage and form state steps, followed by verification.
The argument is a snapshot file or, when no such file exists, a snapshot id in the database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return runRestore(ctx, cmd, a, args[0], opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.optimized, "optimized", false, "Run best-effort steps concurrently and cap step delays for large states")
	cmd.Flags().BoolVar(&opts.noVerify, "no-verify", false, "Skip the verification step")
	cmd.Flags().BoolVar(&opts.planOnly, "plan", false, "Print the restoration plan without opening a browser")
	return cmd
}

// applyRestoreOverrides folds the command flags into the configuration. Verification is
// a restorer setting, so --no-verify rebuilds the restorer.
func applyRestoreOverrides(cmd *cobra.Command, a *app, opts *restoreOptions) error {
	if cmd.Flags().Changed("optimized") {
		a.cfg.SetRestoreOptimized(opts.optimized)
	}
	if !opts.noVerify {
		return nil
	}
	rcfg := a.cfg.Restore()
	rcfg.Verify = false
	r, err := restore.NewRestorer(rcfg, a.capturer, a.comparator, a.bus, a.logger)
	if err != nil {
		return err
	}
	a.restorer = r
	return nil
}

func runRestore(ctx context.Context, cmd *cobra.Command, a *app, ref string, opts *restoreOptions) error {
	if err := applyRestoreOverrides(cmd, a, opts); err != nil {
		return err
	}
	snap, err := a.loadSnapshot(ctx, ref)
	if err != nil {
		return err
	}
	planOpts := restore.OptionsFromConfig(a.cfg.Restore())

	if opts.planOnly {
		plan, err := a.restorer.Planner().Plan(snap, planOpts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	}

	page, err := a.openPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close()

	res, err := a.restorer.Restore(ctx, page, snap, planOpts)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.logger.Warn("Restore warning.", zap.String("warning", w))
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: snapshot %s", errRestoreFailed, snap.ID)
	}
	return nil
}
