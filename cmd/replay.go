package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/replay"
	"github.com/xkilldash9x/scalpel-state/internal/restore"
)

// errReplayFailed is returned when at least one action failed or the run was aborted.
var errReplayFailed = errors.New("replay failed")

type replayOptions struct {
	seed        string
	sessionID   string
	speed       float64
	dryRun      bool
	stopOnError bool
	saveSession bool
	report      string
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [script]",
		Short: "Replay a recorded action script against a browser tab",
		Long: `Replays the actions of a JSON or YAML script in order, keeping the recorded pacing
scaled by --speed. Failed actions are retried with a recovery strategy chosen from the
error. A seed snapshot, given with --seed or referenced by the script, is restored first.
Without a script argument the session is loaded from the database by --session-id.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.sessionID == "" {
				return errors.New("either a script file or --session-id is required")
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				script := ""
				if len(args) == 1 {
					script = args[0]
				}
				return runReplay(ctx, cmd, a, script, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.seed, "seed", "", "Snapshot file or id to restore before the first action")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Load the action session with this id from the database")
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "Pacing multiplier; 2 replays twice as fast (Overrides config/env)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Walk the script without dispatching actions")
	cmd.Flags().BoolVar(&opts.stopOnError, "stop-on-error", false, "Abort at the first failed action")
	cmd.Flags().BoolVar(&opts.saveSession, "save-session", false, "Save the loaded script as an action session in the database")
	cmd.Flags().StringVarP(&opts.report, "report", "r", "", "Write the replay result to this file")
	return cmd
}

// applyReplayOverrides folds the changed command flags into cfg.
func applyReplayOverrides(cmd *cobra.Command, a *app, opts *replayOptions) {
	if cmd.Flags().Changed("speed") {
		a.cfg.SetReplaySpeedMultiplier(opts.speed)
	}
	if cmd.Flags().Changed("dry-run") {
		a.cfg.SetReplayDryRun(opts.dryRun)
	}
}

// loadScript reads the action session from a file or from the store.
func loadScript(ctx context.Context, a *app, script, sessionID string) (*schemas.ActionSession, error) {
	if script == "" {
		if a.store == nil {
			return nil, errors.New("--session-id requires database.url to be configured")
		}
		return a.store.LoadActionSession(ctx, sessionID)
	}
	f, err := os.Open(script)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()
	session, err := replay.LoadSession(f, replay.FormatFromPath(script))
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", script, err)
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	return session, nil
}

func runReplay(ctx context.Context, cmd *cobra.Command, a *app, script string, opts *replayOptions) error {
	applyReplayOverrides(cmd, a, opts)
	if opts.saveSession && a.store == nil {
		return errors.New("--save-session requires database.url to be configured")
	}

	session, err := loadScript(ctx, a, script, opts.sessionID)
	if err != nil {
		return err
	}
	if opts.saveSession {
		if err := a.store.SaveActionSession(ctx, session); err != nil {
			return err
		}
		a.logger.Info("Action session saved to database.", zap.String("id", session.ID))
	}

	runOpts := replay.Options{
		SeedOptions:     restore.OptionsFromConfig(a.cfg.Restore()),
		SpeedMultiplier: a.cfg.Replay().SpeedMultiplier,
		StopOnError:     opts.stopOnError,
	}
	seedRef := opts.seed
	if seedRef == "" && a.cfg.Replay().RestoreBeforeReplay {
		seedRef = session.SeedID
	}
	if opts.seed != "" && !a.cfg.Replay().RestoreBeforeReplay {
		a.logger.Warn("Seed snapshot ignored because replay.restore_before_replay is disabled.")
	}
	if seedRef != "" {
		if runOpts.Seed, err = a.loadSnapshot(ctx, seedRef); err != nil {
			return err
		}
	}

	replayer, err := a.newReplayer(ctx)
	if err != nil {
		return err
	}
	page, err := a.openPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close()

	res, err := replayer.Replay(ctx, page, session.Actions, runOpts)
	if err != nil {
		return err
	}
	if opts.report != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode replay report: %w", err)
		}
		if err := writeFile(opts.report, data); err != nil {
			return err
		}
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %d of %d actions failed", errReplayFailed, res.FailedActions, res.TotalActions)
	}
	return nil
}
