package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

type captureOptions struct {
	url    string
	name   string
	output string
	save   bool
}

func newCaptureCmd() *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture --url <url>",
		Short: "Load a page and capture its client-side state into a snapshot",
		Long: `Opens a browser tab, navigates to the given URL, waits for the network to settle
and captures cookies, web storage, IndexedDB, cache storage, service workers and form state.
The serialized snapshot is written to --output (stdout when omitted) and optionally saved
to the configured database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return runCapture(ctx, cmd, a, opts)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.url, "url", "u", "", "The page to capture (required)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "A label stored with the snapshot")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the snapshot to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Also save the snapshot to the configured database")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCapture(ctx context.Context, cmd *cobra.Command, a *app, opts *captureOptions) error {
	if opts.save && a.store == nil {
		return fmt.Errorf("--save requires database.url to be configured")
	}

	page, err := a.openPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close()

	if err := page.Navigate(ctx, opts.url); err != nil {
		return fmt.Errorf("failed to load %s: %w", opts.url, err)
	}
	if err := page.WaitNetworkIdle(ctx, a.cfg.Restore().NetworkIdleQuiet); err != nil {
		a.logger.Warn("Page did not reach network idle before capture.", zap.Error(err))
	}

	snap, err := a.capturer.Capture(ctx, page)
	if err != nil {
		return err
	}
	for _, w := range snap.Metadata.Warnings {
		a.logger.Warn("Capture warning.", zap.String("warning", w))
	}

	data, err := a.serializer.Encode(snap)
	if err != nil {
		return err
	}

	if opts.save {
		rec := schemas.SnapshotRecord{
			ID:        snap.ID,
			Name:      opts.name,
			URL:       snap.PageInfo.URL,
			Version:   snap.Version,
			CreatedAt: snap.Timestamp,
		}
		if err := a.store.SaveSnapshot(ctx, rec, data); err != nil {
			return err
		}
		a.logger.Info("Snapshot saved to database.", zap.String("id", snap.ID))
	}

	if opts.output == "" {
		_, err := cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	}
	if err := writeFile(opts.output, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot %s written to %s (%d bytes)\n", snap.ID, opts.output, len(data))
	return nil
}
