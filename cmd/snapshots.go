package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage snapshots stored in the database",
	}
	cmd.AddCommand(newSnapshotsListCmd(), newSnapshotsImportCmd(), newSnapshotsExportCmd(), newSnapshotsDeleteCmd())
	return cmd
}

// withStore runs fn with an app that has a database store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return runWithApp(cmd, func(ctx context.Context, a *app) error {
		if a.store == nil {
			return errors.New("no database configured; set database.url or SCALPEL_STATE_DATABASE_URL")
		}
		return fn(ctx, a)
	})
}

func newSnapshotsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.store.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					if recs == nil {
						recs = []schemas.SnapshotRecord{}
					}
					return printJSON(cmd.OutOrStdout(), recs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tURL\tVERSION\tSIZE\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.URL, r.Version, r.Size, r.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the records as JSON")
	return cmd
}

func newSnapshotsImportCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <snapshot-file>",
		Short: "Store a snapshot file in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read snapshot: %w", err)
				}
				// Decoding verifies the checksums before the blob is stored unchanged.
				snap, err := a.serializer.Decode(data)
				if err != nil {
					return err
				}
				rec := schemas.SnapshotRecord{
					ID:        snap.ID,
					Name:      name,
					URL:       snap.PageInfo.URL,
					Version:   snap.Version,
					CreatedAt: snap.Timestamp,
				}
				if err := a.store.SaveSnapshot(ctx, rec, data); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), snap.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "A label stored with the snapshot")
	return cmd
}

func newSnapshotsExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a stored snapshot to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				data, err := a.store.LoadSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" {
					_, err := cmd.OutOrStdout().Write(append(data, '\n'))
					return err
				}
				return writeFile(output, data)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newSnapshotsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete stored snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				var errs []error
				for _, id := range args {
					if err := a.store.DeleteSnapshot(ctx, id); err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}
