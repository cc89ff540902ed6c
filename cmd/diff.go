package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// errSnapshotsDiffer is returned by diff --fail-on-diff when the snapshots are not equivalent.
var errSnapshotsDiffer = errors.New("snapshots differ")

type diffOptions struct {
	asJSON     bool
	unified    bool
	failOnDiff bool
}

func newDiffCmd() *cobra.Command {
	opts := &diffOptions{}
	cmd := &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Compare two snapshots domain by domain",
		Long: `Compares cookies, web storage and IndexedDB of two snapshots and reports added, removed
and modified entries. Entries whose names look like session or auth tokens are counted as
critical. Each argument is a snapshot file or a snapshot id in the database.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return runDiff(ctx, cmd, a, args[0], args[1], opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the structured diff as JSON")
	cmd.Flags().BoolVar(&opts.unified, "unified", false, "Also print a line diff of both snapshots")
	cmd.Flags().BoolVar(&opts.failOnDiff, "fail-on-diff", false, "Exit with an error when the snapshots are not equivalent")
	return cmd
}

func runDiff(ctx context.Context, cmd *cobra.Command, a *app, beforeRef, afterRef string, opts *diffOptions) error {
	before, err := a.loadSnapshot(ctx, beforeRef)
	if err != nil {
		return err
	}
	after, err := a.loadSnapshot(ctx, afterRef)
	if err != nil {
		return err
	}

	d := a.comparator.Compare(before, after)
	out := cmd.OutOrStdout()
	if opts.asJSON {
		err = printJSON(out, d)
	} else {
		err = writeDiffSummary(out, d)
	}
	if err != nil {
		return err
	}

	if opts.unified {
		text, err := unifiedSnapshotDiff(before, after)
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
	}

	if opts.failOnDiff && !d.Equivalent() {
		return fmt.Errorf("%w: %d differences, %d critical", errSnapshotsDiffer, d.TotalDifferences, d.CriticalDifferences)
	}
	return nil
}

// writeDiffSummary prints one line per changed field and domain.
func writeDiffSummary(w io.Writer, d *schemas.SnapshotDiff) error {
	var b strings.Builder
	fmt.Fprintf(&b, "identical: %t\n", d.Identical)
	fmt.Fprintf(&b, "differences: %d (critical: %d)\n", d.TotalDifferences, d.CriticalDifferences)
	if d.URL != nil {
		fmt.Fprintf(&b, "url: %s -> %s\n", d.URL.Before, d.URL.After)
	}
	if d.Title != nil {
		fmt.Fprintf(&b, "title: %q -> %q\n", d.Title.Before, d.Title.After)
	}

	domains := d.Domains()
	names := make([]string, 0, len(domains))
	for name := range domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dd := domains[name]
		if dd.Empty() {
			continue
		}
		fmt.Fprintf(&b, "%s: +%d -%d ~%d (critical: %d)\n", name, len(dd.Added), len(dd.Removed), len(dd.Modified), dd.Critical)
		for _, k := range dd.Added {
			fmt.Fprintf(&b, "  + %s\n", k)
		}
		for _, k := range dd.Removed {
			fmt.Fprintf(&b, "  - %s\n", k)
		}
		for _, m := range dd.Modified {
			fmt.Fprintf(&b, "  ~ %s\n", m.Key)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// stateView strips the fields that differ between any two captures of the same state.
func stateView(s *schemas.Snapshot) ([]byte, error) {
	view := *s
	view.ID = ""
	view.Timestamp = time.Time{}
	view.Metadata = schemas.SnapshotMetadata{}
	view.Screenshot = nil
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", s.ID, err)
	}
	return append(data, '\n'), nil
}

// unifiedSnapshotDiff renders a line diff of the state carried by two snapshots.
func unifiedSnapshotDiff(before, after *schemas.Snapshot) (string, error) {
	oldText, err := stateView(before)
	if err != nil {
		return "", err
	}
	newText, err := stateView(after)
	if err != nil {
		return "", err
	}
	if string(oldText) == string(newText) {
		return "", nil
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(oldText), string(newText))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n", before.ID, after.ID)
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
		}
	}
	return out.String(), nil
}
