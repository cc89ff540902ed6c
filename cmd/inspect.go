package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// snapshotSummary is the printable overview of a snapshot.
type snapshotSummary struct {
	ID              string         `json:"id"`
	Version         string         `json:"version"`
	Timestamp       time.Time      `json:"timestamp"`
	URL             string         `json:"url"`
	Title           string         `json:"title"`
	Checksum        string         `json:"checksum"`
	ChecksumValid   bool           `json:"checksum_valid"`
	Compressed      bool           `json:"compressed"`
	StateSize       int            `json:"state_size"`
	CaptureDuration time.Duration  `json:"capture_duration"`
	Counts          map[string]int `json:"counts"`
	Warnings        []string       `json:"warnings,omitempty"`
}

func summarizeSnapshot(s *schemas.Snapshot) snapshotSummary {
	sum := snapshotSummary{
		ID:              s.ID,
		Version:         s.Version,
		Timestamp:       s.Timestamp,
		URL:             s.PageInfo.URL,
		Title:           s.PageInfo.Title,
		Checksum:        s.Metadata.Checksum,
		ChecksumValid:   s.VerifyChecksum() == nil,
		Compressed:      s.Metadata.Compressed,
		StateSize:       s.Metadata.StateSize,
		CaptureDuration: s.Metadata.CaptureDuration,
		Counts: map[string]int{
			"cookies":         len(s.Cookies),
			"local_storage":   len(s.LocalStorage),
			"session_storage": len(s.SessionStorage),
			"indexed_db":      len(s.IndexedDB),
			"cache_storage":   len(s.CacheStorage),
			"service_workers": len(s.ServiceWorkers),
			"forms":           len(s.DOMState.Forms),
			"auth_hints":      len(s.AuthHints),
		},
		Warnings: s.Metadata.Warnings,
	}
	if err := s.Validate(); err != nil {
		sum.Warnings = append(sum.Warnings, err.Error())
	}
	return sum
}

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot-file|snapshot-id>",
		Short: "Print the metadata and domain counts of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				snap, err := a.loadSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				sum := summarizeSnapshot(snap)
				if asJSON {
					return printJSON(cmd.OutOrStdout(), sum)
				}
				return writeSummary(cmd.OutOrStdout(), sum)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

var summaryDomains = []string{
	"cookies", "local_storage", "session_storage", "indexed_db",
	"cache_storage", "service_workers", "forms", "auth_hints",
}

func writeSummary(w io.Writer, s snapshotSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id:        %s\n", s.ID)
	fmt.Fprintf(&b, "version:   %s\n", s.Version)
	fmt.Fprintf(&b, "captured:  %s (%s)\n", s.Timestamp.Format(time.RFC3339), s.CaptureDuration)
	fmt.Fprintf(&b, "url:       %s\n", s.URL)
	fmt.Fprintf(&b, "title:     %s\n", s.Title)
	fmt.Fprintf(&b, "checksum:  %s (valid: %t)\n", s.Checksum, s.ChecksumValid)
	fmt.Fprintf(&b, "size:      %d bytes (compressed: %t)\n", s.StateSize, s.Compressed)
	for _, d := range summaryDomains {
		fmt.Fprintf(&b, "  %-16s %d\n", d, s.Counts[d])
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
