package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanichwdry/videoexpressai/internal/engine"
)

func newCleanupCmd(configPath *string) *cobra.Command {
	var days int
	var execute bool
	var asJSON bool
	var orphaned bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal jobs and their artifacts past the retention period",
		Long: `Lists SUCCEEDED, FAILED and CANCELED jobs created more than --days ago.
Nothing is deleted unless --execute is given.

With --orphaned, lists .mp4 files in the media output directory that no job
references instead. Orphans are only reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if orphaned && execute {
				return fmt.Errorf("--orphaned only reports; remove the files by hand")
			}
			if !orphaned && days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if orphaned {
				report, err := a.engine.FindOrphans(cmd.Context(), a.cfg.Media.OutputDir)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printOrphans(cmd.OutOrStdout(), report)
				return nil
			}

			report, err := a.engine.PurgeExpired(cmd.Context(), time.Duration(days)*24*time.Hour, execute)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "retention period in days")
	cmd.Flags().BoolVar(&execute, "execute", false, "delete instead of listing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&orphaned, "orphaned", false, "report output files no job references")
	return cmd
}

func printReport(w io.Writer, r engine.PurgeReport) {
	fmt.Fprintf(w, "cutoff: %s\n", r.Cutoff.Format(time.RFC3339))
	if len(r.Jobs) == 0 {
		fmt.Fprintln(w, "no expired jobs")
		return
	}
	for _, j := range r.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.JobID, j.Type, j.Status, j.CreatedAt)
	}
	if r.DryRun {
		fmt.Fprintf(w, "dry run: %d jobs would be deleted (use --execute)\n", len(r.Jobs))
		return
	}
	fmt.Fprintf(w, "deleted %d jobs, cleaned %d artifacts\n", r.Deleted, r.ArtifactsCleaned)
}

func printOrphans(w io.Writer, r engine.OrphanReport) {
	fmt.Fprintf(w, "dir: %s\n", r.Dir)
	if len(r.Files) == 0 {
		fmt.Fprintln(w, "no orphaned files")
		return
	}
	for _, f := range r.Files {
		fmt.Fprintf(w, "%s\t%.2f MB\n", f.Path, megabytes(f.Size))
	}
	fmt.Fprintf(w, "%d orphaned files, %.2f MB, not referenced by any job\n", len(r.Files), megabytes(r.TotalBytes))
}

func megabytes(n int64) float64 {
	return float64(n) / 1024 / 1024
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
