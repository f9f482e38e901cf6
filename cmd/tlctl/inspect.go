package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonoton/go-timeline/internal/logger"
	"github.com/jonoton/go-timeline/recorder"
)

func init() {
	rootCmd.AddCommand(newInspectCmd())
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <db> [run-id]",
		Short: "List recorded runs or the snapshots of one run",
		Long: `The inspect command lists the runs stored in a recording database, or
with a run ID, every snapshot of that run.

Example:
  tlctl inspect runs.db
  tlctl inspect runs.db 4f0c... --json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args)
		},
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	rec, err := recorder.Open(args[0], recorder.WithLogger(logger.L))
	if err != nil {
		return err
	}
	defer rec.Close()

	if len(args) == 1 {
		runs, err := rec.Runs(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(runs)
		}
		for _, r := range runs {
			printInfo("%s  %6d snapshots  %.3f .. %.3f ms\n", r.ID, r.Count, float64(r.First), float64(r.Last))
		}
		return nil
	}

	snaps, err := rec.Snapshots(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return fmt.Errorf("inspect: run %q not found", args[1])
	}
	if jsonOut {
		return printJSON(snaps)
	}
	for _, s := range snaps {
		printInfo("%14.3f  %-7s  %6d bytes  %2d present  mask %#x  digest %s\n",
			float64(s.Timestamp), s.Kind, s.Size, s.Present, s.Mask, s.Digest)
	}
	return nil
}
