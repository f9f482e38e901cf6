package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonoton/go-timeline"
	"github.com/jonoton/go-timeline/internal/logger"
	"github.com/jonoton/go-timeline/recorder"
	"github.com/jonoton/go-timeline/synchronizer"
)

var syncTolerance time.Duration

func init() {
	cmd := newSyncCmd()
	cmd.Flags().DurationVar(&syncTolerance, "tolerance", synchronizer.DefaultTolerance, "Synchronization tolerance")
	rootCmd.AddCommand(cmd)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <db> <run-id> <run-id>...",
		Short: "Synchronize the newest entries of several recorded runs",
		Long: `The sync command replays each run into its own timeline and matches
them on a common timestamp, as a synchronizer consumer would live.

Example:
  tlctl sync runs.db frames-run imu-run --tolerance 20ms`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args)
		},
	}
}

type syncResult struct {
	Timestamp      timeline.Timestamp            `json:"ts"`
	Matched        map[string]timeline.Timestamp `json:"matched"`
	Unsynchronized []string                      `json:"unsynchronized,omitempty"`
}

func runSync(cmd *cobra.Command, args []string) error {
	rec, err := recorder.Open(args[0], recorder.WithLogger(logger.L))
	if err != nil {
		return err
	}
	defer rec.Close()

	s := synchronizer.New(syncTolerance, synchronizer.WithLogger(logger.L))
	for _, runID := range args[1:] {
		tl := timeline.New(timeline.WithLogger(logger.L))
		defer tl.Close()
		if _, err := rec.Load(cmd.Context(), runID, tl); err != nil {
			return err
		}
		if err := s.AddSource(runID, tl, 0); err != nil {
			return err
		}
	}

	res, ok := s.Synchronize()
	if !ok {
		return fmt.Errorf("sync: no run holds data")
	}
	defer res.Release()

	out := syncResult{
		Timestamp:      res.Timestamp,
		Matched:        make(map[string]timeline.Timestamp, len(res.Objects)),
		Unsynchronized: res.Unsynchronized,
	}
	for name, o := range res.Objects {
		out.Matched[name] = o.Timestamp()
	}

	if jsonOut {
		return printJSON(out)
	}
	printInfo("synchronized at %.3f ms\n", float64(out.Timestamp))
	for _, runID := range args[1:] {
		if ts, ok := out.Matched[runID]; ok {
			printInfo("  %s: %.3f\n", runID, float64(ts))
		}
	}
	for _, runID := range out.Unsynchronized {
		printInfo("  %s: unsynchronized\n", runID)
	}
	return nil
}
