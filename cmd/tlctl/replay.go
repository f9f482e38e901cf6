package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonoton/go-timeline"
	"github.com/jonoton/go-timeline/internal/logger"
	"github.com/jonoton/go-timeline/recorder"
)

var (
	replayMaxSize   int
	replayAt        float64
	replayDirection string
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().IntVar(&replayMaxSize, "max-size", timeline.DefaultMaximumSize, "Timeline maximum size")
	cmd.Flags().Float64Var(&replayAt, "at", 0, "Query the entry closest to this timestamp (ms)")
	cmd.Flags().StringVar(&replayDirection, "direction", "both", "Query direction: both, past, future")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <db> <run-id>",
		Short: "Load a recorded run into a timeline and query it",
		Long: `The replay command pushes every snapshot of a run into a fresh timeline,
verifying each payload digest, and reports what the timeline retained.

Example:
  tlctl replay runs.db 4f0c...
  tlctl replay runs.db 4f0c... --at 1532.5 --direction past`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args)
		},
	}
}

type replayResult struct {
	RunID    string              `json:"run_id"`
	Loaded   int                 `json:"loaded"`
	Retained int                 `json:"retained"`
	Evicted  uint64              `json:"evicted"`
	Oldest   timeline.Timestamp  `json:"oldest"`
	Newest   timeline.Timestamp  `json:"newest"`
	Match    *recorder.Snapshot  `json:"match,omitempty"`
	Query    *timeline.Timestamp `json:"query,omitempty"`
}

func parseDirection(s string) (timeline.Direction, error) {
	switch strings.ToLower(s) {
	case "both":
		return timeline.Both, nil
	case "past":
		return timeline.Past, nil
	case "future":
		return timeline.Future, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	dir, err := parseDirection(replayDirection)
	if err != nil {
		return err
	}

	rec, err := recorder.Open(args[0], recorder.WithLogger(logger.L))
	if err != nil {
		return err
	}
	defer rec.Close()

	tl := timeline.New(timeline.WithMaximumSize(replayMaxSize), timeline.WithLogger(logger.L))
	defer tl.Close()

	n, err := rec.Load(cmd.Context(), args[1], tl)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("replay: run %q not found", args[1])
	}

	res := replayResult{RunID: args[1], Loaded: n}
	st := tl.Stats()
	res.Retained, res.Evicted = st.Len, st.Evicted
	res.Oldest, _ = tl.GetOldestTimestamp()
	res.Newest, _ = tl.GetNewerTimestamp()

	if cmd.Flags().Changed("at") {
		q := timeline.Timestamp(replayAt)
		res.Query = &q
		if o := tl.GetClosestObject(q, dir); o != nil {
			res.Match = describe(o)
			o.Release()
		}
	}

	if jsonOut {
		return printJSON(res)
	}
	printInfo("run %s: loaded %d, retained %d (%d evicted)\n", res.RunID, res.Loaded, res.Retained, res.Evicted)
	printInfo("  span: %.3f .. %.3f ms\n", float64(res.Oldest), float64(res.Newest))
	if res.Query != nil {
		if res.Match == nil {
			printInfo("  %s of %.3f: none\n", dir, replayAt)
		} else {
			printInfo("  %s of %.3f: %.3f (%s, %d bytes)\n", dir, replayAt, float64(res.Match.Timestamp), res.Match.Kind, res.Match.Size)
		}
	}
	return nil
}

func describe(o timeline.Object) *recorder.Snapshot {
	s := &recorder.Snapshot{
		Timestamp: o.Timestamp(),
		Kind:      recorder.KindBuffer,
		Size:      o.Size(),
		Digest:    fmt.Sprintf("%x", o.Digest()),
	}
	if g, ok := timeline.AsGeneric(o); ok {
		s.Kind = recorder.KindGeneric
		s.Mask = g.GetMask()
		s.Present = g.GetPresentElementNum()
		s.Layout = g.Layout()
	}
	return s
}
