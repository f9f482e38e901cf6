package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/jonoton/go-timeline/internal/sim"
	"github.com/jonoton/go-timeline/recorder"
	"github.com/jonoton/go-timeline/synchronizer"
)

func simulateRun(t *testing.T, db, runID string) sim.Report {
	t.Helper()
	out, err := runCLI(t, "simulate",
		"--iterations", "100",
		"--readers", "2",
		"--max-size", "10",
		"--record", db,
		"--run-id", runID,
		"--json=true")
	require.NoError(t, err)

	var rep sim.Report
	require.NoError(t, sonnet.Unmarshal([]byte(out), &rep))
	return rep
}

func TestSimulateInspectReplay(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")

	rep := simulateRun(t, db, "first")
	assert.Equal(t, "first", rep.RunID)
	assert.Equal(t, uint64(100), rep.Pushed)
	assert.Zero(t, rep.Violations)
	assert.Equal(t, uint64(100), rep.Recorded+rep.Missed)

	out, err := runCLI(t, "inspect", db, "--json=true")
	require.NoError(t, err)
	var runs []recorder.Run
	require.NoError(t, sonnet.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "first", runs[0].ID)
	assert.Equal(t, int(rep.Recorded), runs[0].Count)

	out, err = runCLI(t, "inspect", db, "first", "--json=false", "--quiet=false")
	require.NoError(t, err)
	assert.Contains(t, out, "generic")

	out, err = runCLI(t, "replay", db, "first", "--max-size", "5", "--json=false", "--quiet=false")
	require.NoError(t, err)
	assert.Contains(t, out, "run first: loaded")

	_, err = runCLI(t, "replay", db, "missing", "--json=false")
	require.Error(t, err)
	_, err = runCLI(t, "inspect", db, "missing", "--json=false")
	require.Error(t, err)
}

func TestSync(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	simulateRun(t, db, "frames")
	simulateRun(t, db, "imu")

	out, err := runCLI(t, "sync", db, "frames", "imu", "--tolerance", "1h", "--json=false", "--quiet=false")
	require.NoError(t, err)
	assert.Contains(t, out, "synchronized at")
	assert.Contains(t, out, "frames:")
	assert.Contains(t, out, "imu:")

	_, err = runCLI(t, "sync", db, "frames", "frames", "--json=false")
	require.ErrorIs(t, err, synchronizer.ErrDuplicateSource)
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tlctl dev")
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"both", "PAST", "future"} {
		_, err := parseDirection(s)
		require.NoError(t, err, s)
	}
	_, err := parseDirection("sideways")
	require.Error(t, err)
}
