// SPDX-License-Identifier: MIT

package crontab

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var foreignSeed = []string{
	`SHELL="/bin/bash"`,
	"30 1 * * 0 acme.sh --cron",
	"30 2 * 1,7 * trim_logs.sh",
}

func TestAddEntryPreservesForeignLines(t *testing.T) {
	runner := NewMemoryRunner(foreignSeed...)
	table := NewTable(runner)

	owned := "30 6 11 12 * tubctl run-job 'job-abc12345' # HOTTUB:job-abc12345:ON:ONCE"
	require.NoError(t, table.AddEntry(context.Background(), owned))

	got := runner.Lines()
	require.Len(t, got, 4)
	if diff := cmp.Diff(foreignSeed, got[:3]); diff != "" {
		t.Fatalf("foreign lines changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, owned, got[3])
}

func TestAddEntryRetriesTransientEmptyRead(t *testing.T) {
	// First list returns empty (transient failure), second succeeds. The
	// add must land on the real table, not wipe it down to one line.
	runner := NewMemoryRunner(foreignSeed...)
	runner.FailLists = 1
	table := NewTable(runner)

	require.NoError(t, table.AddEntry(context.Background(), "0 7 * * * x # HOTTUB:job-x:ON:ONCE"))
	assert.Len(t, runner.Lines(), 4)
}

func TestAddEntryGenuinelyEmptyTable(t *testing.T) {
	runner := NewMemoryRunner()
	table := NewTable(runner)

	require.NoError(t, table.AddEntry(context.Background(), "0 7 * * * x # HOTTUB:job-x:ON:ONCE"))
	assert.Len(t, runner.Lines(), 1)
}

func TestMutationAbortsAfterTwoEmptyReads(t *testing.T) {
	// crontab -l exiting clean with no output twice is indistinguishable from
	// a wiped table, so the mutation must not install anything.
	runner := NewMemoryRunner(foreignSeed...)
	runner.FailLists = 2
	table := NewTable(runner)

	err := table.AddEntry(context.Background(), "0 7 * * * x # HOTTUB:job-x:ON:ONCE")
	require.Error(t, err)
	assert.Zero(t, runner.Installs(), "no write may happen after a double empty read")
	assert.Equal(t, foreignSeed, runner.Lines(), "foreign entries must survive")
}

func TestMutationAbortsAfterTwoFailedReads(t *testing.T) {
	runner := NewMemoryRunner(foreignSeed...)
	runner.ErrLists = 2
	runner.ListErr = errors.New("crontab: transient failure")
	table := NewTable(runner)

	err := table.AddEntry(context.Background(), "0 7 * * * x # HOTTUB:job-x:ON:ONCE")
	require.Error(t, err)
	assert.Zero(t, runner.Installs(), "no write may happen after a double read failure")
}

func TestRemoveByPatternOnlyTouchesOwnedLines(t *testing.T) {
	seed := append(append([]string{}, foreignSeed...),
		"30 6 11 12 * runner.sh 'job-deadbeef' # HOTTUB:job-deadbeef:ON:ONCE",
		// Foreign line that happens to contain the jobId substring.
		"15 3 * * * backup.sh job-deadbeef-dump",
	)
	runner := NewMemoryRunner(seed...)
	table := NewTable(runner)

	removed, err := table.RemoveByPattern(context.Background(), "job-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got := runner.Lines()
	require.Len(t, got, 4)
	if diff := cmp.Diff(foreignSeed, got[:3]); diff != "" {
		t.Fatalf("foreign lines changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, "15 3 * * * backup.sh job-deadbeef-dump", got[3])
}

func TestRemoveByPatternNoMatchSkipsWrite(t *testing.T) {
	runner := NewMemoryRunner(foreignSeed...)
	table := NewTable(runner)

	removed, err := table.RemoveByPattern(context.Background(), "job-missing")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, runner.Installs())
}

func TestOwnedEntries(t *testing.T) {
	runner := NewMemoryRunner(
		"30 1 * * 0 acme.sh --cron",
		"0 6 * * * tubctl tick # HOTTUB:heat-target-aa:HEAT-TARGET:ONCE",
	)
	table := NewTable(runner)

	owned, err := table.OwnedEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Contains(t, owned[0], "HOTTUB:heat-target-aa")
}

func TestMarkerRoundTrip(t *testing.T) {
	m := Marker{JobID: "job-abc12345", Label: LabelOn, Scope: ScopeOnce}
	assert.Equal(t, "HOTTUB:job-abc12345:ON:ONCE", m.String())

	parsed, ok := ParseMarker("30 6 11 12 * runner.sh 'job-abc12345' # " + m.String())
	require.True(t, ok)
	assert.Equal(t, m, parsed)
}

func TestParseMarkerRejectsForeignLines(t *testing.T) {
	_, ok := ParseMarker("30 1 * * 0 acme.sh --cron")
	assert.False(t, ok)

	_, ok = ParseMarker("# HOTTUB:bad marker:ON:ONCE")
	assert.False(t, ok)
}
