// SPDX-License-Identifier: MIT

package crontab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	xlog "github.com/poolhouse/tubd/internal/log"
)

// Table is the periodic-task adapter: list, append, and remove-by-substring
// over the host table. Every mutation re-reads the full table immediately
// before writing, with one retry on an empty or failed read, so a transient
// read failure can never wipe foreign entries.
type Table struct {
	runner Runner
}

// NewTable wraps a runner.
func NewTable(runner Runner) *Table {
	return &Table{runner: runner}
}

func splitLines(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	raw := strings.Split(strings.TrimRight(content, "\n"), "\n")
	lines := make([]string, 0, len(raw))
	lines = append(lines, raw...)
	return lines
}

// Entries returns the current table, one line per entry. An absent table is
// simply empty here.
func (t *Table) Entries(ctx context.Context) ([]string, error) {
	lines, _, err := t.read(ctx)
	return lines, err
}

// read returns the table lines plus whether an empty result is definitive:
// ErrNoTable means the host has no crontab at all, while empty output with no
// error may be a transient failure.
func (t *Table) read(ctx context.Context) (lines []string, definitive bool, err error) {
	content, err := t.runner.List(ctx)
	if errors.Is(err, ErrNoTable) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return splitLines(content), false, nil
}

// entriesForWrite reads the table for a read-modify-write cycle. An empty or
// failed first read is retried once; a second failure aborts the mutation,
// and so does a second empty read unless the runner reports the table as
// definitively absent. Proceeding on an ambiguous empty read would wipe every
// foreign entry on the next install.
func (t *Table) entriesForWrite(ctx context.Context) ([]string, error) {
	lines, definitive, err := t.read(ctx)
	if err == nil && (len(lines) > 0 || definitive) {
		return lines, nil
	}
	logger := xlog.WithComponentFromContext(ctx, "crontab")
	logger.Warn().Err(err).
		Str(xlog.FieldEvent, "table.read_retry").
		Msg("suspect crontab read, retrying once")

	lines, definitive, retryErr := t.read(ctx)
	if retryErr != nil {
		return nil, fmt.Errorf("crontab read failed twice: %w", retryErr)
	}
	if len(lines) == 0 && !definitive {
		return nil, fmt.Errorf("crontab read empty twice, refusing to overwrite the table")
	}
	return lines, nil
}

func (t *Table) install(ctx context.Context, lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return t.runner.Install(ctx, content)
}

// AddEntry appends one line, preserving everything already present.
func (t *Table) AddEntry(ctx context.Context, line string) error {
	lines, err := t.entriesForWrite(ctx)
	if err != nil {
		return err
	}
	return t.install(ctx, append(lines, line))
}

// RemoveByPattern removes every owned line containing substr and returns the
// number removed. Lines without the HOTTUB marker are never touched.
func (t *Table) RemoveByPattern(ctx context.Context, substr string) (int, error) {
	lines, err := t.entriesForWrite(ctx)
	if err != nil {
		return 0, err
	}

	kept := make([]string, 0, len(lines))
	removed := 0
	for _, line := range lines {
		if strings.Contains(line, MarkerTag) && strings.Contains(line, substr) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := t.install(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// OwnedEntries returns only lines carrying the HOTTUB marker.
func (t *Table) OwnedEntries(ctx context.Context) ([]string, error) {
	lines, err := t.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var owned []string
	for _, line := range lines {
		if strings.Contains(line, MarkerTag) {
			owned = append(owned, line)
		}
	}
	return owned, nil
}
