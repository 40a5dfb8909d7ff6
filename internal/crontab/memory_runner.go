// SPDX-License-Identifier: MIT

package crontab

import (
	"context"
	"strings"
	"sync"
)

// MemoryRunner is an in-memory crontab used by tests across packages. List
// failures are scriptable to reproduce the transient-read wipe scenario.
type MemoryRunner struct {
	mu       sync.Mutex
	content  string
	installs int
	// FailLists makes the next n List calls return an empty table, mimicking
	// a transient crontab -l failure that produces no output.
	FailLists int
	// ErrLists makes the next n List calls return ListErr.
	ErrLists int
	ListErr  error
}

// NewMemoryRunner seeds a runner with the given lines.
func NewMemoryRunner(lines ...string) *MemoryRunner {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return &MemoryRunner{content: content}
}

// List implements Runner. An empty table reports ErrNoTable like the real
// crontab does; a scripted FailLists read returns empty output with no error,
// which is the ambiguous shape a transient failure produces.
func (m *MemoryRunner) List(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrLists > 0 {
		m.ErrLists--
		return "", m.ListErr
	}
	if m.FailLists > 0 {
		m.FailLists--
		return "", nil
	}
	if m.content == "" {
		return "", ErrNoTable
	}
	return m.content, nil
}

// Install implements Runner.
func (m *MemoryRunner) Install(ctx context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs++
	m.content = content
	return nil
}

// Lines returns the current table split into lines.
func (m *MemoryRunner) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return splitLines(m.content)
}

// Installs returns how many times the table was written.
func (m *MemoryRunner) Installs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs
}
