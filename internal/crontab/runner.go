// SPDX-License-Identifier: MIT

// Package crontab manages the host's periodic-task table. It owns only lines
// carrying the HOTTUB marker; everything else is preserved byte-identical
// across every write.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNoTable reports that the host has no crontab installed at all. Unlike a
// bare empty read, it is definitive: mutations may proceed from a blank table.
var ErrNoTable = errors.New("no crontab installed")

// Runner is the low-level transport to the host's crontab.
type Runner interface {
	// List returns the raw crontab content. An absent crontab is
	// ("", ErrNoTable); empty output with no error is treated as a suspect
	// read by callers.
	List(ctx context.Context) (string, error)
	// Install replaces the whole crontab with content. Empty content removes
	// the table entirely, so a later List is definitive again.
	Install(ctx context.Context, content string) error
}

// SystemRunner shells out to the crontab(1) binary.
type SystemRunner struct {
	// Timeout bounds each invocation of the external command.
	Timeout time.Duration
}

// NewSystemRunner returns a runner with a sane command timeout.
func NewSystemRunner() *SystemRunner {
	return &SystemRunner{Timeout: 10 * time.Second}
}

func (r *SystemRunner) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.Timeout)
}

// List runs `crontab -l`. "no crontab for <user>" maps to ErrNoTable.
func (r *SystemRunner) List(ctx context.Context) (string, error) {
	ctx, cancel := r.commandContext(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab for") {
			return "", ErrNoTable
		}
		return "", fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Install runs `crontab -` with content on stdin. Empty content runs
// `crontab -r` instead, so the table never lingers as an installed-but-empty
// file that List cannot tell apart from a failed read.
func (r *SystemRunner) Install(ctx context.Context, content string) error {
	ctx, cancel := r.commandContext(ctx)
	defer cancel()

	if content == "" {
		cmd := exec.CommandContext(ctx, "crontab", "-r")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil && !strings.Contains(stderr.String(), "no crontab for") {
			return fmt.Errorf("crontab -r: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab -: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
