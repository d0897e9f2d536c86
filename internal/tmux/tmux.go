// Package tmux is the read-only adapter surfacing pre-existing tmux
// sessions. The core merges these into listings and can bridge a viewer
// onto one via an attach PTY, but never owns their lifecycle.
package tmux

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/user/terminalsync/internal/hub"
)

// commandTimeout bounds every tmux invocation. A timeout means "no tmux
// available", never a fatal error.
const commandTimeout = 3 * time.Second

// DefaultScrollbackLines is how much history CaptureScrollback requests
// when the config does not say otherwise.
const DefaultScrollbackLines = 1000

// Provider shells out to the tmux binary. The zero value is not usable;
// call NewProvider.
type Provider struct {
	scrollbackLines int
	logger          *slog.Logger
}

// NewProvider returns a Provider that captures scrollbackLines of
// history on attach.
func NewProvider(scrollbackLines int, logger *slog.Logger) *Provider {
	if scrollbackLines <= 0 {
		scrollbackLines = DefaultScrollbackLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{scrollbackLines: scrollbackLines, logger: logger}
}

// List returns the names of existing tmux sessions. A missing binary,
// a stopped server, or a timeout yields an empty listing and no error.
func (p *Provider) List(ctx context.Context) ([]hub.TmuxSession, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", "list-sessions",
		"-F", "#{session_name}\t#{session_attached}").Output()
	if err != nil {
		if benignListError(ctx, err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []hub.TmuxSession
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, attachedStr, _ := strings.Cut(line, "\t")
		attached, _ := strconv.Atoi(attachedStr)
		sessions = append(sessions, hub.TmuxSession{Name: name, Attached: attached})
	}
	return sessions, nil
}

// Has reports whether the named tmux session exists.
func (p *Provider) Has(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}

// CaptureScrollback returns recent pane content of the named session,
// escape sequences included, so a joining viewer gets context before
// the live stream starts.
func (p *Provider) CaptureScrollback(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", "capture-pane",
		"-t", name, "-p", "-e",
		"-S", "-"+strconv.Itoa(p.scrollbackLines)).Output()
	if err != nil {
		p.logger.Debug("tmux capture-pane failed", "session", name, "err", err)
		return nil, err
	}
	return out, nil
}

// AttachArgv returns the command line that bridges a PTY onto the named
// tmux session.
func (p *Provider) AttachArgv(name string) []string {
	return []string{"tmux", "attach-session", "-t", name}
}

// benignListError classifies list-sessions failures that mean "nothing
// to list": binary missing, server not running (exit 1), or timeout.
func benignListError(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true
	}
	return false
}
