package tmux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/session"
)

// listFormat is the field template passed to list-sessions. The path field
// may itself contain the separator, so parsing anchors on both ends.
const listFormat = "#{session_name}|#{session_windows}|#{session_attached}|#{session_created}|#{session_path}|#{session_activity}"

// Directory queries and mutates the multiplexer's session set. It keeps no
// state of its own between calls.
type Directory struct {
	runner      Runner
	binary      string
	timeout     time.Duration
	concurrency int
}

func NewDirectory(cfg config.TmuxConfig) *Directory {
	return NewDirectoryWithRunner(cfg, OSRunner{})
}

func NewDirectoryWithRunner(cfg config.TmuxConfig, runner Runner) *Directory {
	d := &Directory{
		runner:      runner,
		binary:      cfg.Binary,
		timeout:     cfg.CommandTimeout,
		concurrency: cfg.LookupConcurrency,
	}
	if d.binary == "" {
		d.binary = "tmux"
	}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Second
	}
	if d.concurrency <= 0 {
		d.concurrency = 1
	}
	return d
}

func (d *Directory) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.runner.Run(runCtx, d.binary, args...)
}

// List returns every session the multiplexer knows about. Any failure,
// including a hung or missing multiplexer, yields an empty listing.
func (d *Directory) List(ctx context.Context) []session.Session {
	sessions, err := d.ListSessions(ctx)
	if err != nil {
		log.Printf("tmux: %v", err)
		return []session.Session{}
	}
	return sessions
}

// ListSessions is List with the failure reported as ErrDirectoryUnavailable.
// A running multiplexer without sessions is not a failure.
func (d *Directory) ListSessions(ctx context.Context) ([]session.Session, error) {
	out, err := d.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		if isNoServer(err) {
			return []session.Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	sessions := parseSessions(string(out))
	d.refinePaths(ctx, sessions)
	return sessions, nil
}

// refinePaths replaces each session-level path with the active pane's
// current path. A failed lookup keeps the session-level path.
func (d *Directory) refinePaths(ctx context.Context, sessions []session.Session) {
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range sessions {
		i := i
		g.Go(func() error {
			out, err := d.run(ctx, "display-message", "-p", "-t", exactTarget(sessions[i].Name)+":", "#{pane_current_path}")
			if err != nil {
				return nil
			}
			if path := strings.TrimSpace(string(out)); path != "" {
				sessions[i].WorkingDir = path
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Create starts a detached session. The name is validated before anything
// is executed.
func (d *Directory) Create(ctx context.Context, name, workingDir string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return nil
}

func (d *Directory) Kill(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := d.run(ctx, "kill-session", "-t", exactTarget(name)); err != nil {
		return fmt.Errorf("%w: %v", ErrKillFailed, err)
	}
	return nil
}

// Has reports whether a session named exactly name exists.
func (d *Directory) Has(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := d.run(ctx, "has-session", "-t", exactTarget(name))
	return err
}

func isNoServer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stderr, "no server running") ||
		strings.Contains(cmdErr.Stderr, "error connecting to")
}

// parseSessions parses list-sessions output produced with listFormat.
// Malformed lines are skipped.
func parseSessions(output string) []session.Session {
	sessions := []session.Session{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 6 {
			continue
		}
		name := fields[0]
		if ValidateName(name) != nil {
			continue
		}
		windows, err := strconv.Atoi(fields[1])
		if err != nil || windows < 1 {
			continue
		}
		attached, _ := strconv.Atoi(fields[2])

		last := len(fields) - 1
		sessions = append(sessions, session.Session{
			Name:           name,
			Windows:        windows,
			Attached:       attached > 0,
			CreatedAt:      parseUnix(fields[3]),
			WorkingDir:     strings.Join(fields[4:last], "|"),
			LastActivityAt: parseUnix(fields[last]),
		})
	}
	return sessions
}

func parseUnix(field string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}
