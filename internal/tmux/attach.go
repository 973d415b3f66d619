package tmux

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
)

var defaultSize = channel.Size{Cols: 80, Rows: 24}

// Attacher opens pty feeds by running the multiplexer's attach client under
// a pseudo-terminal. Closing the feed detaches that client only; the session
// keeps running.
type Attacher struct {
	dir   *Directory
	term  string
	grace time.Duration
}

func NewAttacher(dir *Directory, cfg config.TmuxConfig, grace time.Duration) *Attacher {
	term := cfg.Term
	if term == "" {
		term = "xterm-256color"
	}
	return &Attacher{dir: dir, term: term, grace: grace}
}

// Open attaches optimistically: there is no listing check, only a quick
// existence check so a vanished session surfaces as ErrAttachFailed with
// the multiplexer's own message.
func (a *Attacher) Open(ctx context.Context, name string, size channel.Size) (channel.Feed, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}
	if err := a.dir.Has(ctx, name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	if size.IsZero() {
		size = defaultSize
	}

	cmd := exec.Command(a.dir.binary, "attach-session", "-t", exactTarget(name))
	cmd.Env = append(os.Environ(), "TERM="+a.term)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	f := &ptyFeed{
		name:   name,
		ptmx:   ptmx,
		cmd:    cmd,
		grace:  a.grace,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(f.exited)
	}()
	return f, nil
}

type ptyFeed struct {
	name   string
	ptmx   *os.File
	cmd    *exec.Cmd
	grace  time.Duration
	exited chan struct{}
	once   sync.Once
}

func (f *ptyFeed) Read(p []byte) (int, error)  { return f.ptmx.Read(p) }
func (f *ptyFeed) Write(p []byte) (int, error) { return f.ptmx.Write(p) }

func (f *ptyFeed) Resize(size channel.Size) error {
	return pty.Setsize(f.ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

// Close hangs up the pty. The attach client normally exits on SIGHUP; one
// that is still around after the grace period is killed.
func (f *ptyFeed) Close() error {
	var err error
	f.once.Do(func() {
		err = f.ptmx.Close()
		go f.reap()
	})
	return err
}

func (f *ptyFeed) reap() {
	timer := time.NewTimer(f.grace)
	defer timer.Stop()
	select {
	case <-f.exited:
		return
	case <-timer.C:
	}

	if f.cmd.Process == nil {
		return
	}
	proc, err := process.NewProcess(int32(f.cmd.Process.Pid))
	if err != nil {
		return
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return
	}
	log.Printf("tmux: attach client for %q (pid %d) outlived hangup, killing", f.name, proc.Pid)
	if err := proc.Kill(); err != nil {
		log.Printf("tmux: kill attach client pid %d: %v", proc.Pid, err)
	}
}
