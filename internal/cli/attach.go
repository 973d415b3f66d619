package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/client"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/theme"
)

func newAttachCommand(opts *options) *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "attach NAME [NAME...]",
		Short: "Attach to one or more sessions as tabs",
		Long: `Attach to one or more sessions, each in its own tab. Keys go to the active
tab. Ctrl-] is the prefix key:

  Ctrl-] n / p     Next / previous tab
  Ctrl-] 1..9      Select tab by position
  Ctrl-] d         Detach the active tab (the session keeps running)
  Ctrl-] r         Reconnect the active tab
  Ctrl-] c         Create a new session and attach it
  Ctrl-] k         Kill the active tab's session
  Ctrl-] a         Attach the next listed session without a tab
  Ctrl-] s         Show directory status
  Ctrl-] q         Detach everything and quit
  Ctrl-] Ctrl-]    Send a literal Ctrl-]`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, url, token, err := opts.resolve()
			if err != nil {
				return err
			}

			stdinFd := int(os.Stdin.Fd())
			if !term.IsTerminal(stdinFd) {
				return errors.New("attach needs a terminal on stdin")
			}

			// Log lines would land on top of the attached screen.
			restoreLog, err := redirectLog(logFile)
			if err != nil {
				return err
			}
			defer restoreLog()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			w := newWorkspace(ctx, cfg, url, token, os.Stdout)
			defer w.tabs.Close()
			go w.poller.Run(ctx)

			if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				w.tabs.SetSize(channel.Size{Cols: uint16(cols), Rows: uint16(rows)})
			}
			for _, name := range args {
				if err := w.tabs.Attach(name); err != nil {
					return err
				}
			}

			oldState, err := term.MakeRaw(stdinFd)
			if err != nil {
				return err
			}
			defer term.Restore(stdinFd, oldState)

			stopResize := watchResize(func() {
				cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
				if err != nil {
					return
				}
				size := channel.Size{Cols: uint16(cols), Rows: uint16(rows)}
				for _, tab := range w.tabs.Tabs() {
					w.tabs.Resize(tab.Name, size)
				}
			})
			defer stopResize()

			w.run(os.Stdin)
			return nil
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "Append client logs to this file while attached (default: discard)")
	return cmd
}

// redirectLog sends the standard logger to path, or discards it when path
// is empty. The returned func restores the previous writer.
func redirectLog(path string) (func(), error) {
	prev := log.Writer()
	if path == "" {
		log.SetOutput(io.Discard)
		return func() { log.SetOutput(prev) }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(prev)
		f.Close()
	}, nil
}

// directory is the part of the session directory the attach loop drives.
type directory interface {
	client.Lister
	Create(ctx context.Context, name, workingDir string) error
	Kill(ctx context.Context, name string) error
}

// workspace is one attach run: the tabs, the terminal they draw on, and the
// directory they are opened from.
type workspace struct {
	ctx    context.Context
	tabs   *client.Multiplexer
	scr    *screen
	dir    directory
	poller *client.Poller
}

func newWorkspace(ctx context.Context, cfg *config.Config, url, token string, out io.Writer) *workspace {
	w := &workspace{
		ctx: ctx,
		scr: newScreen(out),
		dir: client.NewHTTPDirectory(url, token),
	}
	w.tabs = client.NewMultiplexer(client.NewWSDialer(url, token, cfg.Channel), cfg.Client, client.Handlers{
		Output: w.scr.output,
		Change: w.changed,
	})
	w.poller = client.NewPoller(w.dir, cfg.Client, func(infos []session.Info) {
		w.tabs.Reconcile(infos)
	})
	return w
}

// changed keeps the screen on the active tab. When a tab goes away and
// leaves nothing active, the first remaining tab takes over.
func (w *workspace) changed(tab client.Tab) {
	w.scr.status(tab)
	if tab.State == client.TabClosed {
		w.scr.forget(tab.Name)
		if w.tabs.Active() == "" {
			if rest := w.tabs.Tabs(); len(rest) > 0 {
				w.tabs.SwitchActive(rest[0].Name)
			}
		}
	}
	w.scr.show(w.tabs.Active())
}

// run forwards in to the active tab and executes prefix commands until
// quit, in closes, or the last tab is detached.
func (w *workspace) run(in io.Reader) {
	keys := &keyReader{}
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			for _, seg := range keys.feed(buf[:n]) {
				if seg.input != nil {
					if active := w.tabs.Active(); active != "" {
						if err := w.tabs.Send(active, seg.input); err != nil && !errors.Is(err, client.ErrTabNotOpen) {
							log.Printf("send to %s: %v", active, err)
						}
					}
					continue
				}
				if !w.apply(seg.cmd) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// apply executes one prefix command. It returns false when the attach loop
// should end.
func (w *workspace) apply(cmd command) bool {
	names := make([]string, 0)
	for _, tab := range w.tabs.Tabs() {
		names = append(names, tab.Name)
	}
	active := w.tabs.Active()

	switch cmd.action {
	case actionNext:
		w.tabs.SwitchActive(cycle(names, active, 1))
	case actionPrev:
		w.tabs.SwitchActive(cycle(names, active, -1))
	case actionSelect:
		if cmd.index < len(names) {
			w.tabs.SwitchActive(names[cmd.index])
		}
	case actionDetach:
		if active == "" {
			break
		}
		w.tabs.Detach(active)
		if len(w.tabs.Tabs()) == 0 {
			return false
		}
	case actionReconnect:
		if active != "" {
			w.tabs.Reconnect(active)
		}
	case actionCreate:
		w.create(names)
	case actionKill:
		if active == "" {
			break
		}
		if err := w.dir.Kill(w.ctx, active); err != nil {
			w.scr.notice(theme.StateStyle("closed").Render(fmt.Sprintf("[kill %s: %v]", active, err)))
		}
		w.poller.Refresh()
	case actionAttachNext:
		w.attachNext(names)
	case actionStatus:
		w.scr.notice(w.directoryStatus())
	case actionQuit:
		return false
	}
	w.scr.show(w.tabs.Active())
	return true
}

// create starts a session under the first free generated name and attaches
// it.
func (w *workspace) create(open []string) {
	taken := w.poller.Store().Names()
	for _, name := range open {
		taken[name] = true
	}
	name := freeName(taken)
	if err := w.dir.Create(w.ctx, name, ""); err != nil {
		w.scr.notice(theme.StateStyle("closed").Render(fmt.Sprintf("[create %s: %v]", name, err)))
		return
	}
	w.poller.Refresh()
	if err := w.tabs.Attach(name); err != nil {
		log.Printf("attach %s: %v", name, err)
	}
}

// attachNext opens the first session in the last listing that has no tab.
func (w *workspace) attachNext(open []string) {
	has := make(map[string]bool, len(open))
	for _, name := range open {
		has[name] = true
	}
	for _, info := range w.poller.Store().GetAll() {
		if has[info.Name] {
			continue
		}
		if err := w.tabs.Attach(info.Name); err != nil {
			log.Printf("attach %s: %v", info.Name, err)
		}
		return
	}
	w.scr.notice(theme.Dimmed.Render("[every listed session already has a tab]"))
}

// directoryStatus summarizes the poller and the active tab's listing.
func (w *workspace) directoryStatus() string {
	health, failures, lastErr := w.poller.Health()
	store := w.poller.Store()

	line := theme.HealthStyle(string(health)).Render(fmt.Sprintf("[directory %s]", health))
	line += fmt.Sprintf(" %d sessions", store.Len())
	if at := store.UpdatedAt(); !at.IsZero() {
		line += ", listed " + session.RelativeTime(time.Now(), at)
	}
	if failures > 0 {
		line += fmt.Sprintf(", %d failed polls: %s", failures, lastErr)
	}
	if info, ok := store.Get(w.tabs.Active()); ok && info.WorkingDir != "" {
		line += theme.Dimmed.Render(fmt.Sprintf(" | %s in %s", info.Name, info.WorkingDir))
	}
	return line
}

// freeName returns the first of s1, s2, ... not in taken.
func freeName(taken map[string]bool) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("s%d", i)
		if !taken[name] {
			return name
		}
	}
}
