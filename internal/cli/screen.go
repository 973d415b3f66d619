package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/termbridge/termbridge/internal/client"
	"github.com/termbridge/termbridge/internal/theme"
)

const (
	scrollbackLimit = 64 * 1024
	clearScreen     = "\x1b[H\x1b[2J"
)

// screen writes the active tab's output to the terminal and keeps a tail of
// every tab's output so switching tabs can repaint.
type screen struct {
	mu    sync.Mutex
	out   io.Writer
	shown string
	tails map[string][]byte
	// note is repeated after the next repaint.
	note string
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out, tails: make(map[string][]byte)}
}

func (s *screen) output(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := append(s.tails[name], data...)
	if len(tail) > scrollbackLimit {
		tail = append([]byte(nil), tail[len(tail)-scrollbackLimit:]...)
	}
	s.tails[name] = tail
	if name == s.shown {
		s.out.Write(data)
	}
}

// show repaints with name's tail if it is not already the shown tab.
func (s *screen) show(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.shown {
		return
	}
	s.shown = name
	io.WriteString(s.out, clearScreen)
	if name == "" {
		io.WriteString(s.out, "[no active tab]\r\n")
	} else {
		s.out.Write(s.tails[name])
	}
	if s.note != "" {
		fmt.Fprintf(s.out, "\r\n%s\r\n", s.note)
		s.note = ""
	}
}

// notice prints a one-line message below the shown tab's output.
func (s *screen) notice(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\r\n%s\r\n", line)
}

func (s *screen) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tails, name)
}

// status prints a one-line status notice for a tab transition on the shown
// tab. A tab that closed on its own also leaves a note for the repaint that
// follows its removal.
func (s *screen) status(tab client.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tab.Name != s.shown {
		return
	}
	style := theme.StateStyle(tab.State.String())
	switch tab.State {
	case client.TabDisconnected:
		fmt.Fprintf(s.out, "\r\n%s %s\r\n",
			style.Render(fmt.Sprintf("[%s: connection lost]", tab.Name)),
			theme.Dimmed.Render("Ctrl-] r reconnects"))
	case client.TabClosed:
		if tab.Err == nil {
			return
		}
		s.note = style.Render(fmt.Sprintf("[%s: %s]", tab.Name, tab.Err)) + " " +
			theme.Dimmed.Render("Ctrl-] a attaches a listed session")
		fmt.Fprintf(s.out, "\r\n%s\r\n", s.note)
	}
}
