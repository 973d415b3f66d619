// Package mock provides an in-memory stand-in for the terminal multiplexer.
// It backs the server's --mock mode and the transport tests: sessions live
// in a map, and every attachment gets an echoing pty feed.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/tmux"
)

type mockSession struct {
	state session.Session
	feeds map[*EchoFeed]bool
}

type Multiplexer struct {
	mu       sync.Mutex
	sessions map[string]*mockSession
	order    []string
	now      func() time.Time

	listCalls int
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		sessions: make(map[string]*mockSession),
		now:      time.Now,
	}
}

// Seed creates a set of sessions for demo mode.
func (m *Multiplexer) Seed() {
	for _, s := range []struct{ name, dir string }{
		{"main", "/home/user"},
		{"dev", "/home/user/myproject"},
		{"logs", "/var/log"},
	} {
		_ = m.Create(context.Background(), s.name, s.dir)
	}
}

func (m *Multiplexer) List(_ context.Context) []session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := make([]session.Session, 0, len(m.order))
	for _, name := range m.order {
		ms := m.sessions[name]
		st := ms.state
		st.Attached = len(ms.feeds) > 0
		out = append(out, st)
	}
	return out
}

// ListCalls counts List invocations.
func (m *Multiplexer) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

func (m *Multiplexer) Create(_ context.Context, name, workingDir string) error {
	if err := tmux.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; ok {
		return fmt.Errorf("%w: duplicate session: %s", tmux.ErrCreateFailed, name)
	}
	if workingDir == "" {
		workingDir = "/"
	}
	now := m.now()
	m.sessions[name] = &mockSession{
		state: session.Session{
			Name:           name,
			Windows:        1,
			CreatedAt:      now,
			LastActivityAt: now,
			WorkingDir:     workingDir,
		},
		feeds: make(map[*EchoFeed]bool),
	}
	m.order = append(m.order, name)
	return nil
}

// Kill removes the session and ends every feed attached to it, the way a
// killed multiplexer session drops its attach clients.
func (m *Multiplexer) Kill(_ context.Context, name string) error {
	if err := tmux.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	ms, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: can't find session: %s", tmux.ErrKillFailed, name)
	}
	delete(m.sessions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	feeds := make([]*EchoFeed, 0, len(ms.feeds))
	for f := range ms.feeds {
		feeds = append(feeds, f)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.end()
	}
	return nil
}

func (m *Multiplexer) Open(_ context.Context, name string, size channel.Size) (channel.Feed, error) {
	if err := tmux.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", tmux.ErrAttachFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: can't find session: %s", tmux.ErrAttachFailed, name)
	}
	f := newEchoFeed(m, name, size)
	ms.feeds[f] = true
	ms.state.LastActivityAt = m.now()
	return f, nil
}

// Feeds returns the live feeds attached to name.
func (m *Multiplexer) Feeds(name string) []*EchoFeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[name]
	if !ok {
		return nil
	}
	out := make([]*EchoFeed, 0, len(ms.feeds))
	for f := range ms.feeds {
		out = append(out, f)
	}
	return out
}

func (m *Multiplexer) detach(name string, f *EchoFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[name]; ok {
		delete(ms.feeds, f)
	}
}

func (m *Multiplexer) touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[name]; ok {
		ms.state.LastActivityAt = m.now()
	}
}

// EchoFeed is a pty feed that echoes its input back as output.
type EchoFeed struct {
	m    *Multiplexer
	name string
	r    *io.PipeReader
	w    *io.PipeWriter

	mu    sync.Mutex
	input bytes.Buffer
	sizes []channel.Size
	once  sync.Once
}

func newEchoFeed(m *Multiplexer, name string, size channel.Size) *EchoFeed {
	r, w := io.Pipe()
	f := &EchoFeed{m: m, name: name, r: r, w: w}
	if !size.IsZero() {
		f.sizes = append(f.sizes, size)
	}
	go w.Write([]byte(fmt.Sprintf("mock:%s$ ", name)))
	return f
}

func (f *EchoFeed) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *EchoFeed) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.input.Write(p)
	f.mu.Unlock()
	f.m.touch(f.name)
	if _, err := f.w.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *EchoFeed) Resize(size channel.Size) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, size)
	return nil
}

// Close detaches this feed; the session stays.
func (f *EchoFeed) Close() error {
	f.end()
	f.m.detach(f.name, f)
	return nil
}

func (f *EchoFeed) end() {
	f.once.Do(func() {
		f.w.Close()
		f.r.Close()
	})
}

// Input returns every byte written to the feed so far.
func (f *EchoFeed) Input() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.input.Bytes()...)
}

// Size returns the most recent size applied to the feed.
func (f *EchoFeed) Size() channel.Size {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sizes) == 0 {
		return channel.Size{}
	}
	return f.sizes[len(f.sizes)-1]
}
