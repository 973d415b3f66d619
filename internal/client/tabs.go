package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/tmux"
)

var (
	ErrUnknownTab = errors.New("no such tab")
	ErrTabNotOpen = errors.New("tab is not open")
	// ErrSessionGone marks a disconnected tab whose session no longer
	// appears in the directory.
	ErrSessionGone       = errors.New("session no longer listed")
	ErrMultiplexerClosed = errors.New("multiplexer closed")
)

type TabState int

const (
	TabConnecting TabState = iota
	TabOpen
	TabDisconnected
	TabClosed
)

func (s TabState) String() string {
	switch s {
	case TabConnecting:
		return "connecting"
	case TabOpen:
		return "open"
	case TabDisconnected:
		return "disconnected"
	case TabClosed:
		return "closed"
	}
	return "unknown"
}

// Tab is a snapshot of one tab. A snapshot in state TabClosed is the last
// one a tab produces: the tab has already left the sequence.
type Tab struct {
	Name    string
	State   TabState
	Size    channel.Size
	Err     error
	Retries int
}

// Handlers receive multiplexer events. They are called without the
// multiplexer lock held and may call back into it.
type Handlers struct {
	// Output delivers raw terminal output for a tab, in order.
	Output func(name string, data []byte)
	// Change is called after every tab state transition.
	Change func(tab Tab)
	// Notice is called when a session asks for attention.
	Notice func(name string)
}

type tab struct {
	name     string
	state    TabState
	size     channel.Size
	stream   Stream
	gen      uint64
	activate bool
	err      error
	retries  int
	timer    *time.Timer
	// cancel aborts the current generation's dial.
	cancel context.CancelFunc
}

func (t *tab) snapshot() Tab {
	return Tab{Name: t.name, State: t.state, Size: t.size, Err: t.err, Retries: t.retries}
}

// Multiplexer owns a client's ordered tabs, the active tab, and one
// attachment channel per live tab. All tab mutations happen under mu.
type Multiplexer struct {
	dialer   Dialer
	cfg      config.ClientConfig
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tabs   []*tab
	active string
	size   channel.Size
	gen    uint64
	live   int
	closed bool
}

func NewMultiplexer(dialer Dialer, cfg config.ClientConfig, handlers Handlers) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		dialer:   dialer,
		cfg:      cfg,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach opens a tab for name and makes it active once its channel is open.
// If the tab already exists it is only re-activated. A session that ended
// took its tab with it, so attaching again after a re-create dials afresh.
func (m *Multiplexer) Attach(name string) error {
	if err := tmux.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMultiplexerClosed
	}
	if t := m.find(name); t != nil {
		m.active = name
		m.mu.Unlock()
		return nil
	}
	t := &tab{name: name, size: m.size, activate: true}
	m.tabs = append(m.tabs, t)
	launch := m.startLocked(t)
	snap := t.snapshot()
	m.mu.Unlock()

	m.emit(snap)
	launch()
	return nil
}

// Detach closes the tab's channel and removes the tab. The session keeps
// running. If the tab was active, the previous tab becomes active, or none.
func (m *Multiplexer) Detach(name string) error {
	m.mu.Lock()
	t := m.find(name)
	if t == nil {
		m.mu.Unlock()
		return ErrUnknownTab
	}
	stream := m.removeLocked(t)
	snap := t.snapshot()
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	m.emit(snap)
	return nil
}

// SwitchActive changes which tab is active. It never opens or closes
// channels and reports false if there is no such tab.
func (m *Multiplexer) SwitchActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(name) == nil {
		return false
	}
	m.active = name
	return true
}

// Reconnect reopens the channel of a disconnected tab, keeping its position
// and recorded size. It is a no-op for a connecting or open tab.
func (m *Multiplexer) Reconnect(name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMultiplexerClosed
	}
	t := m.find(name)
	if t == nil {
		m.mu.Unlock()
		return ErrUnknownTab
	}
	if t.state == TabConnecting || t.state == TabOpen {
		m.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	launch := m.startLocked(t)
	snap := t.snapshot()
	m.mu.Unlock()

	m.emit(snap)
	launch()
	return nil
}

// Resize records size for the tab and forwards it to its channel if open.
// The size also becomes the default for tabs opened afterwards.
func (m *Multiplexer) Resize(name string, size channel.Size) error {
	if size.IsZero() {
		return nil
	}
	m.mu.Lock()
	m.size = size
	t := m.find(name)
	if t == nil {
		m.mu.Unlock()
		return ErrUnknownTab
	}
	t.size = size
	stream := t.stream
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Resize(size)
}

// SetSize sets the size new tabs are opened with.
func (m *Multiplexer) SetSize(size channel.Size) {
	if size.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = size
}

// Send writes raw input to the tab's channel.
func (m *Multiplexer) Send(name string, data []byte) error {
	m.mu.Lock()
	t := m.find(name)
	if t == nil {
		m.mu.Unlock()
		return ErrUnknownTab
	}
	stream := t.stream
	m.mu.Unlock()

	if stream == nil {
		return ErrTabNotOpen
	}
	return stream.Write(data)
}

// Notice delivers an attention notice for name. An existing tab is
// pre-selected; the Notice handler runs either way.
func (m *Multiplexer) Notice(name string) bool {
	m.mu.Lock()
	found := m.find(name) != nil
	if found {
		m.active = name
	}
	m.mu.Unlock()

	if m.handlers.Notice != nil {
		m.handlers.Notice(name)
	}
	return found
}

// Reconcile compares tabs against a successful directory listing. A
// disconnected tab whose session is no longer listed stops retrying and is
// removed. Open tabs are left to their channels.
func (m *Multiplexer) Reconcile(listing []session.Info) int {
	names := make(map[string]bool, len(listing))
	for _, info := range listing {
		names[info.Name] = true
	}

	m.mu.Lock()
	var gone []*tab
	for _, t := range m.tabs {
		if t.state == TabDisconnected && !names[t.name] {
			gone = append(gone, t)
		}
	}
	changed := make([]Tab, 0, len(gone))
	for _, t := range gone {
		m.removeLocked(t)
		t.err = ErrSessionGone
		changed = append(changed, t.snapshot())
	}
	m.mu.Unlock()

	for _, snap := range changed {
		m.emit(snap)
	}
	return len(changed)
}

func (m *Multiplexer) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		out = append(out, t.snapshot())
	}
	return out
}

func (m *Multiplexer) Tab(name string) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(name)
	if t == nil {
		return Tab{}, false
	}
	return t.snapshot(), true
}

// Active returns the active tab's session name, or "" when none is active.
func (m *Multiplexer) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LiveChannels returns the number of attachment channels currently held.
func (m *Multiplexer) LiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Close tears down every channel and pending dial. Tabs stay listed as
// closed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	var streams []Stream
	for _, t := range m.tabs {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.cancel = nil
		if s := m.releaseLocked(t); s != nil {
			streams = append(streams, s)
		}
		t.gen = 0
		t.state = TabClosed
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	m.wg.Wait()
}

func (m *Multiplexer) find(name string) *tab {
	if i := m.index(name); i >= 0 {
		return m.tabs[i]
	}
	return nil
}

func (m *Multiplexer) index(name string) int {
	for i, t := range m.tabs {
		if t.name == name {
			return i
		}
	}
	return -1
}

// startLocked moves t to Connecting under a fresh generation and returns
// the dial to launch once the lock is released and the transition emitted.
// Results from older generations are discarded.
func (m *Multiplexer) startLocked(t *tab) func() {
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.gen++
	t.gen = m.gen
	t.state = TabConnecting
	t.err = nil
	t.cancel = cancel
	m.wg.Add(1)
	name, gen, size := t.name, t.gen, t.size
	return func() { go m.connect(ctx, cancel, name, gen, size) }
}

// removeLocked takes t out of the sequence and tears down its timer, dial
// and channel. If t was active, the previous tab becomes active, or none.
// The returned stream must be closed outside the lock.
func (m *Multiplexer) removeLocked(t *tab) Stream {
	idx := -1
	for i, other := range m.tabs {
		if other == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen = 0
	t.state = TabClosed
	if m.active == t.name {
		m.active = ""
		if idx > 0 {
			m.active = m.tabs[idx-1].name
		}
	}
	return m.releaseLocked(t)
}

// releaseLocked detaches the tab's stream, returning it for closing outside
// the lock.
func (m *Multiplexer) releaseLocked(t *tab) Stream {
	s := t.stream
	if s != nil {
		t.stream = nil
		m.live--
	}
	return s
}

func (m *Multiplexer) connect(ctx context.Context, cancel context.CancelFunc, name string, gen uint64, size channel.Size) {
	defer m.wg.Done()

	// The context only bounds the handshake.
	stream, err := m.dialer.Dial(ctx, name, size)
	cancel()

	m.mu.Lock()
	t := m.find(name)
	if m.closed || t == nil || t.gen != gen {
		m.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		return
	}
	t.cancel = nil
	if err != nil {
		snap := m.downLocked(t, err)
		m.mu.Unlock()
		log.Printf("Attach %s failed: %v", name, err)
		m.emit(snap)
		return
	}
	t.stream = stream
	t.state = TabOpen
	t.retries = 0
	m.live++
	if t.activate {
		m.active = name
		t.activate = false
	}
	resized := t.size
	snap := t.snapshot()
	m.mu.Unlock()

	// The tab may have been resized while the dial was in flight.
	if resized != size && !resized.IsZero() {
		if err := stream.Resize(resized); err != nil {
			log.Printf("Resize %s: %v", name, err)
		}
	}
	m.emit(snap)
	m.readLoop(name, gen, stream)
}

func (m *Multiplexer) readLoop(name string, gen uint64, stream Stream) {
	for {
		data, err := stream.Read()
		if err != nil {
			m.streamEnded(name, gen, err)
			return
		}
		if m.handlers.Output != nil {
			m.handlers.Output(name, data)
		}
	}
}

func (m *Multiplexer) streamEnded(name string, gen uint64, err error) {
	m.mu.Lock()
	t := m.find(name)
	if t == nil || t.gen != gen || t.stream == nil {
		m.mu.Unlock()
		return
	}
	stream := m.releaseLocked(t)
	snap := m.downLocked(t, err)
	m.mu.Unlock()

	stream.Close()
	log.Printf("Tab %s: %v", name, err)
	m.emit(snap)
}

// downLocked records a channel loss. A session-side end or attach failure
// closes the tab and removes it; anything else leaves it disconnected and,
// with auto-reconnect on, schedules a retry with exponential backoff. The
// caller has already released the tab's stream.
func (m *Multiplexer) downLocked(t *tab, err error) Tab {
	t.err = err
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrAttachFailed) {
		m.removeLocked(t)
		return t.snapshot()
	}
	t.state = TabDisconnected
	if m.cfg.AutoReconnect && !m.closed {
		delay := m.backoff(t.retries)
		t.retries++
		name, gen := t.name, t.gen
		t.timer = time.AfterFunc(delay, func() { m.retry(name, gen) })
	}
	return t.snapshot()
}

func (m *Multiplexer) backoff(retries int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 0; i < retries && delay < m.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	return min(delay, m.cfg.ReconnectMaxDelay)
}

func (m *Multiplexer) retry(name string, gen uint64) {
	m.mu.Lock()
	t := m.find(name)
	if m.closed || t == nil || t.gen != gen || t.state != TabDisconnected {
		m.mu.Unlock()
		return
	}
	t.timer = nil
	launch := m.startLocked(t)
	snap := t.snapshot()
	m.mu.Unlock()

	m.emit(snap)
	launch()
}

func (m *Multiplexer) emit(tab Tab) {
	if m.handlers.Change != nil {
		m.handlers.Change(tab)
	}
}
