package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/mock"
	"github.com/termbridge/termbridge/internal/ws"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startServer runs the real server over the in-memory multiplexer.
func startServer(t *testing.T) (*mock.Multiplexer, *httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Channel.CloseGrace = 200 * time.Millisecond
	mux := mock.NewMultiplexer()
	s := ws.NewServer(cfg, mux, mux)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return mux, ts, cfg
}

type fakeStream struct {
	name string
	out  chan []byte
	errc chan error
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	input bytes.Buffer
	sizes []channel.Size
}

func newFakeStream(name string) *fakeStream {
	return &fakeStream{
		name: name,
		out:  make(chan []byte, 16),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (s *fakeStream) Read() ([]byte, error) {
	select {
	case data := <-s.out:
		return data, nil
	case err := <-s.errc:
		return nil, err
	case <-s.done:
		return nil, ErrStreamClosed
	}
}

func (s *fakeStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.Write(p)
	return nil
}

func (s *fakeStream) Resize(size channel.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// fail ends the stream from the remote side with err.
func (s *fakeStream) fail(err error) { s.errc <- err }

type fakeDialer struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
	sizes   map[string][]channel.Size
	errs    map[string][]error
	held    map[string]int
	dials   int
	aborted int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		streams: make(map[string][]*fakeStream),
		sizes:   make(map[string][]channel.Size),
		errs:    make(map[string][]error),
		held:    make(map[string]int),
	}
}

// failNext makes the next dial for name return err.
func (d *fakeDialer) failNext(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[name] = append(d.errs[name], err)
}

// holdNext makes the next dial for name block until its context ends.
func (d *fakeDialer) holdNext(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[name]++
}

func (d *fakeDialer) Dial(ctx context.Context, name string, size channel.Size) (Stream, error) {
	d.mu.Lock()
	d.dials++
	d.sizes[name] = append(d.sizes[name], size)
	if d.held[name] > 0 {
		d.held[name]--
		d.mu.Unlock()
		<-ctx.Done()
		d.mu.Lock()
		d.aborted++
		d.mu.Unlock()
		return nil, ctx.Err()
	}
	defer d.mu.Unlock()
	if errs := d.errs[name]; len(errs) > 0 {
		d.errs[name] = errs[1:]
		return nil, errs[0]
	}
	s := newFakeStream(name)
	d.streams[name] = append(d.streams[name], s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) abortedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

func (d *fakeDialer) latest(name string) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	ss := d.streams[name]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

func (d *fakeDialer) streamCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[name])
}
