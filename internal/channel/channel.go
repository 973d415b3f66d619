// Package channel implements the attachment channel: a relay between one
// network peer and the pty feed of one multiplexer session.
//
// A Channel moves through Connecting -> Open -> Closed, or straight from
// Connecting to Closed when the feed cannot be opened. Bytes are relayed
// verbatim in both directions by two independent goroutines, so a pending
// read on one side never holds up forwarding on the other. Resize requests
// arrive as structured messages and never enter the data path.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAttachFailed wraps any failure to open the pty feed.
	ErrAttachFailed = errors.New("attach failed")
	// ErrClosed marks the expected end of a channel's life.
	ErrClosed = errors.New("channel closed")
)

// DisconnectedNotice is written to the peer when the session side goes away.
const DisconnectedNotice = "\r\n\x1b[33m[disconnected]\x1b[0m\r\n"

// AttachFailedNotice renders the one-line notice sent before closing a
// channel whose feed could not be opened.
func AttachFailedNotice(err error) string {
	reason := strings.TrimSpace(err.Error())
	reason = strings.ReplaceAll(reason, "\r", " ")
	reason = strings.ReplaceAll(reason, "\n", " ")
	return fmt.Sprintf("\r\n\x1b[31m[%s]\x1b[0m\r\n", reason)
}

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

var stateNames = map[State]string{
	Connecting: "connecting",
	Open:       "open",
	Closed:     "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s Size) IsZero() bool { return s.Cols == 0 || s.Rows == 0 }

type MessageKind int

const (
	// Data carries raw keystroke bytes.
	Data MessageKind = iota
	// Resize carries a new terminal size.
	Resize
)

// Message is one unit read from the peer. The transport decides the kind
// from its envelope, never from the payload bytes.
type Message struct {
	Kind MessageKind
	Data []byte
	Size Size
}

// CloseReason tells the transport why the channel is closing the socket.
type CloseReason int

const (
	ReasonPeerGone CloseReason = iota
	ReasonSessionEnded
	ReasonAttachFailed
	ReasonShutdown
)

// Socket is the network side of a channel.
type Socket interface {
	ReadMessage() (Message, error)
	WriteData(p []byte) error
	Close(reason CloseReason) error
}

// Feed is the byte stream to and from a session's active pane.
type Feed interface {
	io.ReadWriteCloser
	Resize(size Size) error
}

// Opener attaches to a named session and returns its pty feed.
type Opener interface {
	Open(ctx context.Context, name string, size Size) (Feed, error)
}

type Options struct {
	// CloseGrace bounds how long teardown waits for the other side to wind down.
	CloseGrace time.Duration
	// ReadBuffer is the size of the feed read buffer.
	ReadBuffer int
}

func (o Options) withDefaults() Options {
	if o.CloseGrace <= 0 {
		o.CloseGrace = 2 * time.Second
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = 32 * 1024
	}
	return o
}

type Channel struct {
	id     string
	name   string
	socket Socket
	opener Opener
	opts   Options

	state atomic.Int32

	mu   sync.Mutex
	size Size
	feed Feed

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	bytesIn  atomic.Int64 // socket -> feed
	bytesOut atomic.Int64 // feed -> socket
}

// New prepares a channel for session name. Nothing happens until Run.
func New(name string, socket Socket, opener Opener, size Size, opts Options) *Channel {
	return &Channel{
		id:      uuid.New().String()[:8],
		name:    name,
		socket:  socket,
		opener:  opener,
		opts:    opts.withDefaults(),
		size:    size,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Channel) ID() string          { return c.id }
func (c *Channel) SessionName() string { return c.name }
func (c *Channel) State() State        { return State(c.state.Load()) }

// Done is closed once Run has returned.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Size() Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// BytesIn and BytesOut count relayed payload bytes.
func (c *Channel) BytesIn() int64  { return c.bytesIn.Load() }
func (c *Channel) BytesOut() int64 { return c.bytesOut.Load() }

// Close cancels the relay's pending reads on both sides. Safe to call more
// than once and before Run.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Run opens the feed and relays until either side ends, ctx is cancelled or
// Close is called. A nil return means the channel ended normally. The channel
// never retries; reattaching is the caller's decision.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.state.Store(int32(Closed))

	openCtx, cancelOpen := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closing:
			cancelOpen()
		case <-openCtx.Done():
		}
	}()
	feed, err := c.opener.Open(openCtx, c.name, c.Size())
	cancelOpen()
	if err != nil {
		if !errors.Is(err, ErrAttachFailed) {
			err = fmt.Errorf("%w: %v", ErrAttachFailed, err)
		}
		log.Printf("channel %s: attach %q failed: %v", c.id, c.name, err)
		_ = c.socket.WriteData([]byte(AttachFailedNotice(err)))
		_ = c.socket.Close(ReasonAttachFailed)
		return err
	}

	select {
	case <-c.closing:
		feed.Close()
		c.socket.Close(ReasonShutdown)
		return nil
	default:
	}

	c.mu.Lock()
	c.feed = feed
	size := c.size
	c.mu.Unlock()

	if !size.IsZero() {
		if err := feed.Resize(size); err != nil {
			log.Printf("channel %s: initial resize %dx%d: %v", c.id, size.Cols, size.Rows, err)
		}
	}

	c.state.Store(int32(Open))
	log.Printf("channel %s: attached to %q (%dx%d)", c.id, c.name, size.Cols, size.Rows)

	socketDone := make(chan error, 1)
	feedDone := make(chan error, 1)
	go func() { socketDone <- c.pumpSocket(feed) }()
	go func() { feedDone <- c.pumpFeed(feed) }()

	var waitFor <-chan error
	select {
	case err := <-socketDone:
		// Peer went away: drop the attachment, the session keeps running.
		log.Printf("channel %s: peer closed: %v", c.id, err)
		feed.Close()
		c.socket.Close(ReasonPeerGone)
		waitFor = feedDone
	case err := <-feedDone:
		feed.Close()
		var pwe peerWriteError
		if errors.As(err, &pwe) {
			log.Printf("channel %s: peer write failed: %v", c.id, pwe.err)
			c.socket.Close(ReasonPeerGone)
		} else {
			log.Printf("channel %s: session %q ended: %v", c.id, c.name, err)
			_ = c.socket.WriteData([]byte(DisconnectedNotice))
			c.socket.Close(ReasonSessionEnded)
		}
		waitFor = socketDone
	case <-c.closing:
		feed.Close()
		c.socket.Close(ReasonShutdown)
		c.waitGrace(feedDone)
		waitFor = socketDone
	case <-ctx.Done():
		feed.Close()
		c.socket.Close(ReasonShutdown)
		c.waitGrace(feedDone)
		waitFor = socketDone
	}
	c.waitGrace(waitFor)

	log.Printf("channel %s: closed (in=%d out=%d bytes)", c.id, c.BytesIn(), c.BytesOut())
	return nil
}

func (c *Channel) waitGrace(ch <-chan error) {
	timer := time.NewTimer(c.opts.CloseGrace)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		log.Printf("channel %s: relay did not stop within %v", c.id, c.opts.CloseGrace)
	}
}

type peerWriteError struct{ err error }

func (e peerWriteError) Error() string { return e.err.Error() }
func (e peerWriteError) Unwrap() error { return e.err }

// pumpSocket forwards peer input to the feed in arrival order.
func (c *Channel) pumpSocket(feed Feed) error {
	for {
		msg, err := c.socket.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case Data:
			if len(msg.Data) == 0 {
				continue
			}
			if _, err := feed.Write(msg.Data); err != nil {
				return err
			}
			c.bytesIn.Add(int64(len(msg.Data)))
		case Resize:
			if msg.Size.IsZero() {
				continue
			}
			c.mu.Lock()
			c.size = msg.Size
			c.mu.Unlock()
			if err := feed.Resize(msg.Size); err != nil {
				log.Printf("channel %s: resize %dx%d: %v", c.id, msg.Size.Cols, msg.Size.Rows, err)
			}
		}
	}
}

// pumpFeed forwards pane output to the peer in production order.
func (c *Channel) pumpFeed(feed Feed) error {
	buf := make([]byte, c.opts.ReadBuffer)
	for {
		n, err := feed.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if werr := c.socket.WriteData(out); werr != nil {
				return peerWriteError{werr}
			}
			c.bytesOut.Add(int64(n))
		}
		if err != nil {
			return err
		}
	}
}
