package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
)

var (
	// ErrSessionEnded means the server closed the channel because the
	// session's pty went away. The tab should not be retried.
	ErrSessionEnded = errors.New("session ended")
	// ErrAttachFailed means the server could not attach to the session.
	ErrAttachFailed = channel.ErrAttachFailed
	// ErrDisconnected is a transport loss; the session may still be alive.
	ErrDisconnected = errors.New("disconnected")
	// ErrStreamClosed is returned after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// resizeMessage mirrors the server's text-frame control envelope.
type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Stream is one attachment channel as seen from the client.
type Stream interface {
	// Read returns the next chunk of raw terminal output.
	Read() ([]byte, error)
	Write(p []byte) error
	Resize(size channel.Size) error
	Close() error
}

// Dialer opens attachment channels.
type Dialer interface {
	Dial(ctx context.Context, name string, size channel.Size) (Stream, error)
}

// WSDialer opens attachment channels over /api/terminal.
type WSDialer struct {
	baseURL      string
	token        string
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	dialer       *websocket.Dialer
}

// NewWSDialer creates a dialer for the server at baseURL (http or ws scheme).
func NewWSDialer(baseURL, token string, cc config.ChannelConfig) *WSDialer {
	return &WSDialer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		writeTimeout: cc.WriteTimeout,
		pingInterval: cc.PingInterval,
		pongTimeout:  cc.PongTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// TerminalURL builds the attachment URL for name.
func (d *WSDialer) TerminalURL(name string, size channel.Size) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/terminal"
	q := url.Values{}
	q.Set("session", name)
	if !size.IsZero() {
		q.Set("cols", strconv.Itoa(int(size.Cols)))
		q.Set("rows", strconv.Itoa(int(size.Rows)))
	}
	if d.token != "" {
		q.Set("token", d.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, name string, size channel.Size) (Stream, error) {
	target, err := d.TerminalURL(name, size)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAttachFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	c := &Conn{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		done:         make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(d.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(d.pongTimeout))
		return nil
	})
	go c.pingLoop(d.pingInterval)
	return c, nil
}

// Conn is a WebSocket attachment channel.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex // serialises all conn writes (ping, data, resize, close)
	closeOnce sync.Once
	done      chan struct{}
}

// Read returns the next binary frame. A close from the server is mapped to
// ErrSessionEnded or ErrAttachFailed; anything else is ErrDisconnected.
func (c *Conn) Read() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrStreamClosed
			default:
			}
			return nil, classifyClose(err)
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) Write(p []byte) error {
	return c.write(websocket.BinaryMessage, p)
}

func (c *Conn) Resize(size channel.Size) error {
	if size.IsZero() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(resizeMessage{Type: "resize", Cols: size.Cols, Rows: size.Rows})
}

// Close sends a normal close frame and drops the connection. The session on
// the server keeps running.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

func (c *Conn) write(mt int, p []byte) error {
	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(mt, p)
}

// pingLoop sends periodic pings until the connection is closed or a write fails.
func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return ErrSessionEnded
		case websocket.CloseInternalServerErr:
			return ErrAttachFailed
		}
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
