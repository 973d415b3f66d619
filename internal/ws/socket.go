package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
)

const maxMessageSize = 1 << 20

type socketOptions struct {
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	sendQueue    int
}

// socket adapts a WebSocket connection to channel.Socket. All writes go
// through writePump so the connection has a single writer.
type socket struct {
	conn *websocket.Conn
	opts socketOptions
	send chan []byte

	mu        sync.Mutex
	code      int
	text      string
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(conn *websocket.Conn, opts socketOptions) *socket {
	s := &socket{
		conn:    conn,
		opts:    opts,
		send:    make(chan []byte, opts.sendQueue),
		code:    websocket.CloseNormalClosure,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(opts.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.pongTimeout))
		return nil
	})
	go s.writePump()
	return s
}

// ReadMessage returns the next keystroke chunk or resize request. Text
// frames that are not valid control messages are dropped.
func (s *socket) ReadMessage() (channel.Message, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return channel.Message{}, err
		}
		switch kind {
		case websocket.BinaryMessage:
			return channel.Message{Kind: channel.Data, Data: data}, nil
		case websocket.TextMessage:
			var ctl ControlMessage
			if err := json.Unmarshal(data, &ctl); err != nil {
				log.Printf("ws: dropping malformed control message: %v", err)
				continue
			}
			switch ctl.Type {
			case MsgResize:
				return channel.Message{
					Kind: channel.Resize,
					Size: channel.Size{Cols: ctl.Cols, Rows: ctl.Rows},
				}, nil
			case MsgInput:
				return channel.Message{Kind: channel.Data, Data: []byte(ctl.Data)}, nil
			default:
				log.Printf("ws: dropping control message of type %q", ctl.Type)
			}
		}
	}
}

// WriteData queues p for the peer. It blocks while the queue is full so
// terminal output is never dropped.
func (s *socket) WriteData(p []byte) error {
	select {
	case <-s.closing:
		return channel.ErrClosed
	case <-s.done:
		return channel.ErrClosed
	default:
	}
	select {
	case s.send <- p:
		return nil
	case <-s.closing:
		return channel.ErrClosed
	case <-s.done:
		return channel.ErrClosed
	}
}

func (s *socket) Close(reason channel.CloseReason) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.code, s.text = closeFrame(reason)
		s.mu.Unlock()
		close(s.closing)
	})
	return nil
}

func (s *socket) writePump() {
	ticker := time.NewTicker(s.opts.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closing:
			s.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame.
func (s *socket) flush() {
	for drained := false; !drained; {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			drained = true
		}
	}
	s.mu.Lock()
	code, text := s.code, s.text
	s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(s.opts.writeTimeout))
}

func (s *socket) write(msg []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}
