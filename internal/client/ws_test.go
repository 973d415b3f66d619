package client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
)

func readUntil(t *testing.T, s Stream, want string) string {
	t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		data, err := s.Read()
		if err != nil {
			t.Fatalf("reading until %q: %v (got %q)", want, err, got.String())
		}
		got.Write(data)
	}
	return got.String()
}

func TestTerminalURL(t *testing.T) {
	cc := config.Default().Channel
	tests := []struct {
		base  string
		token string
		size  channel.Size
		want  string
	}{
		{"http://127.0.0.1:3000", "", channel.Size{}, "ws://127.0.0.1:3000/api/terminal?session=dev"},
		{"https://example.com/", "", channel.Size{Cols: 80, Rows: 24}, "wss://example.com/api/terminal?cols=80&rows=24&session=dev"},
		{"ws://h/prefix", "tok", channel.Size{}, "ws://h/prefix/api/terminal?session=dev&token=tok"},
	}
	for _, tt := range tests {
		got, err := NewWSDialer(tt.base, tt.token, cc).TerminalURL("dev", tt.size)
		if err != nil {
			t.Fatalf("TerminalURL(%s): %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("TerminalURL(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}

	if _, err := NewWSDialer("ftp://x", "", cc).TerminalURL("dev", channel.Size{}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestDialRelaysAndEnds(t *testing.T) {
	mux, ts, cfg := startServer(t)
	ctx := context.Background()
	mux.Create(ctx, "dev", "/home/u/proj")

	s, err := NewWSDialer(ts.URL, "", cfg.Channel).Dial(ctx, "dev", channel.Size{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	readUntil(t, s, "mock:dev$ ")
	waitFor(t, "feed", func() bool { return len(mux.Feeds("dev")) == 1 })
	feed := mux.Feeds("dev")[0]
	if feed.Size() != (channel.Size{Cols: 80, Rows: 24}) {
		t.Errorf("initial size = %v", feed.Size())
	}

	if err := s.Write([]byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, s, "ls\n")

	if err := s.Resize(channel.Size{Cols: 120, Rows: 40}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resize", func() bool { return feed.Size() == channel.Size{Cols: 120, Rows: 40} })
	if strings.Contains(string(feed.Input()), "resize") {
		t.Error("resize leaked into input")
	}

	mux.Kill(ctx, "dev")
	var out strings.Builder
	for {
		data, err := s.Read()
		if err != nil {
			if !errors.Is(err, ErrSessionEnded) {
				t.Errorf("Read after kill = %v, want ErrSessionEnded", err)
			}
			break
		}
		out.Write(data)
	}
	if !strings.Contains(out.String(), channel.DisconnectedNotice) {
		t.Errorf("output %q missing disconnect notice", out.String())
	}
}

func TestDialAttachFailed(t *testing.T) {
	_, ts, cfg := startServer(t)

	s, err := NewWSDialer(ts.URL, "", cfg.Channel).Dial(context.Background(), "ghost", channel.Size{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for {
		_, err := s.Read()
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrAttachFailed) {
			t.Errorf("Read = %v, want ErrAttachFailed", err)
		}
		break
	}
}

func TestDialUnreachable(t *testing.T) {
	_, ts, cfg := startServer(t)
	base := ts.URL
	ts.Close()

	_, err := NewWSDialer(base, "", cfg.Channel).Dial(context.Background(), "dev", channel.Size{})
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Dial = %v, want ErrDisconnected", err)
	}
}

func TestReadAfterCloseIsStreamClosed(t *testing.T) {
	mux, ts, cfg := startServer(t)
	mux.Create(context.Background(), "dev", "")

	s, err := NewWSDialer(ts.URL, "", cfg.Channel).Dial(context.Background(), "dev", channel.Size{})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, err := s.Read(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read after Close = %v, want ErrStreamClosed", err)
	}
	if err := s.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after Close = %v, want ErrStreamClosed", err)
	}
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "session ended"}, ErrSessionEnded},
		{&websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "attach failed"}, ErrAttachFailed},
		{&websocket.CloseError{Code: websocket.CloseGoingAway}, ErrDisconnected},
		{&url.Error{Op: "read", Err: errors.New("reset")}, ErrDisconnected},
	}
	for _, tt := range tests {
		if got := classifyClose(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classifyClose(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
