package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/mock"
	"github.com/termbridge/termbridge/internal/session"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *mock.Multiplexer, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Channel.CloseGrace = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	mux := mock.NewMultiplexer()
	s := NewServer(cfg, mux, mux)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return s, mux, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				t.Fatal(err)
			}
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func listSessions(t *testing.T, base string) []session.Info {
	t.Helper()
	resp, data := doJSON(t, http.MethodGet, base+"/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/sessions: %d %s", resp.StatusCode, data)
	}
	var infos []session.Info
	if err := json.Unmarshal(data, &infos); err != nil {
		t.Fatalf("decode listing %s: %v", data, err)
	}
	return infos
}

func findSession(infos []session.Info, name string) (session.Info, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return session.Info{}, false
}

func dialTerminal(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/terminal?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil accumulates binary output until it contains want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var got strings.Builder
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !strings.Contains(got.String(), want) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading until %q: %v (got %q)", want, err, got.String())
		}
		got.Write(data)
	}
	return got.String()
}

// readClose drains output until the server closes, returning the output and
// the close error.
func readClose(t *testing.T, conn *websocket.Conn) (string, *websocket.CloseError) {
	t.Helper()
	var got strings.Builder
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return got.String(), ce
			}
			t.Fatalf("expected close frame, got %v (output %q)", err, got.String())
		}
		got.Write(data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestListEmpty(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("empty listing = %s, want []", data)
	}
}

func TestCreateThenList(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", CreateRequest{Name: "dev", WorkingDir: "/home/u/proj"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var ok OKResponse
	if err := json.Unmarshal(data, &ok); err != nil || !ok.OK {
		t.Fatalf("create response %s", data)
	}

	info, found := findSession(listSessions(t, ts.URL), "dev")
	if !found {
		t.Fatal("created session missing from listing")
	}
	if info.Windows != 1 || info.Attached || info.WorkingDir != "/home/u/proj" {
		t.Errorf("listing record = %+v", info)
	}
	if info.LastActivity != "just now" {
		t.Errorf("LastActivity = %q, want just now", info.LastActivity)
	}
}

func TestCreateValidation(t *testing.T) {
	_, mux, ts := newTestServer(t, nil)
	_ = mux.Create(context.Background(), "taken", "")

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"missing name", map[string]any{}, http.StatusBadRequest, "name is required"},
		{"non-string name", map[string]any{"name": 42}, http.StatusBadRequest, "name is required"},
		{"empty name", map[string]any{"name": ""}, http.StatusBadRequest, "name is required"},
		{"invalid body", "{not json", http.StatusBadRequest, "invalid request body"},
		{"invalid name", map[string]any{"name": "a b"}, http.StatusBadRequest, "invalid session name"},
		{"duplicate", map[string]any{"name": "taken"}, http.StatusInternalServerError, "duplicate session: taken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, data)
			}
			var e ErrorResponse
			if err := json.Unmarshal(data, &e); err != nil {
				t.Fatalf("decode error payload %s: %v", data, err)
			}
			if !strings.Contains(e.Error, tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", e.Error, tt.wantError)
			}
		})
	}
}

func TestKillSession(t *testing.T) {
	_, mux, ts := newTestServer(t, nil)
	_ = mux.Create(context.Background(), "dev", "")

	resp, data := doJSON(t, http.MethodDelete, ts.URL+"/api/sessions", KillRequest{Name: "dev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill: %d %s", resp.StatusCode, data)
	}
	if _, found := findSession(listSessions(t, ts.URL), "dev"); found {
		t.Error("killed session still listed")
	}

	resp, data = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions", KillRequest{Name: "dev"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("kill missing: %d %s, want 500", resp.StatusCode, data)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("kill without name: %d, want 400", resp.StatusCode)
	}
}

func TestTerminalRequiresSession(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/terminal", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTerminalScenario(t *testing.T) {
	s, mux, ts := newTestServer(t, nil)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", CreateRequest{Name: "dev", WorkingDir: "/home/u/proj"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}

	conn := dialTerminal(t, ts, "session=dev&cols=80&rows=24")
	waitFor(t, "feed attached", func() bool { return len(mux.Feeds("dev")) == 1 })
	feed := mux.Feeds("dev")[0]

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "ls\n")
	if got := string(feed.Input()); got != "ls\n" {
		t.Errorf("feed input = %q, want ls\\n", got)
	}

	if err := conn.WriteJSON(ControlMessage{Type: MsgResize, Cols: 120, Rows: 40}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resize applied", func() bool { return feed.Size() == channel.Size{Cols: 120, Rows: 40} })
	if strings.Contains(string(feed.Input()), "resize") {
		t.Error("resize message leaked into the data path")
	}

	if err := conn.WriteJSON(ControlMessage{Type: MsgInput, Data: "pwd\r"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "pwd\r")

	if info, _ := findSession(listSessions(t, ts.URL), "dev"); !info.Attached {
		t.Error("session should be attached while the channel is open")
	}

	resp, data = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions", KillRequest{Name: "dev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill: %d %s", resp.StatusCode, data)
	}

	out, ce := readClose(t, conn)
	if !strings.Contains(out, channel.DisconnectedNotice) {
		t.Errorf("output %q missing disconnect notice", out)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != CloseTextSessionEnded {
		t.Errorf("close = %d %q, want 1000 %q", ce.Code, ce.Text, CloseTextSessionEnded)
	}
	if _, found := findSession(listSessions(t, ts.URL), "dev"); found {
		t.Error("killed session still listed")
	}
	waitFor(t, "channel removed", func() bool { return s.ChannelCount() == 0 })
}

func TestTerminalAttachFailure(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	conn := dialTerminal(t, ts, "session=ghost")
	out, ce := readClose(t, conn)
	if !strings.Contains(out, "attach failed") {
		t.Errorf("output %q missing attach failed notice", out)
	}
	if ce.Code != websocket.CloseInternalServerErr {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseInternalServerErr)
	}
}

func TestDetachKeepsSession(t *testing.T) {
	s, mux, ts := newTestServer(t, nil)
	_ = mux.Create(context.Background(), "dev", "")

	conn := dialTerminal(t, ts, "session=dev")
	waitFor(t, "channel open", func() bool { return s.ChannelCount() == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "channel closed", func() bool { return s.ChannelCount() == 0 })
	waitFor(t, "feed detached", func() bool { return len(mux.Feeds("dev")) == 0 })

	info, found := findSession(listSessions(t, ts.URL), "dev")
	if !found {
		t.Fatal("detach must not kill the session")
	}
	if info.Attached {
		t.Error("session still attached after detach")
	}
}

func TestIndependentChannels(t *testing.T) {
	s, mux, ts := newTestServer(t, nil)
	_ = mux.Create(context.Background(), "a", "")
	_ = mux.Create(context.Background(), "b", "")

	connA := dialTerminal(t, ts, "session=a")
	connB := dialTerminal(t, ts, "session=b")
	waitFor(t, "two channels", func() bool { return s.ChannelCount() == 2 })

	doJSON(t, http.MethodDelete, ts.URL+"/api/sessions", KillRequest{Name: "a"})
	readClose(t, connA)

	if err := connB.WriteMessage(websocket.BinaryMessage, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, connB, "still here")
}

func TestAuthToken(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "s3cret"
	})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/sessions?token=s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token: status %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Errorf("bearer token: status %d, want 200", r.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require auth, got %d", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:5173", "example.com", true},
		{"loopback v6", nil, "http://[::1]:3000", "example.com", true},
		{"loopback v4 no port", nil, "http://127.0.0.1", "example.com", true},
		{"loopback lookalike", nil, "http://localhost.evil.test", "example.com", false},
		{"bad origin", nil, "://nope", "example.com", false},
		{"foreign", nil, "https://evil.test", "example.com", false},
		{"allowed exact", []string{"https://term.example.com"}, "https://term.example.com", "x", true},
		{"allowed host other scheme", []string{"https://term.example.com"}, "http://term.example.com", "x", true},
		{"not allowed", []string{"https://term.example.com"}, "http://localhost:3000", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.AllowedOrigins = tt.allowed
			s := NewServer(cfg, mock.NewMultiplexer(), mock.NewMultiplexer())
			req := httptest.NewRequest(http.MethodGet, "/api/terminal", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestParseDimension(t *testing.T) {
	tests := map[string]uint16{"": 0, "80": 80, "-1": 0, "70000": 0, "abc": 0}
	for in, want := range tests {
		if got := parseDimension(in); got != want {
			t.Errorf("parseDimension(%q) = %d, want %d", in, got, want)
		}
	}
}
