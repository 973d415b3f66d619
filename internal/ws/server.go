package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/tmux"
)

// Directory is the session catalog the server exposes.
type Directory interface {
	List(ctx context.Context) []session.Session
	Create(ctx context.Context, name, workingDir string) error
	Kill(ctx context.Context, name string) error
}

type Server struct {
	config         *config.Config
	dir            Directory
	opener         channel.Opener
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[*channel.Channel]bool
}

func NewServer(cfg *config.Config, dir Directory, opener channel.Opener) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		dir:            dir,
		opener:         opener,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		ctx:            ctx,
		cancel:         cancel,
		channels:       make(map[*channel.Channel]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// Routes builds the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Delete("/", s.handleKillSession)
		})
		r.Get("/api/terminal", s.handleTerminal)
	})

	return r
}

// ChannelCount returns the number of live attachment channels.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Shutdown closes every live channel. Sessions keep running.
func (s *Server) Shutdown() {
	s.cancel()
	s.mu.Lock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.ChannelCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.dir.List(r.Context())
	writeJSON(w, http.StatusOK, session.Infos(sessions, time.Now()))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	name, workingDir, ok := decodeNameRequest(w, r)
	if !ok {
		return
	}
	if err := s.dir.Create(r.Context(), name, workingDir); err != nil {
		writeDirectoryError(w, err)
		return
	}
	log.Printf("Session created: %s", name)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	name, _, ok := decodeNameRequest(w, r)
	if !ok {
		return
	}
	if err := s.dir.Kill(r.Context(), name); err != nil {
		writeDirectoryError(w, err)
		return
	}
	log.Printf("Session killed: %s", name)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleTerminal upgrades to a WebSocket and runs one attachment channel for
// the lifetime of the connection. The session is not checked against the
// listing first; a failed attach is reported over the socket.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("session")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "session is required"})
		return
	}
	size := channel.Size{
		Cols: parseDimension(r.URL.Query().Get("cols")),
		Rows: parseDimension(r.URL.Query().Get("rows")),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	cc := s.config.Channel
	sock := newSocket(conn, socketOptions{
		writeTimeout: cc.WriteTimeout,
		pingInterval: cc.PingInterval,
		pongTimeout:  cc.PongTimeout,
		sendQueue:    cc.SendQueue,
	})
	ch := channel.New(name, sock, s.opener, size, channel.Options{
		CloseGrace: cc.CloseGrace,
		ReadBuffer: cc.ReadBuffer,
	})

	s.mu.Lock()
	s.channels[ch] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	}()

	log.Printf("Terminal client connected: %s -> %s (channel %s)", r.RemoteAddr, name, ch.ID())
	if err := ch.Run(s.ctx); err != nil {
		log.Printf("Terminal channel %s: %v", ch.ID(), err)
	}
	log.Printf("Terminal client disconnected: %s (channel %s)", r.RemoteAddr, ch.ID())
}

// decodeNameRequest reads {name, workingDir?}. A missing or non-string name
// is answered with 400 here.
func decodeNameRequest(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return "", "", false
	}
	name, ok := body["name"].(string)
	if !ok || name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return "", "", false
	}
	workingDir, _ := body["workingDir"].(string)
	return name, workingDir, true
}

func writeDirectoryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, tmux.ErrInvalidName) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func parseDimension(v string) uint16 {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

// checkOrigin admits browsers from the configured origins, or, with none
// configured, from the server's own host and loopback addresses.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedHosts[parsed.Host]
	}
	return parsed.Host == r.Host || isLoopback(parsed.Hostname())
}

func isLoopback(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// ListenAndServe serves handler until ctx is cancelled, then shuts the HTTP
// server down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
