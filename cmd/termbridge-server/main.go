package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/termbridge/termbridge/internal/channel"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/mock"
	"github.com/termbridge/termbridge/internal/tmux"
	"github.com/termbridge/termbridge/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use an in-memory multiplexer instead of tmux")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	host := flag.String("host", "", "Override listen host")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	var (
		dir    ws.Directory
		opener channel.Opener
	)
	if *mockMode {
		log.Println("Starting in mock mode")
		m := mock.NewMultiplexer()
		m.Seed()
		dir, opener = m, m
	} else {
		log.Printf("Starting in tmux mode (binary %s)", cfg.Tmux.Binary)
		d := tmux.NewDirectory(cfg.Tmux)
		dir, opener = d, tmux.NewAttacher(d, cfg.Tmux, cfg.Channel.CloseGrace)
	}

	server := ws.NewServer(cfg, dir, opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		server.Shutdown()
		cancel()
	}()

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Routes()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
