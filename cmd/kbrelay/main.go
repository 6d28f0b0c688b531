package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/kbsync/internal/config"
	"github.com/sheerbytes/kbsync/internal/logging"
	"github.com/sheerbytes/kbsync/internal/relay"
	"github.com/sheerbytes/kbsync/internal/termio"
)

const relayVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintf(termio.Stdout(), "kbrelay %s\n", relayVersion)
		termio.Flush()
		return
	}
	cfg, err := config.ParseRelayConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "kbrelay: %v\n", err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.New("kbrelay", cfg.LogLevel,
		logging.WithFormat(cfg.LogFormat), logging.WithOutput(termio.Stderr()))

	hub := relay.NewHub(cfg.QueueDepth)
	srv := relay.NewServer(hub, relay.Limits{
		MaxMessageBytes: cfg.MaxMessageBytes,
		MsgsPerSec:      cfg.MsgsPerSec,
		MsgBurst:        cfg.MsgBurst,
		IdleTimeout:     cfg.IdleTimeout,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(termio.Stdout(), "starting relay addr=%s\n", cfg.Addr)
	termio.Flush()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("relay failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	delivered, dropped := hub.Stats()
	logger.Info("relay stopped", "delivered", delivered, "dropped", dropped)
	termio.Flush()
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
