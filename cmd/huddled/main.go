// Huddled — signaling server entry point.
//
// Huddled hosts the room directory for huddle clients: room creation and
// membership, offer/answer/candidate relay mailboxes, and presence. Media
// never passes through it; once peers have exchanged descriptions they talk
// directly over WebRTC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/hub"
	"github.com/openhuddle/huddle/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.LoadServer()

	// CLI flags override environment.
	addr := flag.String("addr", cfg.Addr, "Listen address")
	db := flag.String("db", cfg.DB, "SQLite database path for room persistence")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	cfg.Addr = *addr
	cfg.DB = *db
	cfg.Debug = *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Huddled — v%s", version))
	pterm.Println()

	h, err := hub.New(cfg)
	if err != nil {
		util.LogError("failed to start hub: %v", err)
		os.Exit(1)
	}
	defer h.Close()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogSuccess("signaling server listening on %s (db: %s)", cfg.Addr, cfg.DB)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogError("server error: %v", err)
		os.Exit(1)
	}

	util.LogInfo("signaling server stopped")
}
