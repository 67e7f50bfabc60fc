// mcpcored is the local supervisor and gateway for a fleet of MCP child
// processes. It discovers installable servers from a remote catalog,
// launches and supervises them as node/python/docker children, and exposes
// a JSON-RPC gateway aggregating every child's tools under one namespace.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpcore/core/internal/catalog"
	"github.com/mcpcore/core/internal/config"
	"github.com/mcpcore/core/internal/fleet"
	"github.com/mcpcore/core/internal/gateway"
	"github.com/mcpcore/core/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	log.Printf("store: %s", cfg.DBPath)

	cat := catalog.NewClient(cfg.CatalogURL, cfg.CatalogCacheTTL)

	reg, err := fleet.New(cfg, db)
	if err != nil {
		log.Fatalf("load fleet: %v", err)
	}

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	reg.RestoreEnabled(restoreCtx)
	cancelRestore()

	gw := gateway.New(cfg, db, reg, cat)
	if err := gw.Start(); err != nil {
		log.Fatalf("start gateway: %v", err)
	}

	pidPath := cfg.DataDir + "/mcpcored.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("mcpcored ready (pid %d, listening on %s)", os.Getpid(), cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reg.Shutdown()

	if err := gw.Stop(ctx); err != nil {
		log.Printf("gateway shutdown: %v", err)
	}

	log.Println("mcpcored stopped")
}
