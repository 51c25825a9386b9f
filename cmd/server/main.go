package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"gihan9a/mapsync/internal/auth"
	"gihan9a/mapsync/internal/broadcast"
	"gihan9a/mapsync/internal/config"
	"gihan9a/mapsync/internal/persist"
	"gihan9a/mapsync/internal/server"
	"gihan9a/mapsync/internal/tls"
)

func main() {
	defer glog.Flush()

	// Parse command line flags and get configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		glog.Exitf("Error parsing configuration: %v", err)
	}

	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hosts); err != nil {
			glog.Exitf("Failed to set up TLS certificate: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persist.Open(ctx, cfg.Storage)
	if err != nil {
		glog.Exitf("Failed to open %s storage: %v", cfg.Storage.Driver, err)
	}
	defer store.Close()

	bus, err := broadcast.Open(ctx, cfg.Broadcast)
	if err != nil {
		glog.Exitf("Failed to open %s broadcast: %v", cfg.Broadcast.Driver, err)
	}
	defer bus.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		glog.Exitf("Failed to set up tokens (set MAPSYNC_JWT_SECRET): %v", err)
	}

	// Create server
	syncServer, err := server.NewMapSyncServer(cfg, store, bus, issuer)
	if err != nil {
		glog.Exitf("Failed to create server: %v", err)
	}
	defer syncServer.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: syncServer.SetupRoutes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("Storage: %s, broadcast: %s", cfg.Storage.Driver, cfg.Broadcast.Driver)

	// Start server with or without TLS
	if cfg.TLS.Enabled {
		glog.Infof("mapsync server running at https://localhost%s", addr)
		glog.Infof("Using TLS certificate: %s", cfg.TLS.CertFile)
		glog.Infof("Using TLS key: %s", cfg.TLS.KeyFile)
		err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		glog.Infof("mapsync server running at http://localhost%s", addr)
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		glog.Errorf("Server stopped: %v", err)
	}
}
