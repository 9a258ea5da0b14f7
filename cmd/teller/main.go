// Command teller runs the on-premise kiosk controller: it drives the
// cash hardware, keeps the backend in sync through the resilient
// transaction log, and serves the local UI bridge.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"teller/internal/hardware"
	"teller/internal/platform/config"
	"teller/internal/platform/httpserver"
	"teller/internal/platform/logger"
	"teller/internal/session"
	sessionmetrics "teller/internal/session/metrics"
	"teller/internal/trader"
	"teller/internal/txlog"
	txlogmetrics "teller/internal/txlog/metrics"
	"teller/internal/uibridge"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	log.Info("initializing teller",
		"addr", cfg.Addr,
		"backend", cfg.BackendURL,
		"hardware", cfg.Hardware,
	)

	if err := run(cfg, log); err != nil {
		log.Error("teller exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("teller stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pairingPath := cfg.PairingFile
	if !filepath.IsAbs(pairingPath) {
		pairingPath = filepath.Join(cfg.DataDir, pairingPath)
	}
	paired := true
	cred, err := trader.LoadCredential(pairingPath, []byte(cfg.PairingSecret))
	switch {
	case errors.Is(err, trader.ErrUnpaired):
		// an unpaired machine still boots; it parks on the virgin screen
		paired = false
		log.Warn("no pairing credential, machine starts unpaired", "path", pairingPath)
	case err != nil:
		return err
	}

	device, err := hardware.New(cfg.Hardware, log)
	if err != nil {
		return err
	}
	defer device.Close()

	client := trader.NewClient(cfg.BackendURL, cred, log)
	var pollOpts []trader.PollerOption
	if cfg.PollInterval > 0 {
		pollOpts = append(pollOpts, trader.WithPollInterval(cfg.PollInterval))
	}
	poller := trader.NewPoller(client, log, pollOpts...)

	store, err := txlog.Open(filepath.Join(cfg.DataDir, "txlog"), log)
	if err != nil {
		return err
	}
	defer store.Close()
	syncer := txlog.NewSyncer(client, store, log,
		txlog.WithMetrics(txlogmetrics.New()))

	hub := uibridge.NewHub(log)
	ctrl := session.New(
		session.Config{Paired: paired, ScreenTimeout: cfg.ScreenTimeout},
		device, client, poller, syncer, store, hub, log,
		session.WithMetrics(sessionmetrics.New()),
	)

	handler := uibridge.NewHandler(ctrl, hub, log)
	router := uibridge.NewRouter(handler, log)
	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error {
		log.Info("starting ui bridge", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
