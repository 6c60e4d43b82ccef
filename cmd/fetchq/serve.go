package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/internal/adapter/backend"
	httpAdapter "github.com/fetchq/fetchq/internal/adapter/http"
	"github.com/fetchq/fetchq/internal/adapter/sqlite"
	"github.com/fetchq/fetchq/internal/bus"
	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/domain"
	"github.com/fetchq/fetchq/internal/filter"
	"github.com/fetchq/fetchq/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine and its HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config) error {
	log.Printf("starting fetchq on %s", cfg.ListenAddr)
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("download dir: %s", cfg.DownloadDir)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Jobs interrupted by a previous crash go back to the queue.
	if recovered, err := store.RecoverInterrupted(context.Background()); err != nil {
		log.Printf("warning: failed to recover interrupted jobs: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d interrupted jobs", recovered)
	}

	chain, err := filter.FromConfig(cfg.Filters)
	if err != nil {
		return err
	}

	be, err := backend.FromConfig(cfg.Backend)
	if err != nil {
		return err
	}

	events := bus.New(0)

	pool := worker.New(store, chain, be, events, worker.Options{
		Workers:          cfg.Engine.Workers(),
		MaxRetries:       cfg.Engine.MaxRetries,
		BaseBackoff:      cfg.Engine.BaseBackoff(),
		MaxBackoff:       cfg.Engine.MaxBackoff(),
		ProgressInterval: cfg.Engine.ProgressEmitInterval(),
	})

	mgr := domain.NewManager(store, events, pool, cfg.AllowedRoots, cfg.DownloadDir)

	srv := httpAdapter.NewServer(mgr, events, cfg.ListenAddr, cfg.SubmitSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pool.Start(ctx)

	go func() {
		log.Printf("HTTP server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	cancel()
	pool.Shutdown(30 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("shutdown complete")
	return nil
}
