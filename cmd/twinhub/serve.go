package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soulsig/twinhub/internal/api"
	"github.com/soulsig/twinhub/internal/backend"
	"github.com/soulsig/twinhub/internal/config"
	"github.com/soulsig/twinhub/internal/connector"
	"github.com/soulsig/twinhub/internal/credstore"
	"github.com/soulsig/twinhub/internal/db"
	"github.com/soulsig/twinhub/internal/onboarding"
	"github.com/soulsig/twinhub/internal/progress"
	"github.com/soulsig/twinhub/internal/providers/catalog"
	"github.com/soulsig/twinhub/internal/reconcile"
	"github.com/soulsig/twinhub/internal/status"
	"github.com/soulsig/twinhub/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the twinhub daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := catalog.InitFromEnvAndConfig(); err != nil {
		return fmt.Errorf("load provider catalog: %w", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	store := credstore.New(database)

	client := backend.NewClient(
		backend.WithBaseURLs(cfg.BackendURLs),
		backend.WithTimeout(cfg.RequestTimeout),
		backend.WithAuthToken(store.Token),
	)

	statusClient := status.NewClient(client, func() []string {
		var ids []string
		for _, p := range catalog.GetProviders() {
			ids = append(ids, p.ID)
		}
		return ids
	})

	origin := cfg.LocalOrigin()
	notices := &api.NoticeBuffer{}
	reconciler := reconcile.New(statusClient, store, origin, cfg.ReconcileDelay, notices.Add)
	defer reconciler.Close()

	launcher := connector.NewLauncher(client, store, statusClient, reconciler, origin+"/oauth/callback")

	completion := &api.CompletionSignal{}
	tracker := progress.NewTracker(client, cfg.ProgressPollInterval, completion.Publish)
	defer tracker.Stop()

	flow := onboarding.NewFlow(statusClient, client, store)

	router := api.NewRouter(api.Deps{
		Store:      store,
		Status:     statusClient,
		Launcher:   launcher,
		Reconciler: reconciler,
		Tracker:    tracker,
		Flow:       flow,
		Notices:    notices,
		Completion: completion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	log.Printf("🚀 twinhub %s starting on http://%s", version.Version, addr)
	log.Printf("🔌 Backend: %v", cfg.BackendURLs)
	log.Printf("🔁 OAuth callback: %s/oauth/callback", origin)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
