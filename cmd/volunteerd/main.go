package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencollab/issue-volunteer/config"
	"github.com/opencollab/issue-volunteer/internal/assign"
	"github.com/opencollab/issue-volunteer/internal/db"
	"github.com/opencollab/issue-volunteer/internal/github"
	"github.com/opencollab/issue-volunteer/internal/notify"
	"github.com/opencollab/issue-volunteer/internal/reconcile"
	"github.com/opencollab/issue-volunteer/internal/search"
	"github.com/opencollab/issue-volunteer/internal/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "volunteerd",
		Short:        "Sync GitHub issues and coordinate volunteer claims",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(*cobra.Command, []string) error {
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and volunteer service",
		RunE: func(*cobra.Command, []string) error {
			return serve(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var sink search.Sink = search.NopSink{}
	if cfg.SearchIndexURL != "" {
		sink = &search.HTTPSink{URL: cfg.SearchIndexURL}
	}
	queue := search.NewQueue(sink, 256, log)
	defer queue.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Slack.Token != "" {
		notifier = notify.NewSlack(cfg.Slack.Token)
	}

	client := github.NewClient(github.StaticAppTokenSource(cfg.GitHub.AppJWT))
	projects := config.NewProjectIndex(cfg.Projects)
	reconciler := reconcile.New(store, projects, queue, log)
	coordinator := assign.New(store, client, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(store, reconciler, coordinator, notifier, cfg.GitHub.WebhookSecret, cfg.Slack.Channel, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP shutdown error", "error", err)
		}
	}()

	log.Info("volunteerd listening", "addr", cfg.ListenAddr, "projects", len(cfg.Projects))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
