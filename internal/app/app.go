package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dispatch/internal/api"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/expander"
	"dispatch/internal/infrastructure/replica"
	"dispatch/internal/infrastructure/sites"
	"dispatch/internal/infrastructure/stream"
	"dispatch/internal/infrastructure/titles"
	"dispatch/internal/infrastructure/wikiapi"
	"dispatch/internal/ports"
	"dispatch/internal/revstore"
	"dispatch/internal/usecase/deleted"
	"dispatch/internal/usecase/largest"
	"dispatch/internal/usecase/talkscan"
)

const sweepInterval = 5 * time.Minute

// Application wires registries, the revision store, the task engines, and
// the HTTP server into one runnable unit.
type Application struct {
	cfg    config.Config
	logger *slog.Logger
	server *api.Server
	store  *revstore.Store
}

// New builds the full dependency graph. Replica credential problems are
// logged and leave DB-backed endpoints degraded rather than failing
// startup.
func New(cfg config.Config, logger *slog.Logger) (*Application, error) {
	pool := wikiapi.NewPool(cfg.OAuthToken)

	registry := sites.NewRegistry(cfg.Meta.APIURL, pool.HTTPClient(),
		logger.With("component", "sites"))

	titleSvc := titles.NewService(func(wiki domain.Wiki) titles.Source {
		client := pool.For(wiki)
		return titles.SourceFunc(func(ctx context.Context) (*titles.SiteinfoData, error) {
			info, err := client.Siteinfo(ctx)
			if err != nil {
				return nil, err
			}
			return &titles.SiteinfoData{
				LegalTitleChars: info.LegalTitleChars,
				Namespaces:      info.Namespaces,
				Aliases:         info.Aliases,
			}, nil
		})
	}, logger.With("component", "titles"))

	replicaPool := replica.NewPool(logger.With("component", "replica"))

	expanders := expander.NewRegistry(func(wiki domain.Wiki) expander.Source {
		return pool.For(wiki)
	}, logger)

	store, err := revstore.New(func(handlers stream.Handlers) revstore.Stream {
		return stream.New(cfg.Stream.URL, pool.HTTPClient(), handlers,
			logger.With("component", "stream"))
	}, revstore.Options{Autostart: true}, logger.With("component", "revstore"))
	if err != nil {
		return nil, fmt.Errorf("build revision store: %w", err)
	}

	server := api.NewServer(api.Deps{
		Logger:    logger.With("component", "api"),
		Sites:     registry,
		Store:     store,
		Expanders: expanders,
		Deleted:   deleted.New(replicaPool, logger.With("component", "deleted")),
		Largest: largest.New(replicaPool, func(wiki domain.Wiki) ports.RevisionRequester {
			return expanders.For(wiki)
		}, logger.With("component", "largest")),
		TalkScan: talkscan.New(pool, replicaPool, titleSvc,
			logger.With("component", "talkscan")),
	})

	return &Application{cfg: cfg, logger: logger, server: server, store: store}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	for _, engine := range a.server.Engines() {
		engine.StartSweeper(ctx, sweepInterval)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      a.server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "port", a.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	a.store.StopStream()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
