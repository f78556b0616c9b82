package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/config"
)

// App wires the roomd services to a process lifetime.
type App struct {
	cfg      *config.Config
	services *Services
}

// New opens the database and builds the services. Nothing polls the
// backend until Run.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ForgetNames empties the persisted name table; handlers look names up
// again on their next refresh.
func (a *App) ForgetNames() error {
	deleted, err := a.services.NameStore.Clear()
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", deleted).Msg("Cleared cached device names")
	return nil
}

// Run starts polling the schema and blocks until ctx ends, then stops
// every service.
func (a *App) Run(ctx context.Context) error {
	if err := a.services.Start(ctx); err != nil {
		a.services.Close()
		return err
	}
	log.Info().Str("backend", a.services.Client.BaseURL()).Msg("roomd running")

	<-ctx.Done()

	log.Info().Dur("timeout", a.cfg.GetShutdownTimeout()).Msg("Stopping roomd")
	return a.services.Stop()
}

// SignalContext ends on SIGINT or SIGTERM. A second signal is left to the
// default handler so a stuck shutdown can still be interrupted.
func SignalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
		log.Warn().Msg("Shutdown requested")
	}()
	return ctx
}
