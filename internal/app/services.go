package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/clock"
	"github.com/dokzlo13/roomd/internal/config"
	"github.com/dokzlo13/roomd/internal/db"
	"github.com/dokzlo13/roomd/internal/device"
	"github.com/dokzlo13/roomd/internal/eventbus"
	"github.com/dokzlo13/roomd/internal/group"
	"github.com/dokzlo13/roomd/internal/ledger"
	"github.com/dokzlo13/roomd/internal/match"
	"github.com/dokzlo13/roomd/internal/names"
	"github.com/dokzlo13/roomd/internal/schema"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	Names     *names.Cache
	NameStore *names.Store
	Bus       *eventbus.Bus

	Client   *backend.Client
	Registry *device.Registry
	Poller   *schema.Poller

	// High-level services
	Status      *StatusService
	Maintenance *MaintenanceService

	started bool
}

// PolicyFromConfig converts the polling section into a device policy.
func PolicyFromConfig(c config.PollingConfig, requestTimeout config.Duration) device.Policy {
	window := func(w config.Window) device.Window {
		return device.Window{Min: w.Min.Duration(), Max: w.Max.Duration()}
	}
	return device.Policy{
		ShowDelay:        window(c.ShowDelay),
		Interval:         window(c.Interval),
		PendingInterval:  window(c.PendingInterval),
		ErrorInterval:    window(c.ErrorInterval),
		RetryMultiplier:  c.RetryMultiplier,
		MaxRetryInterval: c.MaxRetryInterval.Duration(),
		RequestTimeout:   requestTimeout.Duration(),
		Confirm: device.ConfirmPolicy{
			Timeout:          c.Confirm.Timeout.Duration(),
			ExtendOnMismatch: c.Confirm.ExtendOnMismatch,
			MaxWindow:        c.Confirm.MaxWindow.Duration(),
		},
	}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Client = backend.NewClient(cfg.Backend.Host, cfg.Backend.Token, cfg.Backend.Timeout.Duration(), cfg.Backend.RateLimitRPS)
	s.Registry = device.DefaultRegistry()

	clk := clock.Real()
	s.NameStore = names.NewStore(database.DB)
	s.Names = names.NewCache(s.Client, s.NameStore, clk, names.Refresh{
		Visible: device.Window{Min: cfg.Names.Visible.Min.Duration(), Max: cfg.Names.Visible.Max.Duration()},
		Hidden:  device.Window{Min: cfg.Names.Hidden.Min.Duration(), Max: cfg.Names.Hidden.Max.Duration()},
	})

	// Presentations are rendered with the same variant the handler uses.
	observer := eventbus.NewDeviceObserver(s.Bus, func(snap device.Snapshot) (device.Presentation, bool) {
		return s.Registry.ResolveOrFallback(snap.Type)(snap.ID).Present(snap), true
	})

	deps := device.Deps{
		Backend:  s.Client,
		Names:    s.Names,
		Observer: observer,
		Clock:    clk,
		Probe:    backend.InterfaceProbe{},
		Policy:   PolicyFromConfig(cfg.Polling, cfg.Backend.Timeout),
	}

	s.Poller = schema.NewPoller(s.Client, func(name string) *group.Host {
		return group.NewHost(name, s.Client, s.Registry, deps)
	}, schema.Options{
		RetryInterval:   cfg.Schema.RetryInterval.Duration(),
		RefreshInterval: cfg.Schema.RefreshInterval.Duration(),
		RequestTimeout:  cfg.Backend.Timeout.Duration(),
		AutoShow:        match.Parse(cfg.Schema.GetAutoShow()),
		Clock:           clk,
		OnUpdate: func(p schema.Partition) {
			s.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeSchema, Data: p})
		},
	})

	s.Status = NewStatusService(cfg, s.Poller, s.Ledger, s.Bus)
	s.Maintenance = NewMaintenanceService(cfg, s.Ledger, s.NameStore)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	s.Names.Start()
	s.started = true

	s.Status.Start(ctx)
	s.Poller.Start()
	s.Maintenance.Start(ctx)

	log.Info().
		Str("backend", s.Client.BaseURL()).
		Strs("device_types", s.Registry.Tags()).
		Msg("Services started")
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Poller != nil {
		s.Poller.Stop()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		s.Bus.Close(ctx)
		cancel()
	}
	// The expiry loop only accepts Stop while it runs.
	if s.Names != nil && s.started {
		s.Names.Stop()
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
