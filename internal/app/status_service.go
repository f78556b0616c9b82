package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/config"
	"github.com/dokzlo13/roomd/internal/eventbus"
	"github.com/dokzlo13/roomd/internal/status"
)

// StatusService runs the HTTP status API and its event stream.
type StatusService struct {
	cfg    *config.Config
	Server *status.Server
}

// NewStatusService creates the server and subscribes it to the bus, so no
// update published after construction is missed.
func NewStatusService(cfg *config.Config, dir status.Directory, commands status.CommandLog, bus *eventbus.Bus) *StatusService {
	server := status.New(status.Config{
		Addr:            cfg.Status.Addr(),
		DefaultWidth:    cfg.Layout.Width,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}, dir, commands)
	if cfg.Status.Enabled {
		server.Subscribe(bus)
	}
	return &StatusService{cfg: cfg, Server: server}
}

// Start begins serving if enabled.
func (s *StatusService) Start(ctx context.Context) {
	if !s.cfg.Status.Enabled {
		log.Info().Msg("Status server is disabled")
		return
	}
	s.Server.Start(ctx)
}
