package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/config"
	"github.com/dokzlo13/roomd/internal/ledger"
	"github.com/dokzlo13/roomd/internal/names"
)

// MaintenanceService prunes the command log and expired persisted names.
type MaintenanceService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	names  *names.Store
}

// NewMaintenanceService creates a new MaintenanceService.
func NewMaintenanceService(cfg *config.Config, l *ledger.Ledger, n *names.Store) *MaintenanceService {
	return &MaintenanceService{cfg: cfg, ledger: l, names: n}
}

// Start runs one cleanup immediately and then every cleanup interval.
func (s *MaintenanceService) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *MaintenanceService) run(ctx context.Context) {
	s.cleanup()

	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MaintenanceService) cleanup() {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old command log entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old command log entries")
	}

	grace := s.cfg.Names.Grace.Duration()
	pruned, err := s.names.Prune(time.Now(), grace)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune cached names")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Dur("grace", grace).Msg("Pruned expired device names")
	}
}
