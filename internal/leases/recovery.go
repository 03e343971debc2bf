package leases

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/db"
)

// Recover returns leases whose cool-down elapsed to available, along with
// leases stuck in_queue or sent past the configured timeouts.
func (s *Service) Recover(ctx context.Context) ([]*db.RecoveredLease, error) {
	recovered, err := s.store.RecoverExpired(ctx, s.cfg.InQueueTimeout, s.cfg.SentTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to recover leases: %w", err)
	}

	for _, r := range recovered {
		s.collector.RecordRecovery(r.NetworkTitle, r.FromStatus)
	}

	if len(recovered) > 0 {
		s.logger.Info("Leases recovered", zap.Int("count", len(recovered)))
	}
	return recovered, nil
}
