package leases

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
)

type PairingSummary struct {
	Created   int `json:"created"`
	Conflicts int `json:"conflicts"`
	NoProxy   int `json:"no_proxy"`
}

// GeneratePairings creates a lease for every enabled credentials row that has
// none. Networks that need a proxy get one picked at random among the healthy
// proxies not yet used in that network.
func (s *Service) GeneratePairings(ctx context.Context) (*PairingSummary, error) {
	creds, err := s.store.ListUnpairedCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaired credentials: %w", err)
	}

	summary := &PairingSummary{}
	free := make(map[int64][]int64)

	for _, c := range creds {
		var proxyID *int64

		if c.NeedProxy {
			pool, loaded := free[c.NetworkID]
			if !loaded {
				pool, err = s.store.FreeProxyIDs(ctx, c.NetworkID)
				if err != nil {
					return summary, fmt.Errorf("failed to list free proxies: %w", err)
				}
			}

			if len(pool) == 0 {
				free[c.NetworkID] = pool
				summary.NoProxy++
				s.collector.RecordPairing(c.NetworkTitle, "no_proxy")
				s.logger.Warn("No free proxy for credentials",
					zap.String("network", c.NetworkTitle), zap.String("login", c.Login))
				continue
			}

			i := s.intN(len(pool))
			id := pool[i]
			pool[i] = pool[len(pool)-1]
			free[c.NetworkID] = pool[:len(pool)-1]
			proxyID = &id
		}

		lease := &db.Lease{
			ID:            uuid.NewString(),
			CredentialsID: c.ID,
			NetworkID:     c.NetworkID,
			ProxyID:       proxyID,
			Status:        core.LeaseAvailable,
			WaitingDelta:  s.cfg.BaseWaitingDelta,
			Enabled:       true,
		}

		if err := s.store.CreateLease(ctx, lease); err != nil {
			if errors.Is(err, core.ErrConflict) {
				summary.Conflicts++
				s.collector.RecordPairing(c.NetworkTitle, "conflict")
				s.logger.Debug("Pairing lost a race, skipping",
					zap.String("network", c.NetworkTitle), zap.String("login", c.Login))
				continue
			}
			return summary, fmt.Errorf("failed to create lease: %w", err)
		}

		summary.Created++
		s.collector.RecordPairing(c.NetworkTitle, "created")
	}

	s.logger.Info("Pairing completed",
		zap.Int("created", summary.Created),
		zap.Int("conflicts", summary.Conflicts),
		zap.Int("no_proxy", summary.NoProxy))

	return summary, nil
}
