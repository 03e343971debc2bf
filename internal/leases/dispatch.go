package leases

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
)

type DispatchSummary struct {
	Published int `json:"published"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (d *DispatchSummary) merge(o DispatchSummary) {
	d.Published += o.Published
	d.Skipped += o.Skipped
	d.Failed += o.Failed
}

// Dispatch publishes every available lease to its network queue. Each lease is
// claimed with a compare-and-set before publishing and released again if the
// publish fails, so concurrent passes never publish a lease twice.
func (s *Service) Dispatch(ctx context.Context) (*DispatchSummary, error) {
	types, err := s.store.ListAllParsingTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load parsing types: %w", err)
	}

	leases, err := s.store.ListDispatchable(ctx, s.cfg.BatchNetworks)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatchable leases: %w", err)
	}

	summary := &DispatchSummary{}
	for _, lease := range leases {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.merge(s.dispatchGroup(ctx, lease.NetworkTitle, []*db.LeaseView{lease}, types, false))
	}

	for _, network := range s.cfg.BatchNetworks {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		result, err := s.dispatchBatch(ctx, network, types)
		if err != nil {
			return summary, err
		}
		summary.merge(*result)
	}

	s.logger.Info("Dispatch completed",
		zap.Int("published", summary.Published),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))

	return summary, nil
}

// dispatchBatch publishes a batch network's available leases as one list
// payload per proxy host.
func (s *Service) dispatchBatch(ctx context.Context, network string, types map[int64][]db.ParsingType) (*DispatchSummary, error) {
	leases, err := s.store.ListDispatchableForNetwork(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases of %s: %w", network, err)
	}

	var order []string
	groups := make(map[string][]*db.LeaseView)
	for _, lease := range leases {
		host := lease.ProxyHost.String
		if _, seen := groups[host]; !seen {
			order = append(order, host)
		}
		groups[host] = append(groups[host], lease)
	}

	summary := &DispatchSummary{}
	for _, host := range order {
		summary.merge(s.dispatchGroup(ctx, network, groups[host], types, true))
	}
	return summary, nil
}

// dispatchGroup claims the leases and publishes them as one message: a single
// payload, or a list when batch is set.
func (s *Service) dispatchGroup(ctx context.Context, network string, group []*db.LeaseView, types map[int64][]db.ParsingType, batch bool) DispatchSummary {
	var summary DispatchSummary
	logger := s.logger.With(zap.String("network", network))

	claimed := make([]*db.LeaseView, 0, len(group))
	for _, lease := range group {
		ok, err := s.store.TransitionLease(ctx, lease.ID, core.LeaseAvailable, core.LeaseInQueue)
		if err != nil {
			summary.Failed++
			logger.Error("Failed to claim lease", zap.String("lease_id", lease.ID), zap.Error(err))
			continue
		}
		if !ok {
			summary.Skipped++
			continue
		}
		lease.Status = core.LeaseInQueue
		claimed = append(claimed, lease)
	}

	if len(claimed) == 0 {
		return summary
	}

	payloads := make([]core.LeasePayload, 0, len(claimed))
	for _, lease := range claimed {
		payloads = append(payloads, s.BuildPayload(lease, types[lease.NetworkID]))
	}

	var (
		body []byte
		err  error
	)
	if batch {
		body, err = json.Marshal(payloads)
	} else {
		body, err = json.Marshal(payloads[0])
	}
	if err == nil {
		err = s.channel.Publish(ctx, network, body)
	}

	if err != nil {
		s.collector.RecordPublishFailure(network)
		logger.Error("Failed to publish, releasing leases", zap.Int("leases", len(claimed)), zap.Error(err))
		s.release(ctx, claimed)
		summary.Failed += len(claimed)
		return summary
	}

	for range claimed {
		s.collector.RecordDispatch(network, batch)
	}
	summary.Published += len(claimed)
	return summary
}

// release returns claimed leases to available after a failed publish. The
// caller's context may be cancelled, so release uses its own.
func (s *Service) release(ctx context.Context, leases []*db.LeaseView) {
	ctx = context.WithoutCancel(ctx)
	for _, lease := range leases {
		ok, err := s.store.TransitionLease(ctx, lease.ID, core.LeaseInQueue, core.LeaseAvailable)
		if err != nil || !ok {
			s.logger.Error("Failed to release lease, recovery will return it",
				zap.String("lease_id", lease.ID), zap.Bool("changed", ok), zap.Error(err))
		}
		lease.Status = core.LeaseAvailable
	}
}
