package leases

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
)

// WaitingDelta is the cool-down in seconds after an outcome. Leases with
// little history wait half as long and temporary bans wait twice as long.
func (s *Service) WaitingDelta(counter int, status core.LeaseStatus) int {
	delta := s.cfg.BaseWaitingDelta
	if counter < s.cfg.NewLeaseCounter {
		delta /= 2
	}
	if status == core.LeaseTemporarilyBanned {
		delta *= 2
	}
	return delta
}

// ReportOutcome closes the use of a sent lease: it appends a usage record and
// moves the lease to the reported status in one transaction.
func (s *Service) ReportOutcome(ctx context.Context, report core.OutcomeReport) (*db.Lease, error) {
	cookies, err := report.Validate()
	if err != nil {
		return nil, err
	}

	view, err := s.store.GetLeaseView(ctx, report.LeaseID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	accountTitle := fmt.Sprintf("%s:%s", view.NetworkTitle, view.Login)

	updated, err := s.store.ApplyOutcome(ctx, report.LeaseID, func(current *db.Lease) (*db.UsageRecord, *db.LeaseOutcome, error) {
		if current.Status != core.LeaseSent {
			return nil, nil, fmt.Errorf("%w: lease %s is %s, not sent", core.ErrConflict, current.ID, current.Status)
		}

		leaseID := current.ID
		record := &db.UsageRecord{
			ID:                uuid.NewString(),
			LeaseID:           &leaseID,
			ProxyID:           current.ProxyID,
			AccountTitle:      accountTitle,
			UseStartedAt:      current.UseStartedAt,
			UseEndedAt:        now,
			RequestCount:      db.CountMap(report.RequestCount),
			Limits:            db.CountMap(report.Limit),
			ResultStatus:      report.Status,
			StatusDescription: report.StatusDescription,
		}

		outcome := &db.LeaseOutcome{
			Status:            report.Status,
			StatusDescription: report.StatusDescription,
			WaitingDelta:      s.WaitingDelta(current.Counter, report.Status),
			Cookies:           db.CookieList(cookies),
		}
		return record, outcome, nil
	})
	if err != nil {
		return nil, err
	}

	s.collector.RecordOutcome(view.NetworkTitle, report.Status)
	s.logger.Info("Outcome applied",
		zap.String("lease_id", updated.ID),
		zap.String("network", view.NetworkTitle),
		zap.String("status", string(updated.Status)),
		zap.Int("waiting_delta", updated.WaitingDelta))

	return updated, nil
}

// UsageReport is a standalone usage record sent outside an outcome report.
type UsageReport struct {
	LeaseID           string           `json:"lease_id"`
	RequestCount      map[string]int   `json:"request_count"`
	Limit             map[string]int   `json:"limit"`
	Status            core.LeaseStatus `json:"status"`
	StatusDescription string           `json:"status_description"`
}

// RecordUsage stores a usage record for a lease without changing its state.
func (s *Service) RecordUsage(ctx context.Context, report UsageReport) (*db.UsageRecord, error) {
	if _, err := uuid.Parse(report.LeaseID); err != nil {
		return nil, fmt.Errorf("%w: lease_id %q is not a valid id", core.ErrValidation, report.LeaseID)
	}
	if !report.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrValidation, report.Status)
	}

	view, err := s.store.GetLeaseView(ctx, report.LeaseID)
	if err != nil {
		return nil, err
	}

	leaseID := view.ID
	record := &db.UsageRecord{
		ID:                uuid.NewString(),
		LeaseID:           &leaseID,
		ProxyID:           view.ProxyID,
		AccountTitle:      fmt.Sprintf("%s:%s", view.NetworkTitle, view.Login),
		UseStartedAt:      view.UseStartedAt,
		UseEndedAt:        s.now(),
		RequestCount:      db.CountMap(report.RequestCount),
		Limits:            db.CountMap(report.Limit),
		ResultStatus:      report.Status,
		StatusDescription: report.StatusDescription,
	}

	if err := s.store.CreateUsageRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ResetLease returns any lease to available.
func (s *Service) ResetLease(ctx context.Context, id string) (*db.Lease, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: lease id %q is not a valid id", core.ErrValidation, id)
	}

	lease, err := s.store.ResetLease(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Lease reset", zap.String("lease_id", id))
	return lease, nil
}
