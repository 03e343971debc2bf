package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/checks"
	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/leases"
)

// LeaseService is the lease engine as seen by the HTTP layer.
type LeaseService interface {
	IsBatch(network string) bool
	Retrieve(ctx context.Context, network string) (*leases.Delivery, error)
	ReportOutcome(ctx context.Context, report core.OutcomeReport) (*db.Lease, error)
	ResetLease(ctx context.Context, id string) (*db.Lease, error)
	RecordUsage(ctx context.Context, report leases.UsageReport) (*db.UsageRecord, error)
	NetworkLimits(ctx context.Context, network string) ([]*db.ParsingType, error)
	LeastLoadedProxy(ctx context.Context, network string) (*db.Proxy, error)
	ListLeases(ctx context.Context, f db.LeaseFilter) ([]*db.LeaseSummary, error)
	ListProxies(ctx context.Context) ([]*db.ProxyLoad, error)

	Dispatch(ctx context.Context) (*leases.DispatchSummary, error)
	Recover(ctx context.Context) ([]*db.RecoveredLease, error)
	GeneratePairings(ctx context.Context) (*leases.PairingSummary, error)
}

type ProxyChecker interface {
	CheckAll(ctx context.Context, all bool) (*checks.Summary, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	leases  LeaseService
	checker ProxyChecker
	deps    map[string]Pinger
	logger  *zap.Logger
}

func NewHandler(leases LeaseService, checker ProxyChecker, deps map[string]Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		leases:  leases,
		checker: checker,
		deps:    deps,
		logger:  logger,
	}
}
