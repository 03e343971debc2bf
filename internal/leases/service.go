package leases

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/limits"
	"github.com/leozw/credentials-manager/internal/metrics"
)

// ErrNoLeases is returned by Retrieve when the network queue is empty.
var ErrNoLeases = errors.New("no leases available, retry later")

// Store is the persistence the lease engine needs.
type Store interface {
	GetNetworkByTitle(ctx context.Context, title string) (*db.Network, error)
	ListParsingTypes(ctx context.Context, networkTitle string) ([]*db.ParsingType, error)
	ListAllParsingTypes(ctx context.Context) (map[int64][]db.ParsingType, error)

	ListUnpairedCredentials(ctx context.Context) ([]*db.UnpairedCredentials, error)
	FreeProxyIDs(ctx context.Context, networkID int64) ([]int64, error)
	LeastLoadedProxy(ctx context.Context, networkTitle string) (*db.Proxy, error)
	ListAvailableProxies(ctx context.Context) ([]*db.ProxyLoad, error)

	CreateLease(ctx context.Context, l *db.Lease) error
	GetLeaseView(ctx context.Context, id string) (*db.LeaseView, error)
	ListLeases(ctx context.Context, f db.LeaseFilter) ([]*db.LeaseSummary, error)
	ListDispatchable(ctx context.Context, excludeNetworks []string) ([]*db.LeaseView, error)
	ListDispatchableForNetwork(ctx context.Context, network string) ([]*db.LeaseView, error)
	TransitionLease(ctx context.Context, id string, from, to core.LeaseStatus) (bool, error)
	MarkSentBatch(ctx context.Context, ids []string) ([]string, error)
	ApplyOutcome(ctx context.Context, id string, apply db.OutcomeApplier) (*db.Lease, error)
	RecoverExpired(ctx context.Context, inQueueTimeout, sentTimeout time.Duration) ([]*db.RecoveredLease, error)
	ResetLease(ctx context.Context, id string) (*db.Lease, error)
	CountLeasesByStatus(ctx context.Context) ([]db.StatusCount, error)

	CreateUsageRecord(ctx context.Context, rec *db.UsageRecord) error
}

// Channel is the per-network queue leases are distributed through.
type Channel interface {
	Publish(ctx context.Context, network string, payload []byte) error
	Consume(ctx context.Context, network string, handle func(ctx context.Context, body []byte) error) error
}

// depthReporter is implemented by channels that can report their backlog.
type depthReporter interface {
	Length(ctx context.Context, network string) (int64, error)
}

type deadLetterReporter interface {
	DeadLetterLength(ctx context.Context, network string) (int64, error)
}

// LimitsCache memoizes network limit lookups.
type LimitsCache interface {
	NetworkLimits(ctx context.Context, network string, load func(ctx context.Context) ([]*db.ParsingType, error)) ([]*db.ParsingType, error)
}

type Config struct {
	// BatchNetworks receive one list payload per proxy host.
	BatchNetworks    []string
	InQueueTimeout   time.Duration
	SentTimeout      time.Duration
	BaseWaitingDelta int
	NewLeaseCounter  int
}

type Service struct {
	store     Store
	channel   Channel
	limits    *limits.Calculator
	collector *metrics.Collector
	logger    *zap.Logger

	cache LimitsCache
	cfg   Config
	batch map[string]bool
	intN  func(n int) int
	now   func() time.Time
}

func NewService(store Store, channel Channel, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Service {
	if cfg.BaseWaitingDelta <= 0 {
		cfg.BaseWaitingDelta = 3600
	}
	if cfg.NewLeaseCounter <= 0 {
		cfg.NewLeaseCounter = 20
	}

	batch := make(map[string]bool, len(cfg.BatchNetworks))
	for _, network := range cfg.BatchNetworks {
		batch[network] = true
	}

	return &Service{
		store:     store,
		channel:   channel,
		limits:    limits.NewCalculator(),
		collector: collector,
		logger:    logger.With(zap.String("component", "leases")),
		cfg:       cfg,
		batch:     batch,
		intN:      rand.IntN,
		now:       time.Now,
	}
}

// SetLimitsCache puts a cache in front of NetworkLimits.
func (s *Service) SetLimitsCache(cache LimitsCache) {
	s.cache = cache
}

// IsBatch reports whether the network is delivered in per-host batches.
func (s *Service) IsBatch(network string) bool {
	return s.batch[network]
}

// BuildPayload renders the consumer view of a lease, drawing fresh limits.
func (s *Service) BuildPayload(v *db.LeaseView, types []db.ParsingType) core.LeasePayload {
	base := make(map[string]int, len(types))
	for _, pt := range types {
		base[pt.Title] = pt.Limit
	}

	cookies := []core.Cookie(v.Cookies)
	if cookies == nil {
		cookies = []core.Cookie{}
	}

	return core.LeasePayload{
		ID:          v.ID,
		Status:      v.Status,
		Network:     v.NetworkTitle,
		Login:       v.Login,
		Password:    v.Password,
		ProxyURL:    v.ProxyURL(),
		ProxyMobile: v.ProxyMobile.Bool,
		Cookies:     cookies,
		Limits:      s.limits.Limits(base, v.Counter, v.DynamicLimits),
	}
}

// NetworkLimits returns the parsing types and base limits of a network.
func (s *Service) NetworkLimits(ctx context.Context, network string) ([]*db.ParsingType, error) {
	load := func(ctx context.Context) ([]*db.ParsingType, error) {
		if _, err := s.store.GetNetworkByTitle(ctx, network); err != nil {
			return nil, err
		}
		return s.store.ListParsingTypes(ctx, network)
	}

	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.NetworkLimits(ctx, network, load)
}

// LeastLoadedProxy returns the healthy proxy with the fewest dispatches in a network.
func (s *Service) LeastLoadedProxy(ctx context.Context, network string) (*db.Proxy, error) {
	return s.store.LeastLoadedProxy(ctx, network)
}

// ListLeases returns the leases matching the filter. An unknown status is a
// validation error.
func (s *Service) ListLeases(ctx context.Context, f db.LeaseFilter) ([]*db.LeaseSummary, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrValidation, f.Status)
	}
	return s.store.ListLeases(ctx, f)
}

func (s *Service) ListProxies(ctx context.Context) ([]*db.ProxyLoad, error) {
	return s.store.ListAvailableProxies(ctx)
}

// RefreshGauges publishes lease counts per network and status, and the queue
// backlog when the channel can report it.
func (s *Service) RefreshGauges(ctx context.Context) error {
	counts, err := s.store.CountLeasesByStatus(ctx)
	if err != nil {
		return err
	}

	byNetwork := make(map[string]map[core.LeaseStatus]int)
	for _, c := range counts {
		if byNetwork[c.NetworkTitle] == nil {
			byNetwork[c.NetworkTitle] = make(map[core.LeaseStatus]int)
		}
		byNetwork[c.NetworkTitle][c.Status] = c.Count
	}
	s.collector.SetLeaseCounts(byNetwork)

	if reporter, ok := s.channel.(depthReporter); ok {
		for network := range byNetwork {
			depth, err := reporter.Length(ctx, network)
			if err != nil {
				s.logger.Warn("Failed to read queue depth", zap.String("network", network), zap.Error(err))
				continue
			}
			s.collector.SetQueueDepth(network, depth)
		}
	}

	if reporter, ok := s.channel.(deadLetterReporter); ok {
		for network := range byNetwork {
			n, err := reporter.DeadLetterLength(ctx, network)
			if err != nil {
				s.logger.Warn("Failed to read dead letter count", zap.String("network", network), zap.Error(err))
				continue
			}
			s.collector.SetDeadLetters(network, n)
		}
	}

	return nil
}
