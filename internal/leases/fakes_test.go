package leases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/metrics"
	"github.com/leozw/credentials-manager/internal/queue"
)

// memStore is an in-memory Store with the same compare-and-set semantics as
// the repository.
type memStore struct {
	mu sync.Mutex

	networks map[string]*db.Network
	types    map[int64][]db.ParsingType
	leases   map[string]*db.LeaseView
	unpaired []*db.UnpairedCredentials
	free     map[int64][]int64
	counters map[int64]int
	usage    []*db.UsageRecord
	pairs    map[string]bool

	transitionErr error
	markSentErr   error
	failAfter     int
	now           func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		networks: make(map[string]*db.Network),
		types:    make(map[int64][]db.ParsingType),
		leases:   make(map[string]*db.LeaseView),
		free:     make(map[int64][]int64),
		counters: make(map[int64]int),
		pairs:    make(map[string]bool),
		now:      time.Now,
	}
}

func (m *memStore) addNetwork(id int64, title string, types ...db.ParsingType) {
	m.networks[title] = &db.Network{ID: id, Title: title}
	m.types[id] = types
}

func (m *memStore) addLease(v *db.LeaseView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == "" {
		v.Status = core.LeaseAvailable
	}
	v.Enabled = true
	m.leases[v.ID] = v
}

func (m *memStore) status(id string) core.LeaseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[id].Status
}

func (m *memStore) lease(id string) db.LeaseView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.leases[id]
}

func (m *memStore) GetNetworkByTitle(_ context.Context, title string) (*db.Network, error) {
	n, ok := m.networks[title]
	if !ok {
		return nil, fmt.Errorf("network %q: %w", title, core.ErrNotFound)
	}
	return n, nil
}

func (m *memStore) ListParsingTypes(_ context.Context, title string) ([]*db.ParsingType, error) {
	n := m.networks[title]
	out := make([]*db.ParsingType, 0)
	for i := range m.types[n.ID] {
		out = append(out, &m.types[n.ID][i])
	}
	return out, nil
}

func (m *memStore) ListAllParsingTypes(context.Context) (map[int64][]db.ParsingType, error) {
	return m.types, nil
}

func (m *memStore) ListUnpairedCredentials(context.Context) ([]*db.UnpairedCredentials, error) {
	return m.unpaired, nil
}

func (m *memStore) FreeProxyIDs(_ context.Context, networkID int64) ([]int64, error) {
	return append([]int64(nil), m.free[networkID]...), nil
}

func (m *memStore) LeastLoadedProxy(context.Context, string) (*db.Proxy, error) {
	return nil, fmt.Errorf("proxy: %w", core.ErrNotFound)
}

func (m *memStore) ListAvailableProxies(context.Context) ([]*db.ProxyLoad, error) {
	return []*db.ProxyLoad{}, nil
}

func (m *memStore) ListLeases(_ context.Context, f db.LeaseFilter) ([]*db.LeaseSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*db.LeaseSummary{}
	for _, v := range m.leases {
		if (f.Status != "" && v.Status != f.Status) || (f.Network != "" && v.NetworkTitle != f.Network) {
			continue
		}
		out = append(out, &db.LeaseSummary{ID: v.ID, NetworkTitle: v.NetworkTitle, Login: v.Login, Status: v.Status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateLease(_ context.Context, l *db.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("c%d", l.CredentialsID)
	if l.ProxyID != nil {
		pk := fmt.Sprintf("n%d-p%d", l.NetworkID, *l.ProxyID)
		if m.pairs[pk] {
			return fmt.Errorf("lease: %w", core.ErrConflict)
		}
		m.pairs[pk] = true
	}
	if m.pairs[key] {
		return fmt.Errorf("lease: %w", core.ErrConflict)
	}
	m.pairs[key] = true
	m.leases[l.ID] = &db.LeaseView{Lease: *l}
	return nil
}

func (m *memStore) GetLeaseView(_ context.Context, id string) (*db.LeaseView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease: %w", core.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) dispatchable(match func(*db.LeaseView) bool) []*db.LeaseView {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.LeaseView
	for _, v := range m.leases {
		if v.Status == core.LeaseAvailable && v.Enabled && match(v) {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListDispatchable(_ context.Context, exclude []string) ([]*db.LeaseView, error) {
	return m.dispatchable(func(v *db.LeaseView) bool {
		for _, n := range exclude {
			if v.NetworkTitle == n {
				return false
			}
		}
		return true
	}), nil
}

func (m *memStore) ListDispatchableForNetwork(_ context.Context, network string) ([]*db.LeaseView, error) {
	return m.dispatchable(func(v *db.LeaseView) bool { return v.NetworkTitle == network }), nil
}

func (m *memStore) TransitionLease(_ context.Context, id string, from, to core.LeaseStatus) (bool, error) {
	if m.transitionErr != nil {
		return false, m.transitionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.leases[id]
	if !ok || v.Status != from {
		return false, nil
	}
	v.Status = to
	return true, nil
}

// MarkSentBatch is all or nothing: failAfter lets the first n leases pass
// validation before markSentErr aborts the whole batch.
func (m *memStore) MarkSentBatch(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*db.LeaseView
	for i, id := range ids {
		if m.markSentErr != nil && i >= m.failAfter {
			return nil, m.markSentErr
		}
		if v, ok := m.leases[id]; ok && v.Status == core.LeaseInQueue {
			due = append(due, v)
		}
	}

	now := time.Now()
	moved := make([]string, 0, len(due))
	for _, v := range due {
		v.Status = core.LeaseSent
		v.StatusChangedAt = now
		v.Counter++
		v.SentAt = &now
		v.UseStartedAt = &now
		if v.ProxyID != nil {
			m.counters[*v.ProxyID]++
		}
		moved = append(moved, v.ID)
	}
	return moved, nil
}

func (m *memStore) ApplyOutcome(_ context.Context, id string, apply db.OutcomeApplier) (*db.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease: %w", core.ErrNotFound)
	}
	current := v.Lease
	rec, out, err := apply(&current)
	if err != nil {
		return nil, err
	}
	m.usage = append(m.usage, rec)
	v.Status = out.Status
	v.StatusDescription = out.StatusDescription
	v.WaitingDelta = out.WaitingDelta
	if out.Cookies != nil {
		v.Cookies = out.Cookies
	}
	updated := v.Lease
	return &updated, nil
}

func (m *memStore) RecoverExpired(_ context.Context, inQueueTimeout, sentTimeout time.Duration) ([]*db.RecoveredLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*db.RecoveredLease
	for _, v := range m.leases {
		elapsed := now.Sub(v.StatusChangedAt)
		due := (v.Status.IsRecoverable() && elapsed > time.Duration(v.WaitingDelta)*time.Second) ||
			(inQueueTimeout > 0 && v.Status == core.LeaseInQueue && elapsed > inQueueTimeout) ||
			(sentTimeout > 0 && v.Status == core.LeaseSent && elapsed > sentTimeout)
		if !due {
			continue
		}
		out = append(out, &db.RecoveredLease{ID: v.ID, NetworkTitle: v.NetworkTitle, FromStatus: v.Status})
		v.Status = core.LeaseAvailable
		v.StatusChangedAt = now
	}
	return out, nil
}

func (m *memStore) ResetLease(_ context.Context, id string) (*db.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease: %w", core.ErrNotFound)
	}
	v.Status = core.LeaseAvailable
	v.StatusDescription = ""
	l := v.Lease
	return &l, nil
}

func (m *memStore) CountLeasesByStatus(context.Context) ([]db.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[[2]string]int)
	for _, v := range m.leases {
		counts[[2]string{v.NetworkTitle, string(v.Status)}]++
	}
	var out []db.StatusCount
	for k, c := range counts {
		out = append(out, db.StatusCount{NetworkTitle: k[0], Status: core.LeaseStatus(k[1]), Count: c})
	}
	return out, nil
}

func (m *memStore) CreateUsageRecord(_ context.Context, rec *db.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

// memChannel is a FIFO per network with the acknowledgement rules of the
// Redis queue: nil and ErrDiscard ack, any other error leaves the message.
type memChannel struct {
	mu          sync.Mutex
	queues      map[string][][]byte
	deadLetters map[string]int64
	publishErr  error
}

func newMemChannel() *memChannel {
	return &memChannel{
		queues:      make(map[string][][]byte),
		deadLetters: make(map[string]int64),
	}
}

func (c *memChannel) Publish(_ context.Context, network string, payload []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[network] = append(c.queues[network], payload)
	return nil
}

func (c *memChannel) Consume(ctx context.Context, network string, handle func(ctx context.Context, body []byte) error) error {
	c.mu.Lock()
	q := c.queues[network]
	if len(q) == 0 {
		c.mu.Unlock()
		return queue.ErrEmpty
	}
	body := q[0]
	c.mu.Unlock()

	err := handle(ctx, body)
	if err != nil && !errors.Is(err, queue.ErrDiscard) {
		return err
	}

	c.mu.Lock()
	c.queues[network] = c.queues[network][1:]
	c.mu.Unlock()
	return err
}

func (c *memChannel) Length(_ context.Context, network string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.queues[network])), nil
}

func (c *memChannel) DeadLetterLength(_ context.Context, network string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadLetters[network], nil
}

func (c *memChannel) messages(network string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.queues[network]...)
}

func newTestService(store Store, channel Channel, cfg Config) *Service {
	return NewService(store, channel, metrics.NewCollector(config.MimirConfig{}), cfg, zap.NewNop())
}
