package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/leozw/credentials-manager/internal/core"
)

const leaseViewSelect = `
        SELECT l.*,
            n.title AS network_title, n.dynamic_limits,
            c.login, c.password,
            p.scheme AS proxy_scheme, p.host AS proxy_host, p.port AS proxy_port,
            p.login AS proxy_login, p.password AS proxy_password, p.mobile AS proxy_mobile
        FROM leases l
        JOIN networks n ON n.id = l.network_id
        JOIN credentials c ON c.id = l.credentials_id
        LEFT JOIN proxies p ON p.id = l.proxy_id`

func (r *Repository) CreateLease(ctx context.Context, l *Lease) error {
	if l.Status == "" {
		l.Status = core.LeaseAvailable
	}
	if l.WaitingDelta == 0 {
		l.WaitingDelta = 3600
	}

	query := `
        INSERT INTO leases (id, credentials_id, network_id, proxy_id, status, waiting_delta, enabled)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING status_changed_at, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		l.ID, l.CredentialsID, l.NetworkID, l.ProxyID, l.Status, l.WaitingDelta, l.Enabled,
	).Scan(&l.StatusChangedAt, &l.CreatedAt)
	return mapError(err, "create lease")
}

func (r *Repository) GetLease(ctx context.Context, id string) (*Lease, error) {
	var l Lease
	query := `SELECT * FROM leases WHERE id = $1`
	if err := r.db.GetContext(ctx, &l, query, id); err != nil {
		return nil, mapError(err, "get lease")
	}
	return &l, nil
}

func (r *Repository) GetLeaseView(ctx context.Context, id string) (*LeaseView, error) {
	var v LeaseView
	query := leaseViewSelect + ` WHERE l.id = $1`
	if err := r.db.GetContext(ctx, &v, query, id); err != nil {
		return nil, mapError(err, "get lease view")
	}
	return &v, nil
}

// ListLeases returns leases matching the filter, grouped by network.
func (r *Repository) ListLeases(ctx context.Context, f LeaseFilter) ([]*LeaseSummary, error) {
	leases := []*LeaseSummary{}
	query := `
        SELECT l.id, n.title AS network_title, c.login, l.proxy_id, p.host AS proxy_host,
            l.status, l.status_description, l.status_changed_at, l.waiting_delta,
            l.counter, l.enabled
        FROM leases l
        JOIN networks n ON n.id = l.network_id
        JOIN credentials c ON c.id = l.credentials_id
        LEFT JOIN proxies p ON p.id = l.proxy_id
        WHERE ($1::text = '' OR l.status = $1)
        AND ($2::text = '' OR n.title = $2)
        ORDER BY n.title, l.status_changed_at, l.id`

	err := r.db.SelectContext(ctx, &leases, query, string(f.Status), f.Network)
	return leases, mapError(err, "list leases")
}

// ListDispatchable returns available, enabled leases outside the excluded networks.
// Leases bound to a disabled proxy are held back until the proxy recovers.
func (r *Repository) ListDispatchable(ctx context.Context, excludeNetworks []string) ([]*LeaseView, error) {
	if excludeNetworks == nil {
		excludeNetworks = []string{}
	}

	leases := []*LeaseView{}
	query := leaseViewSelect + `
        WHERE l.status = 'available'
        AND l.enabled = true
        AND c.enabled = true
        AND (p.id IS NULL OR p.enabled = true)
        AND n.title <> ALL($1)
        ORDER BY l.status_changed_at, l.id`

	err := r.db.SelectContext(ctx, &leases, query, pq.Array(excludeNetworks))
	return leases, mapError(err, "list dispatchable leases")
}

// ListDispatchableForNetwork is ListDispatchable scoped to one network.
func (r *Repository) ListDispatchableForNetwork(ctx context.Context, network string) ([]*LeaseView, error) {
	leases := []*LeaseView{}
	query := leaseViewSelect + `
        WHERE l.status = 'available'
        AND l.enabled = true
        AND c.enabled = true
        AND (p.id IS NULL OR p.enabled = true)
        AND n.title = $1
        ORDER BY p.host NULLS FIRST, l.status_changed_at, l.id`

	err := r.db.SelectContext(ctx, &leases, query, network)
	return leases, mapError(err, "list dispatchable leases")
}

// TransitionLease moves a lease from one status to another only if it is
// still in the expected status. It reports whether the row changed.
func (r *Repository) TransitionLease(ctx context.Context, id string, from, to core.LeaseStatus) (bool, error) {
	query := `
        UPDATE leases SET
            status = $3,
            status_changed_at = NOW()
        WHERE id = $1 AND status = $2`

	res, err := r.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, mapError(err, "transition lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSentBatch moves the in_queue leases among ids to sent in one
// transaction, bumping each usage counter and the load counter of its
// (network, proxy) pair. It returns the ids that moved; leases no longer
// in_queue are left out. On error nothing is committed.
func (r *Repository) MarkSentBatch(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
        UPDATE leases SET
            status = 'sent',
            sent_at = NOW(),
            use_started_at = NOW(),
            status_changed_at = NOW(),
            counter = counter + 1
        WHERE id = ANY($1::uuid[]) AND status = 'in_queue'
        RETURNING id, network_id, proxy_id`

	moved := []sentLease{}
	if err := tx.SelectContext(ctx, &moved, query, pq.Array(ids)); err != nil {
		return nil, mapError(err, "mark leases sent")
	}

	type pair struct{ network, proxy int64 }
	load := make(map[pair]int64)
	var pairs []pair
	for _, m := range moved {
		if m.ProxyID == nil {
			continue
		}
		k := pair{m.NetworkID, *m.ProxyID}
		if _, ok := load[k]; !ok {
			pairs = append(pairs, k)
		}
		load[k]++
	}
	// Stable lock order across concurrent retrievals.
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].network != pairs[j].network {
			return pairs[i].network < pairs[j].network
		}
		return pairs[i].proxy < pairs[j].proxy
	})

	counterQuery := `
        INSERT INTO proxy_counters (network_id, proxy_id, counter)
        VALUES ($1, $2, $3)
        ON CONFLICT (network_id, proxy_id) DO UPDATE SET
            counter = proxy_counters.counter + EXCLUDED.counter`
	for _, k := range pairs {
		if _, err := tx.ExecContext(ctx, counterQuery, k.network, k.proxy, load[k]); err != nil {
			return nil, mapError(err, "bump load counter")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sent := make([]string, 0, len(moved))
	for _, m := range moved {
		sent = append(sent, m.ID)
	}
	return sent, nil
}

// ApplyOutcome locks the lease row and lets apply decide the usage record and
// the new lease state. The record is inserted before the lease is updated.
func (r *Repository) ApplyOutcome(ctx context.Context, id string, apply OutcomeApplier) (*Lease, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current Lease
	if err := tx.GetContext(ctx, &current, `SELECT * FROM leases WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, mapError(err, "lock lease")
	}

	record, outcome, err := apply(&current)
	if err != nil {
		return nil, err
	}

	if record != nil {
		if err := createUsageRecord(ctx, tx, record); err != nil {
			return nil, err
		}
	}

	query := `
        UPDATE leases SET
            status = $2,
            status_description = $3,
            waiting_delta = $4,
            cookies = COALESCE($5, cookies),
            status_changed_at = NOW()
        WHERE id = $1
        RETURNING *`

	var updated Lease
	err = tx.GetContext(ctx, &updated, query,
		id, outcome.Status, outcome.StatusDescription, outcome.WaitingDelta, outcome.Cookies)
	if err != nil {
		return nil, mapError(err, "apply outcome")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// RecoverExpired returns waiting and temporarily banned leases whose waiting
// delta elapsed to available. Leases stuck in in_queue or sent for longer than
// the matching positive timeout are returned as well.
func (r *Repository) RecoverExpired(ctx context.Context, inQueueTimeout, sentTimeout time.Duration) ([]*RecoveredLease, error) {
	query := `
        WITH due AS (
            SELECT id, status FROM leases
            WHERE (
                status IN ('waiting', 'temporarily_banned')
                AND status_changed_at + waiting_delta * INTERVAL '1 second' < NOW()
            ) OR (
                $1::float8 > 0
                AND status = 'in_queue'
                AND status_changed_at + $1::float8 * INTERVAL '1 second' < NOW()
            ) OR (
                $2::float8 > 0
                AND status = 'sent'
                AND status_changed_at + $2::float8 * INTERVAL '1 second' < NOW()
            )
            FOR UPDATE SKIP LOCKED
        )
        UPDATE leases l SET
            status = 'available',
            status_changed_at = NOW()
        FROM due, networks n
        WHERE l.id = due.id
        AND l.status = due.status
        AND n.id = l.network_id
        RETURNING l.id, n.title AS network_title, due.status AS from_status`

	recovered := []*RecoveredLease{}
	err := r.db.SelectContext(ctx, &recovered, query, inQueueTimeout.Seconds(), sentTimeout.Seconds())
	return recovered, mapError(err, "recover leases")
}

// ResetLease returns any lease to available and clears its description.
func (r *Repository) ResetLease(ctx context.Context, id string) (*Lease, error) {
	query := `
        UPDATE leases SET
            status = 'available',
            status_description = '',
            status_changed_at = NOW()
        WHERE id = $1
        RETURNING *`

	var l Lease
	if err := r.db.GetContext(ctx, &l, query, id); err != nil {
		return nil, mapError(err, "reset lease")
	}
	return &l, nil
}

func (r *Repository) SetLeaseEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE leases SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return mapError(err, "set lease enabled")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set lease enabled: %w", core.ErrNotFound)
	}
	return nil
}

func (r *Repository) CountLeasesByStatus(ctx context.Context) ([]StatusCount, error) {
	counts := []StatusCount{}
	query := `
        SELECT n.title AS network_title, l.status, COUNT(*) AS count
        FROM leases l
        JOIN networks n ON n.id = l.network_id
        GROUP BY n.title, l.status
        ORDER BY n.title, l.status`

	err := r.db.SelectContext(ctx, &counts, query)
	return counts, mapError(err, "count leases")
}
