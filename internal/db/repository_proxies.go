package db

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/credentials-manager/internal/core"
)

// UpsertProxy inserts a proxy or refreshes the row with the same host and port.
// A re-imported proxy is considered healthy and enabled until the next check.
func (r *Repository) UpsertProxy(ctx context.Context, p *Proxy) error {
	if p.Scheme == "" {
		p.Scheme = core.SchemeHTTP
	}
	if p.Market == "" {
		p.Market = "unknown"
	}

	query := `
        INSERT INTO proxies (scheme, host, port, login, password, mobile, market, status, enabled)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'available', TRUE)
        ON CONFLICT (host, port) DO UPDATE SET
            scheme = EXCLUDED.scheme,
            login = EXCLUDED.login,
            password = EXCLUDED.password,
            mobile = EXCLUDED.mobile,
            market = EXCLUDED.market,
            status = 'available',
            enabled = TRUE,
            status_updated_at = NOW()
        RETURNING id, status, status_updated_at, enabled, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		p.Scheme, p.Host, p.Port, p.Login, p.Password, p.Mobile, p.Market,
	).Scan(&p.ID, &p.Status, &p.StatusUpdatedAt, &p.Enabled, &p.CreatedAt)
	return mapError(err, "upsert proxy")
}

// ListProxies returns the enabled proxies, or every proxy when all is set.
func (r *Repository) ListProxies(ctx context.Context, all bool) ([]*Proxy, error) {
	proxies := []*Proxy{}
	query := `SELECT * FROM proxies WHERE ($1 OR enabled = true) ORDER BY id`
	err := r.db.SelectContext(ctx, &proxies, query, all)
	return proxies, mapError(err, "list proxies")
}

func (r *Repository) UpdateProxyHealth(ctx context.Context, id int64, status core.ProxyStatus, enabled bool) error {
	query := `
        UPDATE proxies SET
            status = $2,
            enabled = $3,
            status_updated_at = NOW()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, status, enabled)
	if err != nil {
		return mapError(err, "update proxy health")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update proxy health: %w", core.ErrNotFound)
	}
	return nil
}

// ListAvailableProxies returns healthy proxies, least paired first.
func (r *Repository) ListAvailableProxies(ctx context.Context) ([]*ProxyLoad, error) {
	proxies := []*ProxyLoad{}
	query := `
        SELECT p.*, COUNT(l.id) AS lease_count
        FROM proxies p
        LEFT JOIN leases l ON l.proxy_id = p.id
        WHERE p.enabled = true AND p.status = 'available'
        GROUP BY p.id
        ORDER BY lease_count, p.id`

	err := r.db.SelectContext(ctx, &proxies, query)
	return proxies, mapError(err, "list available proxies")
}

// LeastLoadedProxy returns the healthy proxy with the fewest dispatches for a network.
func (r *Repository) LeastLoadedProxy(ctx context.Context, networkTitle string) (*Proxy, error) {
	var p Proxy
	query := `
        SELECT p.* FROM proxies p
        JOIN networks n ON n.title = $1
        LEFT JOIN proxy_counters pc ON pc.proxy_id = p.id AND pc.network_id = n.id
        WHERE p.enabled = true AND p.status = 'available'
        ORDER BY COALESCE(pc.counter, 0), p.id
        LIMIT 1`

	if err := r.db.GetContext(ctx, &p, query, networkTitle); err != nil {
		return nil, mapError(err, "least loaded proxy")
	}
	return &p, nil
}

// FreeProxyIDs lists healthy proxies not yet paired with any lease of the network.
func (r *Repository) FreeProxyIDs(ctx context.Context, networkID int64) ([]int64, error) {
	ids := []int64{}
	query := `
        SELECT p.id FROM proxies p
        WHERE p.enabled = true AND p.status = 'available'
        AND NOT EXISTS (
            SELECT 1 FROM leases l
            WHERE l.network_id = $1 AND l.proxy_id = p.id
        )
        ORDER BY p.id`

	err := r.db.SelectContext(ctx, &ids, query, networkID)
	return ids, mapError(err, "list free proxies")
}

// ProvisionProxy upserts a proxy and appends a rent when an expiration date is
// given. It reports whether a new rent row was written.
func (r *Repository) ProvisionProxy(ctx context.Context, p *Proxy, expiration *time.Time, price *int) (bool, error) {
	if err := r.UpsertProxy(ctx, p); err != nil {
		return false, err
	}
	if expiration == nil {
		return false, nil
	}
	return r.AddRent(ctx, &Rent{ProxyID: p.ID, ExpirationDate: expiration, Price: price})
}

// Rents

// AddRent appends a rent unless the active rent already has the same expiration.
func (r *Repository) AddRent(ctx context.Context, rent *Rent) (bool, error) {
	query := `
        INSERT INTO proxy_rents (proxy_id, expiration_date, price)
        SELECT $1, $2::date, $3
        WHERE NOT EXISTS (
            SELECT 1 FROM (
                SELECT expiration_date FROM proxy_rents
                WHERE proxy_id = $1
                ORDER BY id DESC
                LIMIT 1
            ) active
            WHERE active.expiration_date IS NOT DISTINCT FROM $2::date
        )
        RETURNING id, created_at`

	rows, err := r.db.QueryxContext(ctx, query, rent.ProxyID, rent.ExpirationDate, rent.Price)
	if err != nil {
		return false, mapError(err, "add rent")
	}
	defer rows.Close()

	if !rows.Next() {
		return false, mapError(rows.Err(), "add rent")
	}
	if err := rows.Scan(&rent.ID, &rent.CreatedAt); err != nil {
		return false, mapError(err, "add rent")
	}
	return true, nil
}

// GetActiveRent returns the most recent rent of a proxy, or nil when it has none.
func (r *Repository) GetActiveRent(ctx context.Context, proxyID int64) (*Rent, error) {
	var rents []Rent
	query := `SELECT * FROM proxy_rents WHERE proxy_id = $1 ORDER BY id DESC LIMIT 1`
	if err := r.db.SelectContext(ctx, &rents, query, proxyID); err != nil {
		return nil, mapError(err, "get active rent")
	}
	if len(rents) == 0 {
		return nil, nil
	}
	return &rents[0], nil
}

// ClaimRentNotification sets the one-shot flag for t and reports whether this
// call was the one that set it.
func (r *Repository) ClaimRentNotification(ctx context.Context, rentID int64, t RentThreshold) (bool, error) {
	col := t.column()
	query := fmt.Sprintf(`UPDATE proxy_rents SET %s = TRUE WHERE id = $1 AND %s = FALSE`, col, col)

	res, err := r.db.ExecContext(ctx, query, rentID)
	if err != nil {
		return false, mapError(err, "claim rent notification")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRentNotification clears the flag for t so the alert is retried.
func (r *Repository) ReleaseRentNotification(ctx context.Context, rentID int64, t RentThreshold) error {
	col := t.column()
	query := fmt.Sprintf(`UPDATE proxy_rents SET %s = FALSE WHERE id = $1`, col)
	_, err := r.db.ExecContext(ctx, query, rentID)
	return mapError(err, "release rent notification")
}
