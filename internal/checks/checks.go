package checks

import (
	"context"
	"time"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
)

// Store is the persistence the proxy checker needs.
type Store interface {
	ListProxies(ctx context.Context, all bool) ([]*db.Proxy, error)
	UpdateProxyHealth(ctx context.Context, id int64, status core.ProxyStatus, enabled bool) error
	GetActiveRent(ctx context.Context, proxyID int64) (*db.Rent, error)
	ClaimRentNotification(ctx context.Context, rentID int64, t db.RentThreshold) (bool, error)
	ReleaseRentNotification(ctx context.Context, rentID int64, t db.RentThreshold) error
}

// Resolver maps a host name to its IPv4 addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// Echo reports the public IP seen by a remote service when reached through proxyURL.
type Echo interface {
	EchoIP(ctx context.Context, proxyURL string) (string, error)
}

type Result struct {
	ProxyID    int64            `json:"proxy_id"`
	Proxy      string           `json:"proxy"`
	Status     core.ProxyStatus `json:"status"`
	Enabled    bool             `json:"enabled"`
	EchoedIP   string           `json:"echoed_ip,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
	RentAlerts []int            `json:"rent_alerts,omitempty"`
}

type Summary struct {
	Checked      int `json:"checked"`
	Available    int `json:"available"`
	NotAvailable int `json:"not_available"`
	IPNotEqual   int `json:"ip_not_equal"`
	Errors       int `json:"errors"`
}

func (s *Summary) add(r *Result) {
	s.Checked++
	switch r.Status {
	case core.ProxyAvailable:
		s.Available++
	case core.ProxyNotAvailable:
		s.NotAvailable++
	case core.ProxyIPNotEqual:
		s.IPNotEqual++
	}
}
