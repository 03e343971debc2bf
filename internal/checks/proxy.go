package checks

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/metrics"
	"github.com/leozw/credentials-manager/internal/notify"
)

type Config struct {
	Concurrency   int
	RatePerSecond float64
	Location      *time.Location
}

type ProxyChecker struct {
	store     Store
	echo      Echo
	resolver  Resolver
	notifier  notify.Notifier
	collector *metrics.Collector
	logger    *zap.Logger

	concurrency int
	limiter     *rate.Limiter
	location    *time.Location
	now         func() time.Time
}

func NewProxyChecker(
	store Store,
	echo Echo,
	resolver Resolver,
	notifier notify.Notifier,
	collector *metrics.Collector,
	cfg Config,
	logger *zap.Logger,
) *ProxyChecker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &ProxyChecker{
		store:       store,
		echo:        echo,
		resolver:    resolver,
		notifier:    notifier,
		collector:   collector,
		logger:      logger.With(zap.String("component", "proxy_checker")),
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		location:    cfg.Location,
		now:         time.Now,
	}
}

// CheckProxy verifies one proxy, persists its health and evaluates its rent.
// The returned error is reserved for store failures; an unreachable proxy is
// a result, not an error.
func (c *ProxyChecker) CheckProxy(ctx context.Context, proxy *db.Proxy) (*Result, error) {
	logger := c.logger.With(zap.Int64("proxy_id", proxy.ID), zap.String("proxy", proxy.String()))
	result := &Result{ProxyID: proxy.ID, Proxy: proxy.String()}

	start := time.Now()
	ip, err := c.echo.EchoIP(ctx, proxy.URL(false))
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = core.ProxyNotAvailable
		result.Enabled = false
		result.Error = err.Error()

		logger.Warn("Proxy check failed", zap.Error(err))
		if nerr := c.notifier.Notify(ctx, fmt.Sprintf("Proxy exhausted: %s", proxy.Host)); nerr != nil {
			logger.Error("Failed to send proxy alert", zap.Error(nerr))
		}
	} else {
		result.Enabled = true
		result.EchoedIP = ip
		switch {
		case proxy.Mobile:
			result.Status = core.ProxyAvailable
		case c.ipMatches(ctx, proxy.Host, ip):
			result.Status = core.ProxyAvailable
		default:
			result.Status = core.ProxyIPNotEqual
			logger.Info("Proxy exit IP differs from declared host", zap.String("echoed_ip", ip))
		}
	}

	c.collector.RecordCheck(result.Status, result.Duration)

	if err := c.store.UpdateProxyHealth(ctx, proxy.ID, result.Status, result.Enabled); err != nil {
		return result, fmt.Errorf("failed to update proxy %d: %w", proxy.ID, err)
	}

	if result.Enabled {
		alerts, err := c.checkRent(ctx, proxy)
		result.RentAlerts = alerts
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// ipMatches reports whether ip is the declared host or one of its addresses.
func (c *ProxyChecker) ipMatches(ctx context.Context, host, ip string) bool {
	echoed := net.ParseIP(ip)
	if echoed == nil {
		return false
	}

	if declared := net.ParseIP(host); declared != nil {
		return declared.Equal(echoed)
	}

	addrs, err := c.resolver.Resolve(ctx, host)
	if err != nil {
		c.logger.Warn("Failed to resolve proxy host", zap.String("host", host), zap.Error(err))
		return false
	}
	for _, addr := range addrs {
		if resolved := net.ParseIP(addr); resolved != nil && resolved.Equal(echoed) {
			return true
		}
	}
	return false
}

// CheckAll checks the enabled proxies, or every proxy when all is set. Checks
// run concurrently and one proxy's failure never stops the batch.
func (c *ProxyChecker) CheckAll(ctx context.Context, all bool) (*Summary, error) {
	proxies, err := c.store.ListProxies(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}

	var (
		mu      sync.Mutex
		summary Summary
		g       errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for _, proxy := range proxies {
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}

		proxy := proxy
		g.Go(func() error {
			result, err := c.CheckProxy(ctx, proxy)

			mu.Lock()
			defer mu.Unlock()
			if result != nil {
				summary.add(result)
			}
			if err != nil {
				summary.Errors++
				c.logger.Error("Proxy check could not be stored",
					zap.Int64("proxy_id", proxy.ID), zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()

	c.logger.Info("Proxy check completed",
		zap.Bool("all", all),
		zap.Int("checked", summary.Checked),
		zap.Int("available", summary.Available),
		zap.Int("not_available", summary.NotAvailable),
		zap.Int("ip_not_equal", summary.IPNotEqual),
		zap.Int("errors", summary.Errors))

	return &summary, ctx.Err()
}
