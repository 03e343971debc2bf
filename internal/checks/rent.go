package checks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/db"
)

var rentThresholds = map[int]db.RentThreshold{
	5: db.RentFiveDays,
	1: db.RentOneDay,
	0: db.RentSameDay,
}

// DaysUntil counts calendar days from today to the expiration date in loc.
func DaysUntil(expiration, now time.Time, loc *time.Location) int {
	today := now.In(loc)
	from := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

func rentMessage(proxy *db.Proxy, days int, expiration time.Time) string {
	date := expiration.Format("2006-01-02")
	switch days {
	case 0:
		return fmt.Sprintf("Proxy %s rent expires today (%s)", proxy.Host, date)
	case 1:
		return fmt.Sprintf("Proxy %s rent expires tomorrow (%s)", proxy.Host, date)
	default:
		return fmt.Sprintf("Proxy %s rent expires in %d days (%s)", proxy.Host, days, date)
	}
}

// checkRent sends the expiry alert for the active rent when it sits exactly on
// a threshold whose flag is unset. The flag is claimed before sending so
// concurrent checkers alert once, and released if the alert fails.
func (c *ProxyChecker) checkRent(ctx context.Context, proxy *db.Proxy) ([]int, error) {
	rent, err := c.store.GetActiveRent(ctx, proxy.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rent of proxy %d: %w", proxy.ID, err)
	}
	if rent == nil || rent.ExpirationDate == nil {
		return nil, nil
	}

	days := DaysUntil(*rent.ExpirationDate, c.now(), c.location)
	threshold, ok := rentThresholds[days]
	if !ok || rent.Notified(threshold) {
		return nil, nil
	}

	claimed, err := c.store.ClaimRentNotification(ctx, rent.ID, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to claim rent notification: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := c.notifier.Notify(ctx, rentMessage(proxy, days, *rent.ExpirationDate)); err != nil {
		c.logger.Error("Failed to send rent alert",
			zap.Int64("proxy_id", proxy.ID), zap.Int("days", days), zap.Error(err))
		if rerr := c.store.ReleaseRentNotification(ctx, rent.ID, threshold); rerr != nil {
			return nil, fmt.Errorf("failed to release rent notification: %w", rerr)
		}
		return nil, nil
	}

	c.collector.RecordRentAlert(days)
	c.logger.Info("Rent alert sent", zap.Int64("proxy_id", proxy.ID), zap.Int("days", days))
	return []int{days}, nil
}
