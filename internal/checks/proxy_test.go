package checks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/metrics"
)

type health struct {
	status  core.ProxyStatus
	enabled bool
}

type fakeStore struct {
	mu      sync.Mutex
	proxies []*db.Proxy
	rents   map[int64]*db.Rent
	health  map[int64]health
}

func newFakeStore(proxies ...*db.Proxy) *fakeStore {
	return &fakeStore{
		proxies: proxies,
		rents:   map[int64]*db.Rent{},
		health:  map[int64]health{},
	}
}

func (s *fakeStore) ListProxies(_ context.Context, all bool) ([]*db.Proxy, error) {
	var out []*db.Proxy
	for _, p := range s.proxies {
		if all || p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateProxyHealth(_ context.Context, id int64, status core.ProxyStatus, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[id] = health{status: status, enabled: enabled}
	return nil
}

func (s *fakeStore) GetActiveRent(_ context.Context, proxyID int64) (*db.Rent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rents[proxyID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) rentByID(id int64) *db.Rent {
	for _, r := range s.rents {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *fakeStore) ClaimRentNotification(_ context.Context, rentID int64, t db.RentThreshold) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rentByID(rentID)
	if r == nil || r.Notified(t) {
		return false, nil
	}
	setFlag(r, t, true)
	return true, nil
}

func (s *fakeStore) ReleaseRentNotification(_ context.Context, rentID int64, t db.RentThreshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rentByID(rentID); r != nil {
		setFlag(r, t, false)
	}
	return nil
}

func setFlag(r *db.Rent, t db.RentThreshold, v bool) {
	switch t {
	case db.RentFiveDays:
		r.FiveDayNotified = v
	case db.RentOneDay:
		r.OneDayNotified = v
	default:
		r.SameDayNotified = v
	}
}

type fakeEcho struct {
	ip  string
	err error
}

func (e fakeEcho) EchoIP(context.Context, string) (string, error) {
	return e.ip, e.err
}

type fakeResolver map[string][]string

func (r fakeResolver) Resolve(_ context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, message)
	return nil
}

func newChecker(store Store, echo Echo, notifier *recordingNotifier) *ProxyChecker {
	return NewProxyChecker(store, echo, fakeResolver{"proxy.example.com": {"5.6.7.8"}}, notifier,
		metrics.NewCollector(config.MimirConfig{}), Config{Concurrency: 4}, zap.NewNop())
}

func TestProxyChecker_CheckProxy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		proxy       *db.Proxy
		echo        fakeEcho
		wantStatus  core.ProxyStatus
		wantEnabled bool
		wantAlerts  int
	}{
		{
			name:        "matching ip is available",
			proxy:       &db.Proxy{ID: 1, Host: "1.2.3.4", Port: 80},
			echo:        fakeEcho{ip: "1.2.3.4"},
			wantStatus:  core.ProxyAvailable,
			wantEnabled: true,
		},
		{
			name:        "different ip is flagged",
			proxy:       &db.Proxy{ID: 2, Host: "1.2.3.4", Port: 80},
			echo:        fakeEcho{ip: "9.9.9.9"},
			wantStatus:  core.ProxyIPNotEqual,
			wantEnabled: true,
		},
		{
			name:        "mobile proxy is never ip_not_equal",
			proxy:       &db.Proxy{ID: 3, Host: "1.2.3.4", Port: 80, Mobile: true},
			echo:        fakeEcho{ip: "9.9.9.9"},
			wantStatus:  core.ProxyAvailable,
			wantEnabled: true,
		},
		{
			name:        "hostname matches a resolved address",
			proxy:       &db.Proxy{ID: 4, Host: "proxy.example.com", Port: 80},
			echo:        fakeEcho{ip: "5.6.7.8"},
			wantStatus:  core.ProxyAvailable,
			wantEnabled: true,
		},
		{
			name:        "unresolvable hostname is not equal",
			proxy:       &db.Proxy{ID: 5, Host: "gone.example.com", Port: 80},
			echo:        fakeEcho{ip: "5.6.7.8"},
			wantStatus:  core.ProxyIPNotEqual,
			wantEnabled: true,
		},
		{
			name:        "transport failure disables and alerts",
			proxy:       &db.Proxy{ID: 6, Host: "1.2.3.4", Port: 80, Enabled: true},
			echo:        fakeEcho{err: fmt.Errorf("%w: refused", core.ErrUpstreamUnavailable)},
			wantStatus:  core.ProxyNotAvailable,
			wantEnabled: false,
			wantAlerts:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			store := newFakeStore(tt.proxy)
			notifier := &recordingNotifier{}
			sut := newChecker(store, tt.echo, notifier)

			// Act
			result, err := sut.CheckProxy(ctx, tt.proxy)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantEnabled, result.Enabled)
			assert.Equal(t, health{tt.wantStatus, tt.wantEnabled}, store.health[tt.proxy.ID])
			assert.Len(t, notifier.messages, tt.wantAlerts)
		})
	}
}

func TestProxyChecker_Rent(t *testing.T) {
	ctx := context.Background()
	loc := time.UTC
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, loc)

	setup := func(daysLeft int) (*ProxyChecker, *fakeStore, *recordingNotifier, *db.Proxy) {
		proxy := &db.Proxy{ID: 7, Host: "1.2.3.4", Port: 80, Enabled: true}
		expires := now.AddDate(0, 0, daysLeft)
		store := newFakeStore(proxy)
		store.rents[proxy.ID] = &db.Rent{ID: 70, ProxyID: proxy.ID, ExpirationDate: &expires}
		notifier := &recordingNotifier{}
		sut := newChecker(store, fakeEcho{ip: "1.2.3.4"}, notifier)
		sut.now = func() time.Time { return now }
		return sut, store, notifier, proxy
	}

	for _, days := range []int{5, 1, 0} {
		t.Run(fmt.Sprintf("alert at %d days fires exactly once", days), func(t *testing.T) {
			// Arrange
			sut, _, notifier, proxy := setup(days)

			// Act
			first, err1 := sut.CheckProxy(ctx, proxy)
			second, err2 := sut.CheckProxy(ctx, proxy)

			// Assert
			require.NoError(t, err1)
			require.NoError(t, err2)
			assert.Equal(t, []int{days}, first.RentAlerts)
			assert.Empty(t, second.RentAlerts)
			assert.Len(t, notifier.messages, 1)
		})
	}

	t.Run("no alert between thresholds", func(t *testing.T) {
		// Arrange
		sut, _, notifier, proxy := setup(3)

		// Act
		result, err := sut.CheckProxy(ctx, proxy)

		// Assert
		require.NoError(t, err)
		assert.Empty(t, result.RentAlerts)
		assert.Empty(t, notifier.messages)
	})

	t.Run("failed alert releases the flag for a retry", func(t *testing.T) {
		// Arrange
		sut, store, notifier, proxy := setup(1)
		notifier.err = errors.New("telegram down")

		// Act
		_, err := sut.CheckProxy(ctx, proxy)
		notifier.err = nil
		retry, retryErr := sut.CheckProxy(ctx, proxy)

		// Assert
		require.NoError(t, err)
		require.NoError(t, retryErr)
		assert.Equal(t, []int{1}, retry.RentAlerts)
		assert.True(t, store.rents[proxy.ID].OneDayNotified)
	})
}

func TestDaysUntil(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	expires := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	// 22:30 UTC on the 10th is already the 11th in MSK.
	assert.Equal(t, 0, DaysUntil(expires, time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC), loc))
	assert.Equal(t, 1, DaysUntil(expires, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), loc))
	assert.Equal(t, -1, DaysUntil(expires, time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC), loc))
}

func TestProxyChecker_CheckAll(t *testing.T) {
	// Arrange
	store := newFakeStore(
		&db.Proxy{ID: 1, Host: "1.2.3.4", Port: 80, Enabled: true},
		&db.Proxy{ID: 2, Host: "2.2.2.2", Port: 80, Enabled: true},
		&db.Proxy{ID: 3, Host: "3.3.3.3", Port: 80, Enabled: false},
	)
	sut := newChecker(store, fakeEcho{ip: "1.2.3.4"}, &recordingNotifier{})

	// Act
	enabledOnly, err := sut.CheckAll(context.Background(), false)
	everything, errAll := sut.CheckAll(context.Background(), true)

	// Assert
	require.NoError(t, err)
	require.NoError(t, errAll)
	assert.Equal(t, Summary{Checked: 2, Available: 1, IPNotEqual: 1}, *enabledOnly)
	assert.Equal(t, 3, everything.Checked)
}

func TestHTTPEcho_EchoIP(t *testing.T) {
	// The test server plays both the forward proxy and the echo service.
	newProxy := func(t *testing.T, status int, body string) string {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Host != "echo.test" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return srv.URL
	}

	t.Run("returns the echoed address through the proxy", func(t *testing.T) {
		// Arrange
		proxyURL := newProxy(t, http.StatusOK, "203.0.113.7\n")
		sut := NewHTTPEcho("http://echo.test/", 5*time.Second)

		// Act
		ip, err := sut.EchoIP(context.Background(), proxyURL)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7", ip)
	})

	t.Run("non-2xx is an upstream failure", func(t *testing.T) {
		// Arrange
		proxyURL := newProxy(t, http.StatusForbidden, "")
		sut := NewHTTPEcho("http://echo.test/", 5*time.Second)

		// Act
		_, err := sut.EchoIP(context.Background(), proxyURL)

		// Assert
		assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
	})

	t.Run("unreachable proxy is an upstream failure", func(t *testing.T) {
		// Arrange
		srv := httptest.NewServer(http.NotFoundHandler())
		u, _ := url.Parse(srv.URL)
		srv.Close()
		port, _ := strconv.Atoi(u.Port())
		proxy := &db.Proxy{Scheme: core.SchemeHTTP, Host: u.Hostname(), Port: port}
		sut := NewHTTPEcho("http://echo.test/", time.Second)

		// Act
		_, err := sut.EchoIP(context.Background(), proxy.URL(false))

		// Assert
		assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
	})
}
