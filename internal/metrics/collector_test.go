package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/core"
)

func TestCollector_Records(t *testing.T) {
	sut := NewCollector(config.MimirConfig{})

	sut.RecordDispatch("vk", false)
	sut.RecordDispatch("vk", false)
	sut.RecordDispatch("ok", true)
	sut.RecordOutcome("vk", core.LeaseWaiting)
	sut.RecordCheck(core.ProxyIPNotEqual, 150*time.Millisecond)
	sut.SetLeaseCounts(map[string]map[core.LeaseStatus]int{
		"vk": {core.LeaseAvailable: 3, core.LeaseSent: 1},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(sut.leasesDispatched.WithLabelValues("vk", "single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sut.leasesDispatched.WithLabelValues("ok", "batch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sut.outcomesTotal.WithLabelValues("vk", "waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sut.checksTotal.WithLabelValues("ip_not_equal")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sut.leasesByStatus.WithLabelValues("vk", "available")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sut.leasesByStatus.WithLabelValues("vk", "banned")))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(config.MimirConfig{})
		NewCollector(config.MimirConfig{})
	})
}

func TestCollector_WriteToMimir(t *testing.T) {
	// Arrange
	var (
		tenant string
		got    prompb.WriteRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get("X-Scope-OrgID")
		body, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, body)
		if err == nil {
			_ = got.Unmarshal(data)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sut := NewCollector(config.MimirConfig{
		Enabled:  true,
		URL:      srv.URL,
		TenantID: "credman",
	})
	sut.RecordRecovery("vk", core.LeaseTemporarilyBanned)

	// Act
	err := sut.writeToMimir(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "credman", tenant)

	found := false
	for _, series := range got.Timeseries {
		for _, l := range series.Labels {
			if l.Name == "__name__" && l.Value == "credman_leases_recovered_total" {
				found = true
			}
			assert.NotEqual(t, "go_goroutines", l.Value)
		}
	}
	assert.True(t, found)
}
