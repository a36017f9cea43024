package scanner

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screa/coin-finder/internal/config"
	"github.com/screa/coin-finder/pkg/stats"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// balanceServer answers every eth_getBalance batch. The first batch it sees is
// funded, every later one is empty.
func balanceServer(t *testing.T, requests *atomic.Int64) *httptest.Server {
	var first atomic.Bool
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&batch)) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		requests.Add(int64(len(batch)))

		result := "0x0"
		if first.CompareAndSwap(false, true) {
			result = "0x5"
		}
		out := make([]map[string]any, len(batch))
		for i, req := range batch {
			assert.Equal(t, "eth_getBalance", req.Method)
			out[i] = map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func testConfig(t *testing.T, url string) *config.Config {
	cfg := config.NewConfig()
	cfg.RPCURL = url
	cfg.Workers = 2
	cfg.BatchSize = 4
	cfg.OutputDir = t.TempDir()
	cfg.NoDashboard = true
	cfg.StatsRefreshInterval = 10 * time.Millisecond
	cfg.StatsSaveInterval = time.Second
	cfg.FailureCooldown = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestScannerRecordsHitsAndFlushesStats(t *testing.T) {
	var requests atomic.Int64
	srv := balanceServer(t, &requests)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	s := NewScanner(cfg, quietLogger(), WithSessionID("test-session"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return s.Stats().Snapshot().TotalHits == uint64(cfg.BatchSize) && requests.Load() > int64(cfg.BatchSize)
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scanner did not stop")
	}
	<-s.Done()

	f, err := os.Open(cfg.HitsPath())
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1+cfg.BatchSize)
	for _, row := range rows[1:] {
		assert.Equal(t, "5", row[2])
		assert.Len(t, row[0], 128)
	}

	ls := stats.LoadLifetime(cfg.StatsPath())
	snap := s.Stats().Snapshot()
	assert.Equal(t, snap.TotalKeysGenerated, ls.TotalKeysGenerated, "final persist on shutdown")
	assert.Equal(t, uint64(cfg.BatchSize), ls.TotalHits)
	assert.Equal(t, snap.TotalKeysGenerated, snap.TotalRequests)
}

func TestScannerStopBeforeRun(t *testing.T) {
	var requests atomic.Int64
	srv := balanceServer(t, &requests)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	s := NewScanner(cfg, quietLogger())
	s.Stop()
	s.Stop()

	require.NoError(t, s.Run(context.Background()))
	assert.Zero(t, requests.Load())
	assert.NoFileExists(t, cfg.HitsPath())
}

func TestScannerCountsFailedBatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Workers = 1
	s := NewScanner(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return s.Stats().Snapshot().TotalErrors >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	snap := s.Stats().Snapshot()
	assert.Zero(t, snap.TotalBatches)
	assert.Zero(t, snap.TotalHits)
}

func TestScannerRegistryExposesStats(t *testing.T) {
	s := NewScanner(testConfig(t, "http://127.0.0.1:1"), quietLogger())

	families, err := s.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["coin_finder_session_hits_total"])
	assert.True(t, names["coin_finder_lifetime_hit_chance"])
}
