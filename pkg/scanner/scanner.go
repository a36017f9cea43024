package scanner

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/screa/coin-finder/internal/config"
	"github.com/screa/coin-finder/internal/dashboard"
	"github.com/screa/coin-finder/internal/metrics"
	"github.com/screa/coin-finder/pkg/rpc"
	"github.com/screa/coin-finder/pkg/sink"
	"github.com/screa/coin-finder/pkg/stats"
	"github.com/screa/coin-finder/pkg/worker"
)

// Scanner coordinates the workers and the statistics consumers
type Scanner struct {
	config    *config.Config
	logger    logrus.FieldLogger
	sessionID string
	out       io.Writer

	client   *rpc.Client
	stats    *stats.Statistics
	sink     *sink.CSVWriter
	workers  []*worker.Worker
	registry *prometheus.Registry

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// Option customizes a Scanner
type Option func(*Scanner)

// WithSessionID tags logs and the dashboard with a run identifier
func WithSessionID(id string) Option {
	return func(s *Scanner) {
		s.sessionID = id
	}
}

// WithOutput sets where the dashboard is drawn; stdout by default
func WithOutput(w io.Writer) Option {
	return func(s *Scanner) {
		s.out = w
	}
}

// NewScanner wires the RPC client, statistics store, hit sink and workers
// from cfg. cfg must already be validated.
func NewScanner(cfg *config.Config, log logrus.FieldLogger, opts ...Option) *Scanner {
	s := &Scanner{
		config: cfg,
		logger: log,
		out:    os.Stdout,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessionID != "" {
		s.logger = s.logger.WithField("session", s.sessionID)
	}

	retry := rpc.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxRetries
	retry.MaxElapsedTime = cfg.MaxRetryTime

	s.client = rpc.NewClient(cfg.RPCURL,
		rpc.WithTimeout(cfg.RPCTimeout),
		rpc.WithMaxOutstanding(cfg.MaxOutstanding),
		rpc.WithRetryPolicy(retry),
		rpc.WithLogger(s.logger.WithField("component", "rpc")),
	)
	balances := rpc.NewBalanceClient(s.client, "latest")

	s.stats = stats.New(stats.Options{
		StorePath:    cfg.StatsPath(),
		SaveInterval: cfg.StatsSaveInterval,
	})
	s.sink = sink.NewCSVWriter(cfg.HitsPath())

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(metrics.NewCollector(s.stats, cfg.ProviderName))

	workerLog := s.logger.WithField("component", "worker")
	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, worker.NewWorker(worker.Config{
			ID:                    i,
			BatchSize:             cfg.BatchSize,
			BaseSeed:              cfg.Seed,
			Provider:              cfg.ProviderName,
			Cooldown:              cfg.FailureCooldown,
			AdvanceBatchOnFailure: cfg.AdvanceBatchOnFailure,
		}, balances, s.sink, s.stats, workerLog))
	}
	return s
}

// Run starts all workers and blocks until ctx is cancelled, Stop is called or
// a worker fails. Consumers are stopped and statistics flushed before it
// returns.
func (s *Scanner) Run(ctx context.Context) error {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	s.logger.WithFields(logrus.Fields{
		"workers":    s.config.Workers,
		"batch_size": s.config.BatchSize,
		"provider":   s.config.ProviderName,
		"endpoint":   s.config.RedactedRPCURL(),
		"hits_file":  s.sink.Path(),
	}).Info("scanner started")

	dashCtx, stopDash := context.WithCancel(context.Background())
	dashDone := s.startDashboard(dashCtx)

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	metricsDone := s.startMetrics(metricsCtx)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()
	if err != nil {
		s.logger.WithError(err).Error("worker failed")
	}

	stopDash()
	<-dashDone
	stopMetrics()
	<-metricsDone

	s.client.Close()
	s.stats.Close()

	snap := s.stats.Snapshot()
	s.logger.WithFields(logrus.Fields{
		"duration": time.Since(start).Round(time.Millisecond),
		"keys":     snap.TotalKeysGenerated,
		"requests": snap.TotalRequests,
		"hits":     snap.TotalHits,
		"errors":   snap.TotalErrors,
	}).Info("scanner stopped")
	return err
}

func (s *Scanner) startDashboard(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.config.NoDashboard {
			dashboard.LogProgress(ctx, s.stats, s.config.StatsRefreshInterval, s.logger.WithField("component", "progress"))
			return
		}
		dashboard.New(s.stats, s.out, dashboard.Info{
			Provider:  s.config.ProviderName,
			Workers:   s.config.Workers,
			BatchSize: s.config.BatchSize,
			SessionID: s.sessionID,
		}, s.config.StatsRefreshInterval).Run(ctx)
	}()
	return done
}

func (s *Scanner) startMetrics(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if s.config.MetricsAddr == "" {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		log := s.logger.WithField("component", "metrics")
		if err := metrics.Serve(ctx, s.config.MetricsAddr, s.registry, log); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return done
}

// Stop asks the workers to drain; Run returns once they have
func (s *Scanner) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Done is closed when Run has returned
func (s *Scanner) Done() <-chan struct{} {
	return s.done
}

// Stats returns the shared statistics store
func (s *Scanner) Stats() *stats.Statistics {
	return s.stats
}

// Registry returns the Prometheus registry holding the scanner collector
func (s *Scanner) Registry() *prometheus.Registry {
	return s.registry
}
