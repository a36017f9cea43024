package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/screa/coin-finder/internal/crypto"
	"github.com/screa/coin-finder/pkg/randstream"
	"github.com/screa/coin-finder/pkg/types"
)

// DefaultCooldown is the pause after a failed balance query
const DefaultCooldown = time.Second

// BalanceChecker looks up balances for a batch of addresses
type BalanceChecker interface {
	GetBalances(ctx context.Context, addresses []string) ([]types.BalanceResult, time.Duration, error)
}

// HitSink persists hits
type HitSink interface {
	AppendHits(hits []types.HitRecord) error
}

// StatsRecorder receives batch events
type StatsRecorder interface {
	RecordBatch(ev types.BatchEvent)
	RecordError(count int)
}

// Config contains configuration for a single worker
type Config struct {
	ID        int
	BatchSize int
	BaseSeed  string
	Provider  string
	Cooldown  time.Duration

	// AdvanceBatchOnFailure moves to the next batch id even when the balance
	// query failed. Off by default: the retry is recorded under the same id.
	AdvanceBatchOnFailure bool

	// DisableEntropy drops OS entropy from the seed so batches can be replayed
	// from their seed descriptor alone
	DisableEntropy bool
}

// Worker generates candidate batches, checks their balances and reports hits.
// Its batches run strictly one after another.
type Worker struct {
	config    Config
	checker   BalanceChecker
	sink      HitSink
	stats     StatsRecorder
	logger    logrus.FieldLogger
	generator *crypto.Generator

	batchID atomic.Uint64
	state   atomic.Int32

	now     func() time.Time
	entropy io.Reader
}

// Option customizes a Worker
type Option func(*Worker)

// WithClock overrides the time source used for seeding and timestamps
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithEntropy overrides the OS entropy source mixed into each batch seed
func WithEntropy(r io.Reader) Option {
	return func(w *Worker) {
		w.entropy = r
	}
}

// NewWorker creates a new worker instance
func NewWorker(cfg Config, checker BalanceChecker, sink HitSink, stats StatsRecorder, log logrus.FieldLogger, opts ...Option) *Worker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	w := &Worker{
		config:    cfg,
		checker:   checker,
		sink:      sink,
		stats:     stats,
		logger:    log.WithField("worker", cfg.ID),
		generator: crypto.NewGenerator(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.setState(StateReseeding)
	return w
}

// BatchID returns the id the next batch will run under
func (w *Worker) BatchID() uint64 {
	return w.batchID.Load()
}

// State returns the current loop phase
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run loops over batches until ctx is cancelled. Only unexpected failures are
// returned; query failures are recorded and retried.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateDraining)

	for {
		if ctx.Err() != nil {
			return nil
		}
		stop, err := w.RunBatch(ctx)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// RunBatch executes one loop iteration. It reports stop=true when the worker
// should not start another batch.
func (w *Worker) RunBatch(ctx context.Context) (bool, error) {
	batchStart := time.Now()
	batchID := w.BatchID()

	// Reseeding
	w.setState(StateReseeding)
	timestampNs := w.now().UnixNano()
	material := SeedMaterial(w.config.BaseSeed, w.config.ID, batchID, timestampNs)
	if !w.config.DisableEntropy {
		if w.entropy != nil {
			material.WithEntropyReader(w.entropy)
		} else {
			material.WithEntropy()
		}
	}
	stream, err := material.Stream()
	if err != nil {
		return true, fmt.Errorf("worker %d batch %d: seed stream: %w", w.config.ID, batchID, err)
	}
	descriptor := types.SeedDescriptor(w.config.BaseSeed, w.config.ID, batchID, timestampNs)

	// Generating
	w.setState(StateGenerating)
	candidates, err := w.generate(ctx, stream, batchID, descriptor)
	if err != nil {
		return true, fmt.Errorf("worker %d batch %d: %w", w.config.ID, batchID, err)
	}
	if len(candidates) == 0 {
		return true, nil
	}

	// Querying
	w.setState(StateQuerying)
	addresses := make([]string, len(candidates))
	for i := range candidates {
		addresses[i] = candidates[i].Address
	}
	results, latency, err := w.checker.GetBalances(ctx, addresses)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		w.logger.WithError(err).WithField("batch", batchID).Error("balance lookup failed")
		w.stats.RecordError(1)
		if w.config.AdvanceBatchOnFailure {
			w.batchID.Add(1)
		}
		return !w.cooldown(ctx), nil
	}

	// Classifying
	w.setState(StateClassifying)
	hits, errCount := w.classify(candidates, results)

	// Reporting
	w.setState(StateReporting)
	if err := w.sink.AppendHits(hits); err != nil {
		errCount++
		for _, h := range hits {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"address":     h.Address,
				"balance_wei": h.BalanceWei.Dec(),
				"seed":        h.SeedDescriptor,
			}).Error("failed to persist hit")
		}
	}

	ev := types.BatchEvent{
		KeysGenerated: len(candidates),
		RequestsMade:  len(addresses),
		Hits:          len(hits),
		Errors:        errCount,
		BatchDuration: time.Since(batchStart),
		RPCLatency:    latency,
	}
	if len(hits) > 0 {
		ev.LastHit = hits[len(hits)-1].Address
	}
	w.stats.RecordBatch(ev)

	w.batchID.Add(1)
	return false, nil
}

// generate draws up to BatchSize candidates, stopping early on cancellation
func (w *Worker) generate(ctx context.Context, src randstream.ByteSource, batchID uint64, descriptor string) ([]types.KeyCandidate, error) {
	candidates := make([]types.KeyCandidate, 0, w.config.BatchSize)
	for i := 0; i < w.config.BatchSize; i++ {
		if ctx.Err() != nil {
			break
		}
		km, err := w.generator.Generate(src)
		if err != nil {
			return nil, fmt.Errorf("generate candidate %d: %w", i, err)
		}
		candidates = append(candidates, types.KeyCandidate{
			Address:        km.Address,
			PublicKey:      km.PublicKey[:],
			WorkerID:       w.config.ID,
			BatchID:        batchID,
			Index:          i,
			SeedDescriptor: descriptor,
			GeneratedAt:    w.now(),
		})
	}
	return candidates, nil
}

// classify matches results to candidates by address. Missing and failed
// lookups count as errors without affecting their siblings.
func (w *Worker) classify(candidates []types.KeyCandidate, results []types.BalanceResult) ([]types.HitRecord, int) {
	byAddress := make(map[string]*types.BalanceResult, len(results))
	for i := range results {
		byAddress[results[i].Address] = &results[i]
	}

	var (
		hits   []types.HitRecord
		errors int
	)
	for i := range candidates {
		c := &candidates[i]
		r, ok := byAddress[c.Address]
		if !ok {
			errors++
			continue
		}
		if r.Err != nil {
			errors++
			w.logger.WithError(r.Err).WithField("address", c.Address).Debug("balance lookup error")
			continue
		}
		if r.HasBalance() {
			hit := types.NewHitRecord(c, r.Balance, w.config.Provider, w.now())
			w.logger.WithFields(logrus.Fields{
				"address":     hit.Address,
				"balance_eth": hit.BalanceEth,
				"batch":       hit.BatchID,
				"index":       hit.Index,
			}).Warn("funded address found")
			hits = append(hits, hit)
		}
	}
	return hits, errors
}

// cooldown waits before the next attempt; false means ctx was cancelled
func (w *Worker) cooldown(ctx context.Context) bool {
	t := time.NewTimer(w.config.Cooldown)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SeedMaterial returns the deterministic part of a batch seed: base seed,
// worker id, batch id and a 16-byte big-endian nanosecond timestamp. Together
// with a seed descriptor it lets a batch be replayed when entropy is disabled.
func SeedMaterial(baseSeed string, workerID int, batchID uint64, timestampNs int64) *randstream.Material {
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[8:], uint64(timestampNs))
	return randstream.NewMaterial().
		Text(baseSeed).
		Text(strconv.Itoa(workerID)).
		Text(strconv.FormatUint(batchID, 10)).
		Bytes(ts[:])
}
