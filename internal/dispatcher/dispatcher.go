// Package dispatcher coordinates one scrape run: it partitions the ID space,
// fans the ranges out to a fixed pool of workers and joins them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/partition"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
	"github.com/JakeFAU/ets-registry-scraper/internal/worker"
)

// ErrAlreadyRunning is returned when Run is called on a busy Dispatcher.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// State is the lifecycle position of a run.
type State int32

// Run states, in order.
const (
	StateIdle State = iota
	StateRunning
	StateJoining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateJoining:
		return "joining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FetcherFactory builds the fetcher owned by worker index.
type FetcherFactory func(index int) (registry.Fetcher, error)

// Config controls a run.
type Config struct {
	MinID            int
	MaxID            int
	Workers          int
	ProgressInterval int
}

// Result is handed out once every worker has joined.
type Result struct {
	Tables     aggregate.Snapshot
	Stats      worker.Stats
	Ranges     []partition.Range
	StartedAt  time.Time
	FinishedAt time.Time
}

// Total is the size of the ID space the run was assigned.
func (r Result) Total() int {
	total := 0
	for _, rng := range r.Ranges {
		total += rng.Len()
	}
	return total
}

// SuccessRatio is the share of the whole ID space whose page was fetched.
// IDs skipped by an interrupted run count as unsuccessful.
func (r Result) SuccessRatio() float64 {
	total := r.Total()
	if total == 0 {
		return 0
	}
	return float64(r.Stats.Succeeded) / float64(total)
}

// Progress is a point-in-time view of a run.
type Progress struct {
	State     string `json:"state"`
	Total     int    `json:"total"`
	Attempted int64  `json:"attempted"`
	Succeeded int64  `json:"succeeded"`
}

// Dispatcher fans a run out to a pool of workers.
type Dispatcher struct {
	cfg        Config
	newFetcher FetcherFactory
	extractor  worker.Extractor
	clock      registry.Clock
	logger     *zap.Logger

	state     atomic.Int32
	attempted atomic.Int64
	succeeded atomic.Int64
}

// New creates a Dispatcher.
func New(
	cfg Config,
	newFetcher FetcherFactory,
	extractor worker.Extractor,
	clock registry.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:        cfg,
		newFetcher: newFetcher,
		extractor:  extractor,
		clock:      clock,
		logger:     logger,
	}
}

// Run partitions the ID space, starts exactly cfg.Workers workers and blocks
// until all of them have finished their ranges. Partition and fetcher
// construction errors are returned before any worker starts.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) &&
		!d.state.CompareAndSwap(int32(StateDone), int32(StateRunning)) {
		return Result{}, ErrAlreadyRunning
	}
	d.attempted.Store(0)
	d.succeeded.Store(0)

	ranges, err := partition.Split(d.cfg.MinID, d.cfg.MaxID, d.cfg.Workers)
	if err != nil {
		d.state.Store(int32(StateIdle))
		return Result{}, fmt.Errorf("partition id space: %w", err)
	}

	tables := aggregate.New()
	workers := make([]*worker.Worker, 0, len(ranges))
	for i, rng := range ranges {
		fetcher, err := d.newFetcher(i)
		if err != nil {
			d.state.Store(int32(StateIdle))
			return Result{}, fmt.Errorf("init fetcher for worker %d: %w", i, err)
		}
		workers = append(workers, worker.New(
			i,
			rng,
			fetcher,
			d.extractor,
			tables,
			d,
			worker.Config{ProgressInterval: d.cfg.ProgressInterval},
			d.logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	for _, w := range workers {
		d.logger.Debug("worker assigned",
			zap.Int("worker", w.Index()),
			zap.Stringer("range", w.Range()),
		)
	}

	startedAt := d.clock.Now()
	d.logger.Info("run started",
		zap.Int("min_id", d.cfg.MinID),
		zap.Int("max_id", d.cfg.MaxID),
		zap.Int("workers", len(workers)),
	)

	stats := make([]worker.Stats, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, wk *worker.Worker) {
			defer wg.Done()
			stats[i] = wk.Run(ctx)
		}(i, w)
	}

	d.state.Store(int32(StateJoining))
	wg.Wait()

	result := Result{
		Tables:     tables.Snapshot(),
		Ranges:     ranges,
		StartedAt:  startedAt,
		FinishedAt: d.clock.Now(),
	}
	for _, s := range stats {
		result.Stats.Add(s)
	}
	d.state.Store(int32(StateDone))

	d.logger.Info("run finished",
		zap.Int("attempted", result.Stats.Attempted),
		zap.Int("succeeded", result.Stats.Succeeded),
		zap.Int("account_holders", len(result.Tables.AccountHolders)),
		zap.Int("installations", len(result.Tables.Installations)),
		zap.Int("compliance_entries", len(result.Tables.Compliance)),
		zap.Duration("elapsed", result.FinishedAt.Sub(startedAt)),
	)
	return result, nil
}

// PageDone implements worker.Progress.
func (d *Dispatcher) PageDone(fetched bool) {
	d.attempted.Add(1)
	if fetched {
		d.succeeded.Add(1)
	}
}

// State reports where the current run is.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Progress returns live counters; safe to call while a run is in flight.
func (d *Dispatcher) Progress() Progress {
	return Progress{
		State:     d.State().String(),
		Total:     d.cfg.MaxID - d.cfg.MinID,
		Attempted: d.attempted.Load(),
		Succeeded: d.succeeded.Load(),
	}
}
