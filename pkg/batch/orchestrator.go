package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultConcurrency is the number of workers used when RunConfig leaves it unset.
const DefaultConcurrency = 4

// Compressor compresses one image with one credential.
type Compressor interface {
	Compress(ctx context.Context, source []byte, req *pipeline.Request, key credentials.Credential) (*client.Result, error)
}

// Credentials is the part of the credential pool a run needs.
type Credentials interface {
	Current() (credentials.Credential, error)
	RotateFrom(stale credentials.Credential) (credentials.Credential, bool)
	AutoRotate() bool
}

// Progress is reported after every terminal transition.
type Progress struct {
	Index    int
	Item     *Item
	State    ItemState
	Done     int
	Total    int
	Fraction float64
}

// RunConfig holds per-run settings.
type RunConfig struct {
	// Concurrency is the number of parallel workers; <= 0 means DefaultConcurrency.
	Concurrency int

	// OnProgress is optional. Calls are serialized.
	OnProgress func(Progress)
}

// Orchestrator drives batches through a Compressor.
type Orchestrator struct {
	compressor Compressor
	pool       Credentials
	logger     zerolog.Logger
}

// New creates an orchestrator.
func New(compressor Compressor, pool Credentials) *Orchestrator {
	return &Orchestrator{
		compressor: compressor,
		pool:       pool,
		logger:     log.With().Str("component", "batch").Logger(),
	}
}

// run is the state shared by the workers of one Run call.
type run struct {
	items      []*Item
	request    *pipeline.Request
	onProgress func(Progress)

	mu   sync.Mutex
	done int
}

// Run compresses every pending item and returns the aggregate Stats.
//
// Invalid options and an empty credential pool abort the run before any item
// starts. Per-item failures never abort it. On cancellation Run waits for
// in-flight items, marks the rest Skipped and returns the partial Stats with
// a nil error.
func (o *Orchestrator) Run(ctx context.Context, items []*Item, opts pipeline.Options, cfg RunConfig) (Stats, error) {
	start := time.Now()

	req, err := pipeline.Build(opts)
	if err != nil {
		return Stats{}, err
	}
	if _, err := o.pool.Current(); err != nil {
		return Stats{}, err
	}

	r := &run{
		items:      items,
		request:    req,
		onProgress: cfg.OnProgress,
	}

	queue := make(chan int, len(items))
	for idx, item := range items {
		if item.Status() != StatusPending {
			r.done++
			continue
		}
		queue <- idx
	}
	close(queue)

	workers := cfg.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(queue) {
		workers = len(queue)
	}

	o.logger.Info().
		Int("items", len(items)).
		Int("workers", workers).
		Strs("steps", stepNames(req)).
		Msg("Starting batch")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, r, queue, &wg, i)
	}
	wg.Wait()

	stats := ComputeStats(items)
	batchDuration.Observe(time.Since(start).Seconds())

	o.logger.Info().
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Int64("bytes_saved", stats.BytesSaved()).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return stats, nil
}

// worker processes items from the queue until it is drained.
func (o *Orchestrator) worker(ctx context.Context, r *run, queue <-chan int, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		item := r.items[idx]

		if ctx.Err() != nil {
			state, err := item.skip()
			if err != nil {
				o.logger.Error().Err(err).Int("index", idx).Msg("Failed to skip item")
				continue
			}
			o.finish(r, idx, state)
			continue
		}

		state, err := o.process(ctx, r.request, item)
		if err != nil {
			o.logger.Error().Err(err).Int("index", idx).Msg("Item state transition rejected")
			continue
		}
		o.finish(r, idx, state)
		processed++
	}

	if processed > 0 {
		o.logger.Debug().
			Int("worker_id", workerID).
			Int("items_processed", processed).
			Msg("Worker completed")
	}
}

// process runs one item to a terminal state. The returned error is only
// ever a rejected transition.
func (o *Orchestrator) process(ctx context.Context, req *pipeline.Request, item *Item) (ItemState, error) {
	if err := item.start(); err != nil {
		return ItemState{}, err
	}
	batchInFlight.Inc()
	defer batchInFlight.Dec()

	// In-flight calls finish even if the run is cancelled meanwhile.
	callCtx := context.WithoutCancel(ctx)

	source, err := item.Source.Load(callCtx)
	if err != nil {
		return item.fail(err.Error(), client.ErrorClassFatal)
	}

	key, err := o.pool.Current()
	if err != nil {
		return item.fail(err.Error(), client.ErrorClassQuota)
	}

	result, err := o.compressor.Compress(callCtx, source, req, key)
	if client.IsQuotaExceeded(err) && o.pool.AutoRotate() {
		if next, ok := o.pool.RotateFrom(key); ok && next != key {
			quotaRetriesTotal.Inc()
			o.logger.Info().
				Str("item", item.Name).
				Str("from", key.Fingerprint()).
				Str("to", next.Fingerprint()).
				Msg("Quota exceeded, retrying with next credential")
			result, err = o.compressor.Compress(callCtx, source, req, next)
		}
	}

	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("item", item.Name).
			Str("error_class", string(client.ClassOf(err))).
			Msg("Item failed")
		return item.fail(errorMessage(err), client.ClassOf(err))
	}
	if result == nil {
		return item.fail("backend returned no result", client.ErrorClassFatal)
	}
	return item.complete(result)
}

// finish reports one terminal transition.
func (o *Orchestrator) finish(r *run, idx int, state ItemState) {
	batchItemsTotal.WithLabelValues(string(state.Status)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.done++
	if r.onProgress == nil {
		return
	}
	total := len(r.items)
	r.onProgress(Progress{
		Index:    idx,
		Item:     r.items[idx],
		State:    state,
		Done:     r.done,
		Total:    total,
		Fraction: float64(r.done) / float64(total),
	})
}

func errorMessage(err error) string {
	var ce *client.CompressionError
	if errors.As(err, &ce) && ce.Message != "" {
		if ce.StatusCode > 0 {
			return fmt.Sprintf("%s (HTTP %d)", ce.Message, ce.StatusCode)
		}
		return ce.Message
	}
	return err.Error()
}

func stepNames(req *pipeline.Request) []string {
	kinds := req.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
