package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	batchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeeze_server_batches_started_total",
		Help: "Total number of batches accepted by the HTTP API",
	})

	batchesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "squeeze_server_batches_running",
		Help: "Number of batches currently running",
	})
)

// ErrJobNotFound is returned for unknown batch ids.
var ErrJobNotFound = errors.New("batch not found")

// Event types sent to subscribers.
const (
	EventProgress = "progress"
	EventFinished = "finished"
)

// ItemEvent describes one terminal item transition.
type ItemEvent struct {
	Index          int          `json:"index"`
	Name           string       `json:"name"`
	Status         batch.Status `json:"status"`
	OriginalSize   int64        `json:"original_size"`
	CompressedSize int64        `json:"compressed_size,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ErrorClass     string       `json:"error_class,omitempty"`
	Done           int          `json:"done"`
	Total          int          `json:"total"`
	Fraction       float64      `json:"fraction"`
}

// Event is one message of a batch's progress stream.
type Event struct {
	Type    string       `json:"type"`
	Item    *ItemEvent   `json:"item,omitempty"`
	Stats   *batch.Stats `json:"stats,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Runner executes a batch. *batch.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, items []*batch.Item, opts pipeline.Options, cfg batch.RunConfig) (batch.Stats, error)
}

// Job is a batch started through the API. It keeps every event so late
// subscribers see the full history.
type Job struct {
	ID      string
	Items   []*batch.Item
	Created time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	events   []Event
	subs     map[chan Event]struct{}
	finished bool
	stats    batch.Stats
	err      error
}

func newJob(items []*batch.Item, cancel context.CancelFunc) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Items:   items,
		Created: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[chan Event]struct{}),
	}
}

// Cancel asks the batch to stop. Items already in flight still finish.
func (j *Job) Cancel() {
	j.cancel()
}

// Done is closed once the batch has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the final stats and whether the batch has finished.
func (j *Job) Result() (batch.Stats, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats, j.finished, j.err
}

// Subscribe returns the events so far and a channel carrying the rest. The
// channel is closed when the batch finishes; call the returned func to stop
// listening earlier.
func (j *Job) Subscribe() ([]Event, <-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	replay := make([]Event, len(j.events))
	copy(replay, j.events)

	// Every item emits one event plus the final one, so this never fills.
	ch := make(chan Event, len(j.Items)+1)
	if j.finished {
		close(ch)
		return replay, ch, func() {}
	}
	j.subs[ch] = struct{}{}

	return replay, ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
	}
}

func (j *Job) publish(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.publishLocked(e)
}

func (j *Job) publishLocked(e Event) {
	j.events = append(j.events, e)
	for ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (j *Job) onProgress(p batch.Progress) {
	j.publish(Event{
		Type: EventProgress,
		Item: &ItemEvent{
			Index:          p.Index,
			Name:           p.Item.Name,
			Status:         p.State.Status,
			OriginalSize:   p.Item.OriginalSize,
			CompressedSize: p.State.CompressedSize,
			ErrorMessage:   p.State.ErrorMessage,
			ErrorClass:     string(p.State.ErrorClass),
			Done:           p.Done,
			Total:          p.Total,
			Fraction:       p.Fraction,
		},
	})
}

func (j *Job) finish(stats batch.Stats, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stats = stats
	j.err = err
	j.finished = true

	e := Event{Type: EventFinished, Stats: &stats, Summary: stats.Summary()}
	if err != nil {
		e.Error = err.Error()
	}
	j.publishLocked(e)

	for ch := range j.subs {
		close(ch)
	}
	j.subs = nil
	close(j.done)
}

// Manager starts batches in the background and keeps them addressable by id.
type Manager struct {
	runner Runner
	pool   batch.Credentials
	logger zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewManager creates a job manager.
func NewManager(runner Runner, pool batch.Credentials) *Manager {
	return &Manager{
		runner: runner,
		pool:   pool,
		logger: log.With().Str("component", "batch-manager").Logger(),
		jobs:   make(map[string]*Job),
	}
}

// Start validates the request and runs the batch in the background.
// Invalid options and an empty credential pool are reported here rather
// than through the job.
func (m *Manager) Start(items []*batch.Item, opts pipeline.Options, concurrency int) (*Job, error) {
	if _, err := pipeline.Build(opts); err != nil {
		return nil, err
	}
	if _, err := m.pool.Current(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(items, cancel)

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	batchesStarted.Inc()
	batchesRunning.Inc()
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer batchesRunning.Dec()
		defer cancel()

		stats, err := m.runner.Run(ctx, items, opts, batch.RunConfig{
			Concurrency: concurrency,
			OnProgress:  job.onProgress,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("batch_id", job.ID).Msg("Batch aborted")
		}
		job.finish(stats, err)
	}()

	m.logger.Info().
		Str("batch_id", job.ID).
		Int("items", len(items)).
		Msg("Batch started")
	return job, nil
}

// Get returns the job with the given id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel stops the job with the given id.
func (m *Manager) Cancel(id string) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// Shutdown cancels every job and waits for them to finish or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, job := range m.jobs {
		job.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
