// Package worker implements the generic claim-lock-process-release engine.
// One Worker drives one workflow; a process typically runs several Workers
// against a shared pgxpool and completion client. Cross-process coordination
// happens entirely through the workflow's lock column pair — there is no
// central coordinator.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hummingbirdtestai/gapfill/internal/llm"
	"github.com/hummingbirdtestai/gapfill/internal/metrics"
	"github.com/hummingbirdtestai/gapfill/internal/workflow"
)

// Store is the slice of the data layer the engine needs. *store.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	ReleaseExpiredLocks(ctx context.Context, wf *workflow.Workflow, ttlSeconds int64) (int64, error)
	SelectCandidates(ctx context.Context, wf *workflow.Workflow, limit int) ([]int64, error)
	AcquireLocks(ctx context.Context, wf *workflow.Workflow, owner string, ids []int64) ([]workflow.Item, error)
	CompleteItem(ctx context.Context, wf *workflow.Workflow, id int64, output string) error
	ReleaseItem(ctx context.Context, wf *workflow.Workflow, id int64) error
}

// Config holds the engine tuning parameters for one worker.
type Config struct {
	// BatchSize is how many rows one claim attempts to lock.
	BatchSize int
	// SubBatchSize splits a claimed batch for processing so a single claim
	// does not hold rows locked behind a long tail of API calls.
	SubBatchSize int
	// Concurrency caps in-flight completions per worker.
	Concurrency int
	// Model is the default completion model; a workflow may override it.
	Model string
	// MaxAttempts and BackoffBase parameterize the transient-failure retry
	// around each completion call.
	MaxAttempts int
	BackoffBase time.Duration
	// PollInterval is the idle sleep when a claim comes back empty.
	PollInterval time.Duration
	// ErrorPause is the longer sleep after a loop-level failure.
	ErrorPause time.Duration
	// LockTTL is the age at which any worker may clear another's lock.
	LockTTL time.Duration
}

// Worker runs the claim loop for a single workflow.
type Worker struct {
	store   Store
	client  llm.Client
	wf      *workflow.Workflow
	cfg     Config
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics

	// sleep is injected so tests can observe polling cadence without real
	// timers.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Worker at construction time.
type Option func(*Worker)

// WithIdentity overrides the generated worker identity string. The identity
// is only ever stored in the lock owner column for observability; no logic
// depends on it.
func WithIdentity(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithSleeper replaces the timer-backed sleep. Tests use this to count polls.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = sleep }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a Worker for wf. A random identity is generated unless an
// option overrides it.
func New(st Store, client llm.Client, wf *workflow.Workflow, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		store:  st,
		client: client,
		wf:     wf,
		cfg:    cfg,
		id:     "gapfill-" + uuid.New().String(),
		log:    slog.Default().With("workflow", wf.Name),
		sleep:  sleepTimer,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Identity returns the lock-owner string for this worker.
func (w *Worker) Identity() string { return w.id }

// sleepTimer blocks for d or until ctx is cancelled. Uses time.NewTimer
// (not time.After) to avoid leaking the timer on cancellation.
func sleepTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Claim runs the three-step claim sequence: sweep expired locks, select
// candidates, then conditionally lock them. The returned set may be smaller
// than the candidate set when a concurrent worker won some rows in between.
func (w *Worker) Claim(ctx context.Context) ([]workflow.Item, error) {
	recovered, err := w.store.ReleaseExpiredLocks(ctx, w.wf, int64(w.cfg.LockTTL.Seconds()))
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		w.log.Info("recovered stale locks", "count", recovered)
		if w.metrics != nil {
			w.metrics.LocksRecovered.WithLabelValues(w.wf.Name).Add(float64(recovered))
		}
	}

	candidates, err := w.store.SelectCandidates(ctx, w.wf, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	items, err := w.store.AcquireLocks(ctx, w.wf, w.id, candidates)
	if err != nil {
		return nil, err
	}
	if w.metrics != nil {
		w.metrics.ItemsClaimed.WithLabelValues(w.wf.Name).Add(float64(len(items)))
	}
	return items, nil
}

// ProcessOne transforms a single claimed row: prompt, completion with
// bounded retry, decode, persist. On a decode failure the model is invoked
// exactly once more before the row is given up for this attempt. Every exit
// path performs exactly one datastore write: output-plus-unlock on success,
// unlock-only on failure.
func (w *Worker) ProcessOne(ctx context.Context, item workflow.Item) error {
	req := llm.Request{
		Model:      w.cfg.Model,
		Prompt:     w.wf.Prompt(item),
		JSONOutput: w.wf.JSONOutput,
	}
	if w.wf.Model != "" {
		req.Model = w.wf.Model
	}

	raw, err := llm.CompleteWithRetry(ctx, w.client, req, w.cfg.MaxAttempts, w.cfg.BackoffBase)
	if err != nil {
		return w.fail(ctx, item.ID, "completion failed", err)
	}

	output, err := w.wf.Decode(raw)
	if err != nil {
		// One fresh completion before giving the row up: models frequently
		// produce a malformed reply once and a clean one on the next call.
		w.log.Warn("decode failed, re-invoking once", "id", item.ID, "error", err)
		raw, rerr := llm.CompleteWithRetry(ctx, w.client, req, 1, w.cfg.BackoffBase)
		if rerr != nil {
			return w.fail(ctx, item.ID, "completion failed on re-invoke", rerr)
		}
		output, err = w.wf.Decode(raw)
		if err != nil {
			return w.fail(ctx, item.ID, "decode failed", err)
		}
	}

	if err := w.store.CompleteItem(ctx, w.wf, item.ID, output); err != nil {
		return w.fail(ctx, item.ID, "persist failed", err)
	}
	if w.metrics != nil {
		w.metrics.ItemsSucceeded.WithLabelValues(w.wf.Name).Inc()
	}
	return nil
}

// fail releases the row's lock, leaving the output null so any worker can
// retry it, and returns the original failure.
func (w *Worker) fail(ctx context.Context, id int64, msg string, err error) error {
	w.log.Error(msg, "id", id, "error", err)
	if relErr := w.store.ReleaseItem(ctx, w.wf, id); relErr != nil {
		w.log.Error("release after failure", "id", id, "error", relErr)
	}
	if w.metrics != nil {
		w.metrics.ItemsFailed.WithLabelValues(w.wf.Name).Inc()
	}
	return err
}

// RunBatch processes items with at most cfg.Concurrency completions in
// flight. Every item is attempted; one failure never aborts siblings.
// Returns the succeeded and failed counts for logging.
func (w *Worker) RunBatch(ctx context.Context, items []workflow.Item) (succeeded, failed int) {
	concurrency := w.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(item workflow.Item) {
			defer func() { <-sem }()
			defer wg.Done()
			err := w.ProcessOne(ctx, item)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return succeeded, failed
}

// Run drives the claim loop until ctx is cancelled. An empty claim sleeps
// PollInterval before polling again; a non-empty claim is processed in
// sub-batches and followed immediately by the next claim so a backlog drains
// as fast as concurrency and API latency allow. Loop-level errors are
// logged, followed by the longer ErrorPause, and the loop continues — the
// process never exits on a transient failure.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "worker_id", w.id,
		"batch_size", w.cfg.BatchSize, "concurrency", w.cfg.Concurrency)

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", "worker_id", w.id)
			return
		}

		items, err := w.Claim(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("claim failed", "error", err)
			if err := w.sleep(ctx, w.cfg.ErrorPause); err != nil {
				continue
			}
		case len(items) == 0:
			if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
				continue
			}
		default:
			w.processClaimed(ctx, items)
		}
	}
}

// RunOnce performs a single claim-and-process cycle. Used in tests only.
func (w *Worker) RunOnce(ctx context.Context) (succeeded, failed int) {
	items, err := w.Claim(ctx)
	if err != nil {
		w.log.Error("claim failed", "error", err)
		return 0, 0
	}
	return w.RunBatch(ctx, items)
}

// processClaimed splits a claimed batch into sub-batches and runs each with
// bounded concurrency.
func (w *Worker) processClaimed(ctx context.Context, items []workflow.Item) {
	size := w.cfg.SubBatchSize
	if size < 1 {
		size = len(items)
	}
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		succeeded, failed := w.RunBatch(ctx, items[start:end])
		w.log.Info("batch settled", "succeeded", succeeded, "failed", failed)
	}
}
