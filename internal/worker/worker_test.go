// ABOUTME: Engine tests against an in-memory fake store and a scripted completion client.
// ABOUTME: Covers claim exclusivity, lock release on failure, retry paths, batch isolation, polling cadence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hummingbirdtestai/gapfill/internal/llm"
	"github.com/hummingbirdtestai/gapfill/internal/workflow"
)

// fakeRow mirrors one datastore row with a workflow's lock column pair.
type fakeRow struct {
	input     string
	output    *string
	lockOwner *string
	lockedAt  *time.Time
}

// fakeStore reproduces the conditional-update semantics of the real store in
// memory. now is injectable so stale-lock tests can advance the clock.
type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]*fakeRow
	now  func() time.Time

	claimCalls int
}

func newFakeStore(inputs ...string) *fakeStore {
	rows := make(map[int64]*fakeRow, len(inputs))
	for i, in := range inputs {
		rows[int64(i+1)] = &fakeRow{input: in}
	}
	return &fakeStore{rows: rows, now: time.Now}
}

func (f *fakeStore) ReleaseExpiredLocks(_ context.Context, _ *workflow.Workflow, ttlSeconds int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	cutoff := f.now().Add(-time.Duration(ttlSeconds) * time.Second)
	for _, row := range f.rows {
		if row.lockOwner != nil && row.lockedAt != nil && row.lockedAt.Before(cutoff) {
			row.lockOwner = nil
			row.lockedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SelectCandidates(_ context.Context, _ *workflow.Workflow, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	var ids []int64
	for id := int64(1); id <= int64(len(f.rows)); id++ {
		row := f.rows[id]
		if row.output == nil && row.lockOwner == nil {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) AcquireLocks(_ context.Context, wf *workflow.Workflow, owner string, ids []int64) ([]workflow.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []workflow.Item
	for _, id := range ids {
		row := f.rows[id]
		if row == nil || row.output != nil || row.lockOwner != nil {
			continue // lost the race
		}
		now := f.now()
		row.lockOwner = &owner
		row.lockedAt = &now
		items = append(items, workflow.Item{ID: id, Inputs: map[string]string{wf.InputColumns[0]: row.input}})
	}
	return items, nil
}

func (f *fakeStore) CompleteItem(_ context.Context, _ *workflow.Workflow, id int64, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	row.output = &output
	row.lockOwner = nil
	row.lockedAt = nil
	return nil
}

func (f *fakeStore) ReleaseItem(_ context.Context, _ *workflow.Workflow, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	row.lockOwner = nil
	row.lockedAt = nil
	return nil
}

func (f *fakeStore) row(id int64) fakeRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

// scriptedClient answers per-prompt from a handler function.
type scriptedClient struct {
	mu      sync.Mutex
	calls   int
	handler func(call int, req llm.Request) (string, error)
}

func (s *scriptedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	return s.handler(call, req)
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	r := workflow.NewRegistry()
	wf := &workflow.Workflow{
		Name:         "test-enrich",
		Table:        "things",
		InputColumns: []string{"body"},
		OutputColumn: "derived",
		JSONOutput:   true,
		Prompt:       func(item workflow.Item) string { return "enrich: " + item.Inputs["body"] },
		Decode: func(raw string) (string, error) {
			if raw == "" || raw[0] != '{' {
				return "", fmt.Errorf("not an object")
			}
			return raw, nil
		},
	}
	if err := r.Register(wf); err != nil {
		t.Fatalf("register: %v", err)
	}
	return wf
}

func testConfig() Config {
	return Config{
		BatchSize:    10,
		SubBatchSize: 10,
		Concurrency:  4,
		Model:        "test-model",
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		PollInterval: 500 * time.Millisecond,
		ErrorPause:   time.Second,
		LockTTL:      10 * time.Minute,
	}
}

func okClient() *scriptedClient {
	return &scriptedClient{handler: func(_ int, _ llm.Request) (string, error) {
		return `{"ok": true}`, nil
	}}
}

func TestClaim_LocksAllEligibleRows(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a", "b", "c")
	wf := testWorkflow(t)
	w := New(st, okClient(), wf, testConfig(), WithIdentity("w1"))

	items, err := w.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("claimed %d rows, want 3", len(items))
	}
	for id := int64(1); id <= 3; id++ {
		row := st.row(id)
		if row.lockOwner == nil || *row.lockOwner != "w1" {
			t.Errorf("row %d lock owner = %v, want w1", id, row.lockOwner)
		}
	}

	// A second claim sees nothing: everything is locked.
	again, err := w.Claim(context.Background())
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d rows, want 0", len(again))
	}
}

func TestClaim_ConcurrentWorkersNeverShareARow(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a", "b", "c", "d", "e")
	wf := testWorkflow(t)
	w1 := New(st, okClient(), wf, testConfig(), WithIdentity("w1"))
	w2 := New(st, okClient(), wf, testConfig(), WithIdentity("w2"))

	var wg sync.WaitGroup
	results := make([][]workflow.Item, 2)
	for i, w := range []*Worker{w1, w2} {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			items, err := w.Claim(context.Background())
			if err != nil {
				t.Errorf("Claim: %v", err)
			}
			results[i] = items
		}(i, w)
	}
	wg.Wait()

	seen := map[int64]int{}
	for _, items := range results {
		for _, item := range items {
			seen[item.ID]++
		}
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("row %d claimed by %d workers", id, n)
		}
	}
	if len(seen) != 5 {
		t.Errorf("claimed %d distinct rows total, want 5", len(seen))
	}
}

func TestClaim_CompletedRowsNeverReselected(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)
	w := New(st, okClient(), wf, testConfig())

	if s, f := w.RunOnce(context.Background()); s != 1 || f != 0 {
		t.Fatalf("RunOnce = %d succeeded, %d failed", s, f)
	}
	items, err := w.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("claimed %d rows after completion, want 0", len(items))
	}
}

func TestClaim_StaleLockRecovered(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)

	// Simulate a crashed worker: lock held, clock advanced past the TTL.
	base := time.Now()
	st.now = func() time.Time { return base }
	if _, err := st.AcquireLocks(context.Background(), wf, "dead-worker", []int64{1}); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	st.now = func() time.Time { return base.Add(11 * time.Minute) }

	w := New(st, okClient(), wf, testConfig(), WithIdentity("w2"))
	items, err := w.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("claimed %d rows, want 1 (stale lock should be swept)", len(items))
	}
	row := st.row(1)
	if row.lockOwner == nil || *row.lockOwner != "w2" {
		t.Errorf("lock owner = %v, want w2", row.lockOwner)
	}
}

func TestProcessOne_FailureReleasesLock(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)
	bad := &scriptedClient{handler: func(_ int, _ llm.Request) (string, error) {
		return "", errors.New("invalid request")
	}}
	w := New(st, bad, wf, testConfig())

	if s, f := w.RunOnce(context.Background()); s != 0 || f != 1 {
		t.Fatalf("RunOnce = %d succeeded, %d failed", s, f)
	}
	row := st.row(1)
	if row.lockOwner != nil {
		t.Errorf("lock owner = %q after failure, want nil", *row.lockOwner)
	}
	if row.output != nil {
		t.Errorf("output = %q after failure, want nil", *row.output)
	}
}

func TestProcessOne_RetryableThenSuccess(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)
	flaky := &scriptedClient{handler: func(call int, _ llm.Request) (string, error) {
		if call == 0 {
			return "", errors.New("googleapi: Error 429: rate limit")
		}
		return `{"ok": true}`, nil
	}}
	w := New(st, flaky, wf, testConfig())

	if s, f := w.RunOnce(context.Background()); s != 1 || f != 0 {
		t.Fatalf("RunOnce = %d succeeded, %d failed", s, f)
	}
	row := st.row(1)
	if row.output == nil {
		t.Fatal("output nil after retry-then-success")
	}
	if flaky.callCount() != 2 {
		t.Errorf("completion calls = %d, want 2", flaky.callCount())
	}
}

func TestProcessOne_DecodeFailureGetsExactlyOneReinvoke(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)
	prose := &scriptedClient{handler: func(_ int, _ llm.Request) (string, error) {
		return "sorry, no JSON here", nil
	}}
	w := New(st, prose, wf, testConfig())

	if s, f := w.RunOnce(context.Background()); s != 0 || f != 1 {
		t.Fatalf("RunOnce = %d succeeded, %d failed", s, f)
	}
	// First completion plus exactly one re-invocation.
	if prose.callCount() != 2 {
		t.Errorf("completion calls = %d, want 2", prose.callCount())
	}
	row := st.row(1)
	if row.output != nil || row.lockOwner != nil {
		t.Errorf("row = %+v, want unlocked with nil output", row)
	}
}

func TestProcessOne_DecodeRecoversOnReinvoke(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a")
	wf := testWorkflow(t)
	second := &scriptedClient{handler: func(call int, _ llm.Request) (string, error) {
		if call == 0 {
			return "prose preamble without payload", nil
		}
		return `{"ok": true}`, nil
	}}
	w := New(st, second, wf, testConfig())

	if s, f := w.RunOnce(context.Background()); s != 1 || f != 0 {
		t.Fatalf("RunOnce = %d succeeded, %d failed", s, f)
	}
	if row := st.row(1); row.output == nil {
		t.Error("output nil, want persisted payload from second call")
	}
}

func TestRunBatch_PartialFailureIsolation(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a", "b", "c", "d", "e")
	wf := testWorkflow(t)
	// Item 3 fails permanently; the rest succeed.
	client := &scriptedClient{handler: func(_ int, req llm.Request) (string, error) {
		if req.Prompt == "enrich: c" {
			return "", errors.New("invalid request")
		}
		return `{"ok": true}`, nil
	}}
	w := New(st, client, wf, testConfig())

	succeeded, failed := w.RunOnce(context.Background())
	if succeeded != 4 || failed != 1 {
		t.Fatalf("RunOnce = %d succeeded, %d failed; want 4/1", succeeded, failed)
	}
	for id := int64(1); id <= 5; id++ {
		row := st.row(id)
		if id == 3 {
			if row.output != nil || row.lockOwner != nil {
				t.Errorf("row 3 = %+v, want unlocked with nil output", row)
			}
			continue
		}
		if row.output == nil {
			t.Errorf("row %d output nil, want written", id)
		}
		if row.lockOwner != nil {
			t.Errorf("row %d still locked", id)
		}
	}
}

func TestRun_EmptyBacklogSleepsBetweenPolls(t *testing.T) {
	t.Parallel()
	st := newFakeStore() // no rows at all
	wf := testWorkflow(t)

	var mu sync.Mutex
	var slept []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		n := len(slept)
		mu.Unlock()
		if n >= 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	w := New(st, okClient(), wf, testConfig(), WithSleeper(sleeper))
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 3 {
		t.Fatalf("sleep calls = %d, want 3", len(slept))
	}
	for _, d := range slept {
		if d != testConfig().PollInterval {
			t.Errorf("slept %v, want poll interval %v", d, testConfig().PollInterval)
		}
	}
	// One claim per poll: the loop never busy-spins between sleeps.
	if st.claimCalls != 3 {
		t.Errorf("claim calls = %d, want 3", st.claimCalls)
	}
}

// TestEndToEnd mirrors the seed-claim-process-verify scenario: three rows in,
// one claim takes all three, a second claim sees nothing, processing writes
// all outputs and clears all locks, and a final claim finds nothing eligible.
func TestEndToEnd(t *testing.T) {
	t.Parallel()
	st := newFakeStore("a", "b", "c")
	wf := testWorkflow(t)
	w := New(st, okClient(), wf, testConfig(), WithIdentity("w1"))
	ctx := context.Background()

	items, err := w.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("claimed %d, want 3", len(items))
	}
	for id := int64(1); id <= 3; id++ {
		if row := st.row(id); row.lockOwner == nil || *row.lockOwner != "w1" {
			t.Errorf("row %d not owned by w1", id)
		}
	}

	if again, _ := w.Claim(ctx); len(again) != 0 {
		t.Fatalf("second claim got %d rows, want 0", len(again))
	}

	if s, f := w.RunBatch(ctx, items); s != 3 || f != 0 {
		t.Fatalf("RunBatch = %d/%d, want 3/0", s, f)
	}
	for id := int64(1); id <= 3; id++ {
		row := st.row(id)
		if row.output == nil || row.lockOwner != nil {
			t.Errorf("row %d = %+v, want output written and unlocked", id, row)
		}
	}

	if final, _ := w.Claim(ctx); len(final) != 0 {
		t.Errorf("final claim got %d rows, want 0", len(final))
	}
}
