package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/notify"
	"github.com/marianellas/veritas/internal/runstore"
)

const addCode = "def add(a, b):\n    return a + b\n"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type harness struct {
	svc      *Service
	store    *runstore.Memory
	collab   *fakeCollab
	metrics  *Metrics
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    runstore.NewMemory(),
		collab:   newFakeCollab(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		notifier: &recordingNotifier{},
	}
	h.svc = NewService(h.store, h.collab.collaborators(), ServiceConfig{
		MaxParallelRuns: 2,
		ArtifactsPath:   func(id string) string { return "experiments/" + id },
		Notifier:        h.notifier,
		Metrics:         h.metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, mutate func(*domain.RunOptions)) string {
	t.Helper()
	opts := domain.DefaultRunOptions()
	if mutate != nil {
		mutate(&opts)
	}
	id, err := h.svc.Submit(context.Background(), Submission{
		Code:         addCode,
		FunctionName: "add",
		Options:      opts,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) *domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	return run
}

func collect(t *testing.T, svc *Service, id string, from int) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []domain.Event
	err := svc.Stream(ctx, id, from, func(ev domain.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestService_ScenarioA_DefaultRunSucceeds(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	assert.True(t, strings.HasPrefix(id, domain.RunIDPrefix))

	run := h.wait(t, id)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.GreaterOrEqual(t, run.IterationsUsed, 1)
	assert.Equal(t, "Adds two numbers together and returns their sum", run.InferredSpec)
	assert.Equal(t, []string{"zero", "negative numbers"}, run.EdgeCases)
	assert.Contains(t, run.GeneratedTests, "from your_module import add")
	assert.Equal(t, 100, run.CoverageSummary.LinePct)
	assert.Contains(t, run.PatchDiff, "diff --git")
	assert.Nil(t, run.PR)
	assert.Len(t, run.Steps, 7)
	for _, s := range run.Steps {
		assert.Equal(t, domain.StepSuccess, s.Status, "step %s", s.Name)
		assert.NotNil(t, s.StartedAt, "step %s", s.Name)
		assert.NotNil(t, s.CompletedAt, "step %s", s.Name)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsSubmitted))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RunsFinished.WithLabelValues("success")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestService_ScenarioB_BestEffortRepairCap(t *testing.T) {
	h := newHarness(t)
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		return failingOutput(), nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.MaxIterations = 1 })
	run := h.wait(t, id)

	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 1, run.IterationsUsed)
	assert.NotEqual(t, 0, run.TestRunOutput.ExitCode)
	assert.Equal(t, domain.StepSuccess, run.Step(domain.StepFixTests).Status)
	assert.Equal(t, domain.StepSuccess, run.Step(domain.StepCoverageReport).Status)

	runs, repairs := h.collab.counts()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, repairs)
}

func TestService_RepairLoopBound(t *testing.T) {
	h := newHarness(t)
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		return failingOutput(), nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.MaxIterations = 3 })
	run := h.wait(t, id)

	assert.Equal(t, 3, run.IterationsUsed)
	runs, repairs := h.collab.counts()
	assert.Equal(t, 3, runs)
	assert.Equal(t, 2, repairs)
	assert.Equal(t, []string{"AssertionError: assert 4 == 3", "AssertionError: assert 4 == 3"}, h.collab.repairSeen)
}

func TestService_RepairLoopStopsOnFirstPass(t *testing.T) {
	h := newHarness(t)
	h.collab.repair = func(tests, errOut string) (string, error) {
		return strings.ReplaceAll(tests, "== 4", "== 3"), nil
	}
	h.collab.generate = func(fn string) (string, error) {
		return "from your_module import add\n\ndef test_add():\n    assert add(1, 2) == 4\n", nil
	}
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		if strings.Contains(tests, "== 4") {
			return failingOutput(), nil
		}
		return domain.TestRunOutput{Stdout: "1 passed"}, nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.MaxIterations = 5 })
	run := h.wait(t, id)

	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 2, run.IterationsUsed)
	assert.Equal(t, 0, run.TestRunOutput.ExitCode)
	assert.Contains(t, run.GeneratedTests, "== 3")
	_, repairs := h.collab.counts()
	assert.Equal(t, 1, repairs)
}

func TestService_RepairFallsBackToStdout(t *testing.T) {
	h := newHarness(t)
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		return domain.TestRunOutput{Stdout: "E   assert 4 == 3", ExitCode: 1}, nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.MaxIterations = 2 })
	h.wait(t, id)

	require.Len(t, h.collab.repairSeen, 1)
	assert.Equal(t, "E   assert 4 == 3", h.collab.repairSeen[0])
}

func TestService_UnchangedRepairKeepsTests(t *testing.T) {
	h := newHarness(t)
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		return failingOutput(), nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.MaxIterations = 2 })
	before := ""
	for _, ev := range collect(t, h.svc, id, 0) {
		if ev.Type == domain.EventStepComplete && ev.Step == domain.StepGenerateTests {
			before = ev.Data.GeneratedTests
		}
	}
	run := h.wait(t, id)
	assert.NotEmpty(t, before)
	assert.Equal(t, before, run.GeneratedTests)
}

func TestService_ScenarioC_UnknownRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Get(context.Background(), "run_0_00000000")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	err = h.svc.Stream(context.Background(), "run_0_00000000", 0, func(domain.Event) error { return nil })
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestService_ScenarioD_LateSubscriberGetsEverything(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	h.wait(t, id)

	stored, err := h.store.EventsSince(context.Background(), id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, stored)

	events := collect(t, h.svc, id, 0)
	require.Len(t, events, len(stored)+1)
	for i, ev := range stored {
		assert.Equal(t, ev.Seq, events[i].Seq)
		assert.Equal(t, ev.Type, events[i].Type)
		assert.Equal(t, ev.Message, events[i].Message)
	}

	last := events[len(events)-1]
	assert.Equal(t, domain.EventRunComplete, last.Type)
	require.NotNil(t, last.Data)
	assert.Equal(t, domain.RunSuccess, last.Data.Status)

	completes := 0
	for _, ev := range events {
		if ev.Type == domain.EventRunComplete {
			completes++
		}
	}
	assert.Equal(t, 1, completes)
}

func TestService_StreamResumesFromCursor(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	h.wait(t, id)

	all := collect(t, h.svc, id, 0)
	tail := collect(t, h.svc, id, 5)
	require.Len(t, tail, len(all)-5)
	assert.Equal(t, all[5].Seq, tail[0].Seq)
	assert.Equal(t, domain.EventRunComplete, tail[len(tail)-1].Type)
}

func TestService_LiveStreamSeesMonotonicSteps(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.collab.analyze = func(code, fn string) error {
		<-release
		return nil
	}

	id := h.submit(t, func(o *domain.RunOptions) { o.CreatePR = true })

	var events []domain.Event
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.svc.Stream(ctx, id, 0, func(ev domain.Event) error {
			events = append(events, ev)
			return nil
		})
	}()
	close(release)
	require.NoError(t, <-done)

	rank := map[domain.StepStatus]int{
		domain.StepQueued:  0,
		domain.StepRunning: 1,
		domain.StepSuccess: 2,
		domain.StepFail:    2,
		domain.StepSkipped: 2,
	}
	seen := map[domain.StepName]int{}
	for _, ev := range events {
		if ev.Data == nil {
			continue
		}
		running := 0
		for _, s := range ev.Data.Steps {
			if s.Status == domain.StepRunning {
				running++
			}
			assert.GreaterOrEqual(t, rank[s.Status], seen[s.Name], "step %s regressed", s.Name)
			seen[s.Name] = rank[s.Status]
		}
		assert.LessOrEqual(t, running, 1)
	}

	assert.Equal(t, domain.EventStepStart, events[0].Type)
	assert.Equal(t, domain.StepReadCode, events[0].Step)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventRunComplete, last.Type)
	require.NotNil(t, last.Data.PR)
	assert.Equal(t, "test: add generated tests for add", last.Data.PR.Title)
	assert.Equal(t, domain.StepSuccess, last.Data.Step(domain.StepOpenPR).Status)
}

func TestService_StepEventOrder(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	h.wait(t, id)

	events := collect(t, h.svc, id, 0)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, domain.EventStepStart, events[0].Type)
	assert.Equal(t, domain.EventLog, events[1].Type)
	assert.Equal(t, "Reading and parsing Python code...", events[1].Message)
	assert.Equal(t, domain.EventStepComplete, events[2].Type)
	assert.Equal(t, domain.StepSuccess, events[2].Data.Step(domain.StepReadCode).Status)
	assert.Equal(t, "Code parsed successfully", events[3].Message)
}

func TestService_PipelineFaultFailsRun(t *testing.T) {
	h := newHarness(t)
	h.collab.analyze = func(code, fn string) error {
		return errors.New("function add not found in source")
	}

	id := h.submit(t, nil)
	run := h.wait(t, id)

	assert.Equal(t, domain.RunFailed, run.Status)
	readCode := run.Step(domain.StepReadCode)
	assert.Equal(t, domain.StepFail, readCode.Status)
	assert.Equal(t, "function add not found in source", readCode.Error)
	assert.NotNil(t, readCode.CompletedAt)
	for _, s := range run.Steps[1:] {
		assert.Equal(t, domain.StepQueued, s.Status, "step %s", s.Name)
	}

	events := collect(t, h.svc, id, 0)
	var sawFailComplete bool
	for _, ev := range events {
		if ev.Type == domain.EventStepComplete && ev.Step == domain.StepReadCode {
			sawFailComplete = ev.Data.Step(domain.StepReadCode).Status == domain.StepFail
		}
	}
	assert.True(t, sawFailComplete)

	require.Eventually(t, func() bool { return len(h.notifier.all()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, notify.NotifyError, h.notifier.all()[0].Type)
}

func TestService_PanicIsAttributedToStep(t *testing.T) {
	h := newHarness(t)
	h.collab.generate = func(fn string) (string, error) {
		var m map[string]int
		m["boom"]++
		return "", nil
	}

	id := h.submit(t, nil)
	run := h.wait(t, id)

	assert.Equal(t, domain.RunFailed, run.Status)
	gen := run.Step(domain.StepGenerateTests)
	assert.Equal(t, domain.StepFail, gen.Status)
	assert.Contains(t, gen.Error, "panic")
	assert.Equal(t, domain.StepSuccess, run.Step(domain.StepInferBehavior).Status)
	assert.Equal(t, domain.StepQueued, run.Step(domain.StepRunTests).Status)
}

func TestService_CancelTerminalRunRejected(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	h.wait(t, id)

	_, err := h.svc.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	run, _ := h.svc.Get(context.Background(), id)
	assert.Equal(t, domain.RunSuccess, run.Status)
}

func TestService_CancelRunningRun(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		close(started)
		<-ctx.Done()
		return domain.TestRunOutput{Stderr: "interrupted", ExitCode: 1}, nil
	}

	id := h.submit(t, nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	run, err := h.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)

	final := h.wait(t, id)
	assert.Equal(t, domain.RunCancelled, final.Status)
	assert.Equal(t, domain.StepSuccess, final.Step(domain.StepGenerateTests).Status)
	assert.Equal(t, domain.StepSkipped, final.Step(domain.StepRunTests).Status)
	assert.Equal(t, domain.StepSkipped, final.Step(domain.StepCoverageReport).Status)
	assert.Empty(t, final.PatchDiff)

	// The coordinator must not overwrite the cancel once it unwinds.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	after, _ := h.svc.Get(context.Background(), id)
	assert.Equal(t, domain.RunCancelled, after.Status)

	events := collect(t, h.svc, id, 0)
	for _, ev := range events {
		if ev.Type == domain.EventLog {
			assert.NotEqual(t, "Some tests failed: interrupted", ev.Message)
		}
	}
	assert.Equal(t, domain.EventRunComplete, events[len(events)-1].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsFinished.WithLabelValues("cancelled")))
}

func TestService_CancelQueuedRun(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.collab.analyze = func(code, fn string) error {
		<-block
		return nil
	}
	defer close(block)

	// Two slots: the third run waits in the queue.
	h.submit(t, nil)
	h.submit(t, nil)
	id := h.submit(t, nil)

	run, err := h.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	for _, s := range run.Steps {
		assert.Equal(t, domain.StepSkipped, s.Status)
	}

	final := h.wait(t, id)
	assert.Equal(t, domain.RunCancelled, final.Status)
}

func TestService_SubmitValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		sub  Submission
	}{
		{"empty code", Submission{Code: "  ", FunctionName: "add", Options: domain.DefaultRunOptions()}},
		{"bad function name", Submission{Code: addCode, FunctionName: "add-one", Options: domain.DefaultRunOptions()}},
		{"bad options", Submission{Code: addCode, FunctionName: "add", Options: domain.RunOptions{MaxIterations: 0, TestStyle: domain.StyleUnit}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tt.sub)
			assert.ErrorIs(t, err, domain.ErrInvalidOptions)
		})
	}
}

func TestService_ConcurrentSubmitsGetUniqueIDs(t *testing.T) {
	h := newHarness(t)
	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.svc.Submit(context.Background(), Submission{
				Code: addCode, FunctionName: "add", Options: domain.DefaultRunOptions(),
			})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		h.wait(t, id)
	}
	assert.Len(t, seen, n)
}

func TestService_GetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, nil)
	h.wait(t, id)

	a, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	b, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestService_SubmitAfterShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	_, err := h.svc.Submit(context.Background(), Submission{Code: addCode, FunctionName: "add", Options: domain.DefaultRunOptions()})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestService_SubmitRacingShutdown(t *testing.T) {
	h := newHarness(t)
	const n = 20

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.svc.Submit(context.Background(), Submission{
				Code: addCode, FunctionName: "add", Options: domain.DefaultRunOptions(),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrShuttingDown)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	wg.Wait()

	// Every accepted run was waited for.
	for _, id := range ids {
		run, err := h.svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, run.Status.Terminal(), "run %s is %s after Shutdown", id, run.Status)
	}
}

func TestService_ShutdownTimeoutFailsInFlightRun(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.collab.run = func(ctx context.Context, tests string) (domain.TestRunOutput, error) {
		close(started)
		<-ctx.Done()
		return domain.TestRunOutput{Stdout: "1 passed", ExitCode: 0}, nil
	}

	id := h.submit(t, nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.svc.Shutdown(expired), context.Canceled)

	run, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StepFail, run.Step(domain.StepRunTests).Status)
	assert.Equal(t, "interrupted by shutdown", run.Step(domain.StepRunTests).Error)
	assert.Equal(t, domain.StepQueued, run.Step(domain.StepCoverageReport).Status)
	assert.Empty(t, run.PatchDiff)
}

func TestService_RecoverInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	stale := domain.NewRun("run_1_0000aaaa", addCode, "add", domain.DefaultRunOptions(), "", now)
	stale.Status = domain.RunRunning
	stale.Step(domain.StepReadCode).Status = domain.StepSuccess
	stale.Step(domain.StepInferBehavior).Status = domain.StepRunning
	require.NoError(t, h.store.CreateRun(ctx, stale))

	queued := domain.NewRun("run_1_0000bbbb", addCode, "add", domain.DefaultRunOptions(), "", now)
	require.NoError(t, h.store.CreateRun(ctx, queued))

	n, err := h.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := h.svc.Get(ctx, stale.ID)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, domain.StepFail, got.Step(domain.StepInferBehavior).Status)
	assert.Equal(t, "interrupted by restart", got.Step(domain.StepInferBehavior).Error)
}

func TestService_ListNewestFirst(t *testing.T) {
	h := newHarness(t)
	first := h.submit(t, nil)
	h.wait(t, first)
	time.Sleep(2 * time.Millisecond)
	second := h.submit(t, nil)
	h.wait(t, second)

	runs, err := h.svc.List(context.Background(), domain.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
}
