package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/lock"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/outbox"
	"github.com/flowforge/sagaflow/pkg/saga"
	"github.com/flowforge/sagaflow/pkg/store"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore/sqlstoretest"
)

type shipment struct {
	OrderID string `json:"order_id"`
}

type receipt struct {
	Steps int `json:"steps"`
}

func countSteps(ctx context.Context, in shipment, journal *saga.Journal) (receipt, error) {
	return receipt{Steps: journal.Len()}, nil
}

type recorder struct {
	mu             sync.Mutex
	executed       []string
	compensated    []string
	keys           []string
	failExecute    map[string]error
	failCompensate map[string]error
}

func newRecorder() *recorder {
	return &recorder{failExecute: map[string]error{}, failCompensate: map[string]error{}}
}

func (r *recorder) step(name string) saga.Step[shipment] {
	return saga.NewStep(name,
		func(ctx context.Context, in shipment, sc *saga.StepContext) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.keys = append(r.keys, sc.IdempotencyKey())
			if err := r.failExecute[name]; err != nil {
				return nil, err
			}
			r.executed = append(r.executed, name)
			return map[string]string{"order_id": in.OrderID}, nil
		},
		func(ctx context.Context, sc *saga.StepContext) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if err := r.failCompensate[name]; err != nil {
				return err
			}
			r.compensated = append(r.compensated, name)
			return nil
		},
	)
}

func (r *recorder) setFailure(step string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failExecute[step] = err
}

func (r *recorder) snapshot() (executed, compensated []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...), append([]string(nil), r.compensated...)
}

// gate blocks a step until the test releases it.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 1), release: make(chan struct{})}
}

func (g *gate) step(name string, rec *recorder) saga.Step[shipment] {
	inner := rec.step(name)
	return saga.NewStep(name,
		func(ctx context.Context, in shipment, sc *saga.StepContext) (any, error) {
			select {
			case g.entered <- sc.ExecutionID:
			default:
			}
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return inner.Execute(ctx, in, sc)
		},
		inner.Compensate,
	)
}

type harness struct {
	engine *Engine
	store  *sqlstore.Store
	locker *lock.LocalLocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := sqlstoretest.New(t)
	locker := lock.NewLocalLocker()
	e := New(s, s.Executions(), s.Interventions(), outbox.NewService(s, s.Outbox(), ""), locker, zaptest.NewLogger(t), config.EngineConfig{
		LockTTL:           time.Minute,
		DefaultMaxRetries: 3,
		CompensationGrace: time.Minute,
	})
	return &harness{engine: e, store: s, locker: locker}
}

func (h *harness) get(t *testing.T, id string) *model.WorkflowExecution {
	t.Helper()
	exec, err := h.engine.GetExecution(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	return exec
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	pending, err := h.store.Outbox().ListPending(context.Background(), 100)
	require.NoError(t, err)
	types := make([]string, 0, len(pending))
	for _, event := range pending {
		types = append(types, event.EventType)
	}
	return types
}

func (h *harness) lockFree(t *testing.T, key string) bool {
	t.Helper()
	token, err := h.locker.TryAcquire(context.Background(), key, time.Second)
	if errors.Is(err, lock.ErrLockHeld) {
		return false
	}
	require.NoError(t, err)
	require.NoError(t, h.locker.Release(context.Background(), key, token))
	return true
}

func TestExecuteCompletes(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("charge"), rec.step("ship")))

	result, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{
		CorrelationID: "req-1",
		LockKey:       "order:o-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, result.Status)
	assert.Equal(t, receipt{Steps: 3}, result.Output)

	executed, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve", "charge", "ship"}, executed)
	assert.Empty(t, compensated)

	exec := h.get(t, result.ExecutionID)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, 3, exec.MaxRetries)
	assert.JSONEq(t, `{"steps":3}`, string(exec.Output))
	assert.NotNil(t, exec.CompletedAt)
	journal, err := saga.DecodeJournal(exec.Journal)
	require.NoError(t, err)
	assert.Equal(t, 3, journal.Len())

	assert.Equal(t, []string{EventCompleted}, h.eventTypes(t))
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestStepFailureCompensatesInReverse(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	declined := errors.New("card declined")
	rec.setFailure("charge", declined)
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("label"), rec.step("charge"), rec.step("ship")))

	result, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{LockKey: "order:o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorIs(t, err, declined)

	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "charge", stepErr.Step)

	executed, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve", "label"}, executed)
	assert.Equal(t, []string{"label", "reserve"}, compensated)

	assert.Equal(t, model.ExecutionFailed, result.Status)
	exec := h.get(t, result.ExecutionID)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
	assert.Equal(t, model.ControlNone, exec.Control)
	assert.Contains(t, exec.LastError, "card declined")

	journal, err := saga.DecodeJournal(exec.Journal)
	require.NoError(t, err)
	assert.True(t, journal.Compensated("reserve"))
	assert.True(t, journal.Compensated("label"))
	assert.Empty(t, journal.Outstanding())

	assert.Equal(t, []string{EventFailed}, h.eventTypes(t))
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestConcurrentExecutionsShareLockKey(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		g.step("reserve", rec), rec.step("ship")))

	opts := Options{LockKey: "cart:complete:123"}
	first := make(chan error, 1)
	go func() {
		_, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, opts)
		first <- err
	}()
	<-g.entered

	result, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, opts)
	assert.ErrorIs(t, err, ErrLockContention)
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	assert.Empty(t, result.ExecutionID)

	running, total, err := h.store.Executions().List(context.Background(), store.ExecutionFilter{LockKey: opts.LockKey})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, model.ExecutionRunning, running[0].Status)

	close(g.release)
	require.NoError(t, <-first)

	executed, _ := rec.snapshot()
	assert.Equal(t, []string{"reserve", "ship"}, executed)
}

func TestExpiredLeaseDoesNotFreePausedLockKey(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		g.step("reserve", rec), rec.step("ship")))
	ctx := context.Background()
	opts := Options{LockKey: "cart:complete:123"}

	done := make(chan error, 1)
	go func() {
		_, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, opts)
		done <- err
	}()
	id := uuid.MustParse(<-g.entered)
	_, err := h.engine.PauseExecution(ctx, id)
	require.NoError(t, err)
	close(g.release)
	require.ErrorIs(t, <-done, ErrPaused)

	paused := h.get(t, id.String())
	require.NoError(t, h.locker.Release(ctx, opts.LockKey, paused.LockToken))
	require.True(t, h.lockFree(t, opts.LockKey), "lease lapsed")

	_, err = Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-2"}, opts)
	assert.ErrorIs(t, err, ErrLockContention)
	assert.True(t, h.lockFree(t, opts.LockKey), "losing contender drops its lease")

	_, total, err := h.store.Executions().List(ctx, store.ExecutionFilter{LockKey: opts.LockKey})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	exec, err := h.engine.ResumeExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.True(t, h.lockFree(t, opts.LockKey))
}

func TestAbandonedRunningRowKeepsLockKey(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps, rec.step("reserve")))
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, h.store.Executions().Create(ctx, &model.WorkflowExecution{
		WorkflowName: "ship-order",
		Status:       model.ExecutionRunning,
		Input:        model.JSON(`{"order_id":"o-1"}`),
		LockKey:      "order:o-1",
		LockToken:    "dead-runner",
		Attempts:     1,
		MaxRetries:   3,
		StartedAt:    &started,
	}))

	_, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{LockKey: "order:o-1"})
	assert.ErrorIs(t, err, ErrLockContention)
	executed, _ := rec.snapshot()
	assert.Empty(t, executed)
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestRetryExecution(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	rec.setFailure("ship", errors.New("carrier down"))
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("ship")))
	ctx := context.Background()

	result, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{MaxRetries: 2, LockKey: "order:o-1"})
	require.ErrorIs(t, err, ErrExecutionFailed)
	id := uuid.MustParse(result.ExecutionID)

	rec.setFailure("ship", nil)
	exec, err := h.engine.RetryExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.Attempts)
	assert.Empty(t, exec.LastError)

	rec.mu.Lock()
	keys := append([]string(nil), rec.keys...)
	rec.mu.Unlock()
	assert.Equal(t, []string{
		id.String() + ":1:reserve",
		id.String() + ":1:ship",
		id.String() + ":2:reserve",
		id.String() + ":2:ship",
	}, keys)

	_, err = h.engine.RetryExecution(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestRetryLimitExceeded(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	rec.setFailure("ship", errors.New("carrier down"))
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("ship")))
	ctx := context.Background()

	result, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{MaxRetries: 2})
	require.Error(t, err)
	id := uuid.MustParse(result.ExecutionID)

	_, err = h.engine.RetryExecution(ctx, id)
	require.ErrorIs(t, err, ErrExecutionFailed)

	executedBefore, _ := rec.snapshot()
	exec, err := h.engine.RetryExecution(ctx, id)
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.Equal(t, 2, exec.Attempts)
	assert.Equal(t, model.ExecutionFailed, exec.Status)

	executedAfter, _ := rec.snapshot()
	assert.Equal(t, executedBefore, executedAfter)
}

func TestCancelRunningExecution(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), g.step("charge", rec), rec.step("ship")))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{LockKey: "order:o-1"})
		done <- err
	}()
	id := uuid.MustParse(<-g.entered)

	exec, err := h.engine.CancelExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, exec.Status)
	assert.Equal(t, model.ControlCancel, exec.Control)

	close(g.release)
	err = <-done
	assert.ErrorIs(t, err, ErrCancelled)

	executed, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve", "charge"}, executed)
	assert.Equal(t, []string{"charge", "reserve"}, compensated)

	exec = h.get(t, id.String())
	assert.Equal(t, model.ExecutionCancelled, exec.Status)
	assert.Equal(t, []string{EventCancelled}, h.eventTypes(t))
	assert.True(t, h.lockFree(t, "order:o-1"))

	_, err = h.engine.CancelExecution(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		g.step("reserve", rec), rec.step("ship")))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{LockKey: "order:o-1"})
		done <- err
	}()
	id := uuid.MustParse(<-g.entered)

	_, err := h.engine.PauseExecution(ctx, id)
	require.NoError(t, err)
	close(g.release)
	assert.ErrorIs(t, <-done, ErrPaused)

	exec := h.get(t, id.String())
	assert.Equal(t, model.ExecutionPaused, exec.Status)
	assert.Equal(t, model.ControlNone, exec.Control)
	assert.False(t, h.lockFree(t, "order:o-1"), "a paused execution keeps its lock")

	_, err = h.engine.PauseExecution(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	exec, err = h.engine.ResumeExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)

	executed, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve", "ship"}, executed)
	assert.Empty(t, compensated)
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestCancelPausedExecution(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		g.step("reserve", rec), rec.step("ship")))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{LockKey: "order:o-1"})
		done <- err
	}()
	id := uuid.MustParse(<-g.entered)
	_, err := h.engine.PauseExecution(ctx, id)
	require.NoError(t, err)
	close(g.release)
	require.ErrorIs(t, <-done, ErrPaused)

	exec, err := h.engine.CancelExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, exec.Status)

	_, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve"}, compensated)
	assert.Equal(t, []string{EventCancelled}, h.eventTypes(t))
	assert.True(t, h.lockFree(t, "order:o-1"))

	_, err = h.engine.ResumeExecution(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelPendingExecution(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps, rec.step("reserve")))
	ctx := context.Background()

	exec := &model.WorkflowExecution{
		WorkflowName: "ship-order",
		Status:       model.ExecutionPending,
		Input:        model.JSON(`{"order_id":"o-1"}`),
		Attempts:     1,
		MaxRetries:   3,
	}
	require.NoError(t, h.store.Executions().Create(ctx, exec))

	cancelled, err := h.engine.CancelExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	_, compensated := rec.snapshot()
	assert.Empty(t, compensated)
}

func TestDeadlineDuringRunTimesOut(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	g := newGate()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), g.step("charge", rec), rec.step("ship")))

	result, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{TimeoutSeconds: 1})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, model.ExecutionTimeout, result.Status)

	_, compensated := rec.snapshot()
	assert.Equal(t, []string{"reserve"}, compensated)

	exec := h.get(t, result.ExecutionID)
	assert.Equal(t, model.ExecutionTimeout, exec.Status)
	assert.Equal(t, "execution deadline exceeded", exec.LastError)
	assert.Equal(t, []string{EventTimedOut}, h.eventTypes(t))
}

func stuckExecution(t *testing.T, h *harness, steps ...string) *model.WorkflowExecution {
	t.Helper()
	now := time.Now().UTC()
	started := now.Add(-10 * time.Minute)
	deadline := now.Add(-time.Minute)

	entries := make([]saga.JournalEntry, 0, len(steps))
	for _, step := range steps {
		entries = append(entries, saga.JournalEntry{Step: step, State: json.RawMessage(`{"order_id":"o-1"}`), CompletedAt: started})
	}
	journal, err := model.MarshalJSON(saga.NewJournal(entries...))
	require.NoError(t, err)

	exec := &model.WorkflowExecution{
		WorkflowName:   "ship-order",
		Status:         model.ExecutionRunning,
		Input:          model.JSON(`{"order_id":"o-1"}`),
		Journal:        journal,
		LockKey:        "order:o-1",
		Attempts:       1,
		MaxRetries:     3,
		TimeoutSeconds: 60,
		StartedAt:      &started,
		DeadlineAt:     &deadline,
	}
	token, err := h.locker.TryAcquire(context.Background(), exec.LockKey, time.Hour)
	require.NoError(t, err)
	exec.LockToken = token
	require.NoError(t, h.store.Executions().Create(context.Background(), exec))
	return exec
}

func TestTimeoutExecutionCompensatesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("charge"), rec.step("ship")))
	ctx := context.Background()
	exec := stuckExecution(t, h, "reserve", "charge")

	timedOut, err := h.engine.TimeoutExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, timedOut)

	timedOut, err = h.engine.TimeoutExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, timedOut)

	_, compensated := rec.snapshot()
	assert.Equal(t, []string{"charge", "reserve"}, compensated)

	loaded := h.get(t, exec.ID.String())
	assert.Equal(t, model.ExecutionTimeout, loaded.Status)
	assert.Equal(t, []string{EventTimedOut}, h.eventTypes(t))
	assert.True(t, h.lockFree(t, "order:o-1"))
}

func TestTimeoutExecutionSkipsFreshClaims(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps, rec.step("reserve")))
	ctx := context.Background()

	exec := stuckExecution(t, h, "reserve")
	exec.Control = model.ControlCompensating
	require.NoError(t, h.store.Executions().Update(ctx, exec))

	timedOut, err := h.engine.TimeoutExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, timedOut)

	_, compensated := rec.snapshot()
	assert.Empty(t, compensated)
}

func TestCompensationFailureRaisesIntervention(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	rec.setFailure("ship", errors.New("carrier down"))
	rec.failCompensate["reserve"] = errors.New("inventory service unavailable")
	MustRegister[shipment, receipt](h.engine, saga.MustSequence("ship-order", countSteps,
		rec.step("reserve"), rec.step("charge"), rec.step("ship")))

	result, err := Execute[shipment, receipt](context.Background(), h.engine, "ship-order", shipment{OrderID: "o-1"}, Options{})
	require.ErrorIs(t, err, ErrExecutionFailed)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, model.ExecutionFailed, execErr.Status)
	require.Error(t, execErr.Compensation)

	_, compensated := rec.snapshot()
	assert.Equal(t, []string{"charge"}, compensated)
	assert.Equal(t, model.ExecutionFailed, h.get(t, result.ExecutionID).Status)

	open, err := h.store.Interventions().ListOpen(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, result.ExecutionID, open[0].EntityID)
	assert.Equal(t, "reserve", open[0].Step)
	assert.Equal(t, model.SeverityCritical, open[0].Severity)
	assert.Contains(t, open[0].Reason, "inventory service unavailable")
}

func TestRegistrationErrors(t *testing.T) {
	h := newHarness(t)
	rec := newRecorder()
	wf := saga.MustSequence("ship-order", countSteps, rec.step("reserve"))
	require.NoError(t, Register[shipment, receipt](h.engine, wf))
	assert.ErrorIs(t, Register[shipment, receipt](h.engine, wf), ErrDuplicateWorkflow)
	assert.Equal(t, []string{"ship-order"}, h.engine.Workflows())

	ctx := context.Background()
	_, err := Execute[shipment, receipt](ctx, h.engine, "missing", shipment{}, Options{})
	assert.ErrorIs(t, err, ErrUnregisteredWorkflow)

	_, err = Execute[string, receipt](ctx, h.engine, "ship-order", "o-1", Options{})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Execute[shipment, int](ctx, h.engine, "ship-order", shipment{}, Options{})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Execute[shipment, receipt](ctx, h.engine, "ship-order", shipment{}, Options{TimeoutSeconds: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = h.engine.ExecuteJSON(ctx, "ship-order", json.RawMessage(`"not an object"`), Options{})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	exec, err := h.engine.ExecuteJSON(ctx, "ship-order", json.RawMessage(`{"order_id":"o-9"}`), Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)

	executed, _ := rec.snapshot()
	assert.Equal(t, []string{"reserve"}, executed)

	_, err = h.engine.GetExecution(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
