package extask

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/extask/pkg/worker"
)

func startRunner(t *testing.T, subs ...*SubscriptionBuilder) *LocalRunner {
	t.Helper()

	runner := NewLocalRunner()
	runner.Config.RetryTimeout = 0
	for _, b := range subs {
		runner.Handle(b)
	}
	require.NoError(t, runner.StartWorkers(context.Background()))
	t.Cleanup(runner.Stop)
	return runner
}

func awaitTask(t *testing.T, runner *LocalRunner, id string) *TaskRecord {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := runner.Await(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestLocalRunner_CompletesTask(t *testing.T) {
	runner := startRunner(t, Subscribe("invoice").Handler(func(ctx context.Context, task *ExternalTask) (Outcome, error) {
		amount, _ := task.Variable("amount")
		return task.Complete(map[string]any{"approved": amount == 42}), nil
	}))

	id, err := runner.Publish(context.Background(), "invoice", map[string]any{"amount": 42})
	require.NoError(t, err)

	rec := awaitTask(t, runner, id)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, true, rec.Variables["approved"])
	assert.Equal(t, 42, rec.Variables["amount"])
	assert.Empty(t, rec.WorkerID, "completed tasks hold no lock")
}

func TestLocalRunner_FaultsCountDownToIncident(t *testing.T) {
	var calls atomic.Int32
	runner := startRunner(t, Subscribe("flaky").Handler(func(ctx context.Context, task *ExternalTask) (Outcome, error) {
		calls.Add(1)
		return nil, errors.New("downstream unavailable")
	}))

	id, err := runner.Publish(context.Background(), "flaky", nil)
	require.NoError(t, err)

	rec := awaitTask(t, runner, id)
	assert.Equal(t, StateIncident, rec.State)
	require.NotNil(t, rec.Retries)
	assert.Equal(t, 0, *rec.Retries)
	assert.Equal(t, worker.HandlerFailedMessage, rec.ErrorMessage)
	assert.Contains(t, rec.ErrorDetails, "downstream unavailable")
	assert.Equal(t, int32(DefaultConfig().DefaultRetries), calls.Load())
}

func TestLocalRunner_FailureWithoutRetries(t *testing.T) {
	runner := startRunner(t, Subscribe("fatal").Handler(func(ctx context.Context, task *ExternalTask) (Outcome, error) {
		return Fail("invalid input").Details("amount missing").NoRetry().Outcome(), nil
	}))

	id, err := runner.Publish(context.Background(), "fatal", nil)
	require.NoError(t, err)

	rec := awaitTask(t, runner, id)
	assert.Equal(t, StateIncident, rec.State)
	assert.Equal(t, "invalid input", rec.ErrorMessage)
	assert.Equal(t, "amount missing", rec.ErrorDetails)
}

func TestLocalRunner_BpmnError(t *testing.T) {
	runner := startRunner(t, Subscribe("check").Handler(func(ctx context.Context, task *ExternalTask) (Outcome, error) {
		return task.BpmnError("CREDIT_DENIED", "score too low"), nil
	}))

	id, err := runner.Publish(context.Background(), "check", nil)
	require.NoError(t, err)

	rec := awaitTask(t, runner, id)
	assert.Equal(t, StateBpmnError, rec.State)
	assert.Equal(t, "CREDIT_DENIED", rec.ErrorCode)
	assert.Equal(t, "score too low", rec.ErrorMessage)
}

func TestLocalRunner_TopicsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	runner := startRunner(t,
		Subscribe("slow").Handler(func(ctx context.Context, task *ExternalTask) (Outcome, error) {
			<-release
			return Complete(nil), nil
		}),
		Subscribe("fast").Handler(noopHandler),
	)
	defer close(release)

	ctx := context.Background()
	_, err := runner.Publish(ctx, "slow", nil)
	require.NoError(t, err)
	fast, err := runner.Publish(ctx, "fast", nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, awaitTask(t, runner, fast).State)
}

func TestLocalRunner_StartTwiceAndStop(t *testing.T) {
	runner := NewLocalRunner()
	runner.Handle(Subscribe("invoice").Handler(noopHandler))

	ctx := context.Background()
	require.NoError(t, runner.StartWorkers(ctx))
	require.Error(t, runner.StartWorkers(ctx))

	runner.Stop()
	runner.Stop()

	require.NoError(t, runner.StartWorkers(ctx), "a stopped runner can be started again")
	runner.Stop()
}

func TestLocalRunner_RequiresSubscriptions(t *testing.T) {
	runner := NewLocalRunner()
	err := runner.StartWorkers(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLocalRunner_AwaitHonoursContext(t *testing.T) {
	runner := NewLocalRunner()
	id, err := runner.Publish(context.Background(), "nobody", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec, err := runner.Await(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, rec.State)

	_, err = runner.Await(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}
