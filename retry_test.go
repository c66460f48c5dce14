package extask

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFail_LeavesRetriesToWorker(t *testing.T) {
	out, ok := Fail("boom").Details("stack").Outcome().(FailureOutcome)
	require.True(t, ok)

	assert.Equal(t, "boom", out.ErrorMessage)
	assert.Equal(t, "stack", out.ErrorDetails)
	assert.Nil(t, out.Retries)
	assert.Nil(t, out.RetryTimeout)
}

func TestFail_Overrides(t *testing.T) {
	out := Fail("boom").WithRetries(4).WithRetryTimeout(time.Minute).Outcome().(FailureOutcome)

	require.NotNil(t, out.Retries)
	require.NotNil(t, out.RetryTimeout)
	assert.Equal(t, 4, *out.Retries)
	assert.Equal(t, time.Minute, *out.RetryTimeout)
}

func TestFail_NegativeValuesClampToZero(t *testing.T) {
	out := Fail("boom").WithRetries(-2).WithRetryTimeout(-time.Second).Outcome().(FailureOutcome)

	assert.Equal(t, 0, *out.Retries)
	assert.Equal(t, time.Duration(0), *out.RetryTimeout)
}

func TestFail_NoRetry(t *testing.T) {
	out := Fail("fatal").NoRetry().Outcome().(FailureOutcome)
	assert.Equal(t, 0, *out.Retries)
}

func TestFail_BuilderIsAValue(t *testing.T) {
	base := Fail("boom").WithRetries(1)
	first := base.Outcome().(FailureOutcome)
	second := base.WithRetries(5).Outcome().(FailureOutcome)

	assert.Equal(t, 1, *first.Retries)
	assert.Equal(t, 5, *second.Retries)
	assert.Equal(t, 1, *base.Outcome().(FailureOutcome).Retries)
}
