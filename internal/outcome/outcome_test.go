package outcome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func TestFromError(t *testing.T) {
	assert.True(t, FromError("x", nil).IsOK())
	assert.True(t, FromError("x", errors.New("boom")).IsFatal())
	assert.True(t, FromError("x", Retry("later", nil).AsError()).IsRetryable())

	isFlaky := func(err error) bool { return errors.Is(err, errFlaky) }
	assert.True(t, FromError("x", errFlaky, isFlaky).IsRetryable())
}

func TestOutcome_Error(t *testing.T) {
	assert.NoError(t, OK().AsError())

	err := Retry("series missing", errFlaky).AsError()
	assert.ErrorIs(t, err, ErrRetry)
	assert.ErrorIs(t, err, errFlaky)

	err = Fail("bad", errFlaky).AsError()
	assert.NotErrorIs(t, err, ErrRetry)
	assert.ErrorIs(t, err, errFlaky)
}

func TestMerge(t *testing.T) {
	got := Merge(OK(), Retry("a", nil))
	assert.Equal(t, Retryable, got.Kind)

	got = Merge(got, Fail("b", nil))
	assert.Equal(t, Fatal, got.Kind)
	assert.Equal(t, "b", got.Reason)

	got = Merge(got, Retry("c", nil))
	assert.Equal(t, "b", got.Reason)
}
