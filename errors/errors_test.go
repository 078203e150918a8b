package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrBusy, "acquire claim")

	assert.Contains(t, err.Error(), "acquire claim")
	assert.True(t, Is(err, ErrBusy))
	assert.False(t, Is(err, ErrNotFound))
}

func TestConflicts(t *testing.T) {
	conflicts := []error{ErrAlreadyActive, ErrStaleDecision, ErrClaimLost, ErrTerminal, ErrInvalidTransition}
	for _, sentinel := range conflicts {
		wrapped := Wrapf(sentinel, "job %s", "JB1")
		assert.True(t, IsConflict(wrapped), "%v should be a conflict", sentinel)
		assert.True(t, Is(wrapped, sentinel))
	}
	assert.True(t, IsConflict(Wrap(ErrConflict, "x")))
	assert.False(t, IsConflict(ErrBusy))
	assert.False(t, IsConflict(nil))
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrInvalidRequest, ErrServiceUnavailable, ErrTimeout, ErrConflict,
		ErrAlreadyActive, ErrBusy, ErrStaleDecision, ErrClaimLost, ErrTerminal,
		ErrInvalidTransition, ErrFatal, ErrRateLimited,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			assert.Equal(t, i == j, Is(Wrap(a, "job JB1"), b), "Is(%v, %v)", a, b)
		}
	}
}

func TestFatal(t *testing.T) {
	base := New("quota exhausted")
	err := Fatal(base)

	require.NotNil(t, err)
	assert.True(t, Is(err, ErrFatal))
	assert.True(t, Is(err, base))
	assert.Equal(t, "quota exhausted", err.Error())
	assert.Nil(t, Fatal(nil))
}

func TestIsStaleState(t *testing.T) {
	assert.True(t, IsStaleState(Wrap(ErrStaleDecision, "apply")))
	assert.True(t, IsStaleState(ErrClaimLost))
	assert.False(t, IsStaleState(ErrBusy))
	assert.False(t, IsStaleState(ErrTerminal))
	assert.False(t, IsStaleState(ErrAlreadyActive))
	assert.False(t, IsStaleState(Wrap(ErrInvalidTransition, "pause")))
	assert.False(t, IsStaleState(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Wrap(ErrBusy, "tick")))
	assert.True(t, IsTransient(ErrTimeout))
	assert.False(t, IsTransient(ErrStaleDecision))
	assert.False(t, IsTransient(nil))
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("job %s", "JB42")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "JB42")
	assert.False(t, IsNotFoundError(New("something else")))

	bad := NewInvalidRequestError("mode %q", "turbo")
	assert.True(t, IsInvalidRequestError(bad))
}

func TestHintsAndDetails(t *testing.T) {
	err := WithDetail(WithHint(ErrStaleDecision, "refresh the job and decide again"), "Job ID: JB7")
	err = Wrap(err, "apply decision")

	assert.Contains(t, GetAllHints(err), "refresh the job and decide again")
	assert.Contains(t, GetAllDetails(err), "Job ID: JB7")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func ExampleWrap() {
	err := Wrap(ErrBusy, "tick JB1")
	fmt.Println(err)
	// Output: tick JB1: job claimed by another worker
}

func TestCodeRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidRequest, ErrAlreadyActive, ErrBusy, ErrStaleDecision,
		ErrClaimLost, ErrTerminal, ErrInvalidTransition, ErrRateLimited, ErrTimeout, ErrServiceUnavailable,
	} {
		code := CodeOf(Wrap(sentinel, "job JB1"))
		back := FromCode(code, "job JB1")
		assert.True(t, Is(back, sentinel), "code %s should rebuild %v", code, sentinel)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "", CodeOf(nil))
	assert.Equal(t, CodeStaleClaim, CodeOf(ErrClaimLost))
	assert.Equal(t, CodeStaleDecision, CodeOf(Wrap(ErrStaleDecision, "d1")))
	assert.Equal(t, CodeTerminal, CodeOf(ErrTerminal))
	assert.Equal(t, CodeInvalidTransition, CodeOf(ErrInvalidTransition))
	assert.Equal(t, CodeAlreadyActive, CodeOf(ErrAlreadyActive))
	assert.Equal(t, CodeConflict, CodeOf(Wrap(ErrConflict, "x")))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("disk on fire")))
}

func TestFromCodeUnknown(t *testing.T) {
	err := FromCode("mystery", "something odd")
	assert.Equal(t, "something odd", err.Error())
	assert.False(t, IsTransient(err))
	assert.True(t, IsTransient(FromCode(CodeRateLimited, "slow down")))
}
