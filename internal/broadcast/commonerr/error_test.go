package commonerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(ErrNoReadableReplica))
	require.True(t, IsRetryable(fmt.Errorf("attach: %w", ErrBacklogTooLarge)))
	require.False(t, IsRetryable(ErrNotPrimaryAnymore))
	require.False(t, IsRetryable(ErrInterrupted))
	require.False(t, IsRetryable(errors.New("other")))
}

func TestTimestampGapError(t *testing.T) {
	err := NewTimestampGapError(3, 5)
	require.EqualError(t, err, "write at 5 skips over timestamps after 3")

	var gapErr TimestampGapError
	require.True(t, errors.As(fmt.Errorf("apply: %w", err), &gapErr))
}
