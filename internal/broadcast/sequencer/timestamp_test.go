package sequencer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencer(t *testing.T) {
	s := New(5)
	require.Equal(t, Timestamp(5), s.Current())
	require.Equal(t, Timestamp(6), s.Next())
	require.Equal(t, Timestamp(7), s.Next())
	require.Equal(t, Timestamp(7), s.Current())
}

func TestTimestamp(t *testing.T) {
	require.Equal(t, Timestamp(1), Timestamp(0).Next())
	require.Equal(t, Timestamp(0), Timestamp(0).Prev())
	require.Equal(t, Timestamp(41), Timestamp(42).Prev())
	require.Equal(t, "42", Timestamp(42).String())
}
