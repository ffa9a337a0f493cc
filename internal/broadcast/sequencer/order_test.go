package sequencer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/commonerr"
)

func TestCheckpoint_writes(t *testing.T) {
	checkpoint := NewCheckpoint()
	source := NewOrderSource()

	first, second := source.Write(), source.Write()

	mappedSecond, err := checkpoint.CheckWrite(second)
	require.NoError(t, err)

	_, err = checkpoint.CheckWrite(first)
	require.True(t, errors.Is(err, commonerr.ErrOrderViolation), "write going backwards must be rejected, got %v", err)

	_, err = checkpoint.CheckWrite(second)
	require.True(t, errors.Is(err, commonerr.ErrOrderViolation), "replayed write must be rejected, got %v", err)

	mappedThird, err := checkpoint.CheckWrite(source.Write())
	require.NoError(t, err)
	require.Equal(t, mappedSecond.Source, mappedThird.Source)
	require.Greater(t, mappedThird.Sequence, mappedSecond.Sequence)
}

func TestCheckpoint_independentSources(t *testing.T) {
	checkpoint := NewCheckpoint()
	a, b := NewOrderSource(), NewOrderSource()

	a.Write()
	a.Write()
	_, err := checkpoint.CheckWrite(a.Write())
	require.NoError(t, err)

	_, err = checkpoint.CheckWrite(b.Write())
	require.NoError(t, err, "a fresh source is not ordered after another source")
}

func TestCheckpoint_ignoreOrder(t *testing.T) {
	checkpoint := NewCheckpoint()

	for i := 0; i < 3; i++ {
		_, err := checkpoint.CheckWrite(IgnoreOrder)
		require.NoError(t, err)

		_, err = checkpoint.CheckRead(IgnoreOrder)
		require.NoError(t, err)
	}
}

func TestCheckpoint_reads(t *testing.T) {
	checkpoint := NewCheckpoint()
	source := NewOrderSource()

	staleRead := source.Read()

	_, err := checkpoint.CheckWrite(source.Write())
	require.NoError(t, err)

	mapped, err := checkpoint.CheckRead(source.Read())
	require.NoError(t, err)
	require.True(t, mapped.Read)
	require.Equal(t, uint64(1), mapped.Sequence)

	_, err = checkpoint.CheckRead(staleRead)
	require.True(t, errors.Is(err, commonerr.ErrOrderViolation), "read before the source's last write must be rejected, got %v", err)

	_, err = checkpoint.CheckWrite(source.Read())
	require.True(t, errors.Is(err, commonerr.ErrOrderViolation), "read tokens can't order writes, got %v", err)
}
