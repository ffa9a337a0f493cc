package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRange_Contains(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		keyRange KeyRange
		key      string
		contains bool
	}{
		{desc: "unbounded", keyRange: KeyRange{}, key: "anything", contains: true},
		{desc: "start is inclusive", keyRange: KeyRange{Start: "b", End: "d"}, key: "b", contains: true},
		{desc: "end is exclusive", keyRange: KeyRange{Start: "b", End: "d"}, key: "d", contains: false},
		{desc: "before start", keyRange: KeyRange{Start: "b", End: "d"}, key: "a", contains: false},
		{desc: "open end", keyRange: KeyRange{Start: "b"}, key: "zzz", contains: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.contains, tc.keyRange.Contains(tc.key))
		})
	}
}

func TestBranchID(t *testing.T) {
	id := NewBranchID()
	parsed, err := ParseBranchID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseBranchID("not-a-uuid")
	require.Error(t, err)
}

func TestDurability_Validate(t *testing.T) {
	require.NoError(t, Durability("").Validate())
	require.NoError(t, DurabilitySoft.Validate())
	require.NoError(t, DurabilityHard.Validate())
	require.EqualError(t, Durability("eventual").Validate(), `invalid durability: "eventual"`)
}
