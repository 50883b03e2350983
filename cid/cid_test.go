package cid

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		id   ID
	}{
		{
			name: "primary leg",
			id:   New(day.Add(9*time.Hour), 42, 0, RolePrimary, 1, 0),
		},
		{
			name: "hedge dispatch",
			id:   New(day, 42, 2, RoleHedge, 1, 17),
		},
		{
			name: "reconcile",
			id:   New(day, 1<<20, 1, RoleReconcile, 0, 0),
		},
		{
			name: "unwind at shutdown",
			id:   New(day, 7, 1, RoleUnwind, 0, 1),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.id.String()
			require.True(t, strings.HasPrefix(encoded, "ph"))
			require.LessOrEqual(t, len(encoded), 36, "must fit the exchange client id limit")

			decoded, err := Parse(encoded)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.id, decoded); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsForeignIDs(t *testing.T) {
	t.Parallel()

	_, err := Parse("web_abc123")
	require.ErrorIs(t, err, ErrNotOurs)

	_, err = Parse("")
	require.ErrorIs(t, err, ErrNotOurs)
}

func TestParseRejectsCorruption(t *testing.T) {
	t.Parallel()

	id := New(time.Now(), 9, 1, RoleHedge, 2, 3)
	encoded := id.String()

	// flip one hex digit inside the payload
	pos := len(encoded) - 6
	flipped := byte('0')
	if encoded[pos] == '0' {
		flipped = '1'
	}
	corrupted := encoded[:pos] + string(flipped) + encoded[pos+1:]

	_, err := Parse(corrupted)
	require.ErrorIs(t, err, ErrIncorrectChecksum)
}

func TestCreatedAtKeepsDayResolution(t *testing.T) {
	t.Parallel()

	late := time.Date(2025, 11, 3, 23, 59, 59, 0, time.UTC)
	id := New(late, 1, 0, RolePrimary, 1, 0)

	decoded, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC), decoded.CreatedAt)
}
