package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	tb := New(16)

	require.NoError(t, tb.Register(3, 0, false))
	assert.True(t, tb.IsRegistered(3))

	ep, err := tb.Endpoint(0)
	require.NoError(t, err)
	assert.Equal(t, StateUnopt, ep.State)
	assert.Equal(t, 1, ep.RefCount)

	endpoint, last, localFD, err := tb.Unregister(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), endpoint)
	assert.True(t, last)
	assert.Equal(t, 0, localFD)
	assert.False(t, tb.IsRegistered(3))

	ep, err = tb.Endpoint(0)
	require.NoError(t, err)
	assert.Equal(t, StateInvalid, ep.State)
	assert.Equal(t, 0, ep.RefCount)
}

func TestDupBumpsRefCount(t *testing.T) {
	tb := New(16)
	require.NoError(t, tb.Register(3, 0, false))

	ep, registered, err := tb.Dup(3, 4)
	require.NoError(t, err)
	require.True(t, registered)
	assert.Equal(t, uint32(0), ep)

	epRec, err := tb.Endpoint(0)
	require.NoError(t, err)
	assert.Equal(t, 2, epRec.RefCount)

	// Closing the dup leaves the original endpoint unchanged.
	_, last, _, err := tb.Unregister(4)
	require.NoError(t, err)
	assert.False(t, last)

	epRec, err = tb.Endpoint(0)
	require.NoError(t, err)
	assert.Equal(t, 1, epRec.RefCount)
}

func TestMarkOptimizedInvariants(t *testing.T) {
	tb := New(16)
	require.NoError(t, tb.Register(3, 0, false))
	require.NoError(t, tb.MarkOptimized(0, 5))

	ep, err := tb.Endpoint(0)
	require.NoError(t, err)
	assert.Equal(t, StateOptimized, ep.State)
	assert.Equal(t, 5, ep.LocalFD)

	local, err := tb.FD(5)
	require.NoError(t, err)
	assert.True(t, local.IsLocal)
	assert.Equal(t, EPInvalid, local.EP)
	assert.True(t, tb.IsProtected(5))
}

func TestMarkReservedProtectsAndUnmarkReleases(t *testing.T) {
	tb := New(16)
	assert.False(t, tb.IsProtected(9))

	tb.MarkReserved(9)
	assert.True(t, tb.IsProtected(9))

	tb.UnmarkReserved(9)
	assert.False(t, tb.IsProtected(9))
}

func TestOutOfRangeIsPassThrough(t *testing.T) {
	tb := New(4)
	assert.False(t, tb.InBoundsFD(1000))

	_, err := tb.FD(1000)
	var rangeErr *ErrOutOfRange
	require.ErrorAs(t, err, &rangeErr)
}

func TestSnapshotRestoreIdempotent(t *testing.T) {
	tb := New(8)
	require.NoError(t, tb.Register(1, 0, true))
	require.NoError(t, tb.Register(2, 1, false))

	fds, eps := tb.Snapshot()

	restored := New(8)
	require.NoError(t, restored.Restore(fds, eps))

	fds2, eps2 := restored.Snapshot()
	assert.Equal(t, fds, fds2)
	assert.Equal(t, eps, eps2)
}

func TestForEachRegistered(t *testing.T) {
	tb := New(8)
	require.NoError(t, tb.Register(1, 0, false))
	require.NoError(t, tb.Register(2, 1, false))

	seen := map[int]uint32{}
	tb.ForEachRegistered(func(fd int, ep uint32) {
		seen[fd] = ep
	})

	assert.Equal(t, map[int]uint32{1: 0, 2: 1}, seen)
}
