package shmstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtzWill/ipcopter/internal/table"
)

// saveOrSkip calls Save and skips the test if the sandbox won't allow
// dup2'ing onto ReservedFD, the same accommodation
// daemonclient's TestRenumberReservedClearsCloseOnExec makes.
func saveOrSkip(t *testing.T, tbl *table.Table) {
	t.Helper()
	if err := Save(tbl); err != nil {
		t.Skipf("shm state segment unavailable in this sandbox: %v", err)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	tbl := table.New(8)
	require.NoError(t, tbl.Register(3, 1, false))
	require.NoError(t, tbl.MutateEndpoint(1, func(e *table.Endpoint) {
		e.Local = table.NetAddr{Addr: "127.0.0.1", Port: 1111}
		e.Remote = table.NetAddr{Addr: "127.0.0.1", Port: 2222}
		e.BytesSent = 42
	}))

	saveOrSkip(t, tbl)

	restored := table.New(8)
	ok, err := Restore(restored)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := restored.FD(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.EP)

	ep, err := restored.Endpoint(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ep.BytesSent)
	assert.Equal(t, "127.0.0.1", ep.Local.Addr)

	// The segment was unlinked and the reserved fd closed by Restore.
	assert.False(t, isValidFD(ReservedFD))
}

func TestRestoreWithoutInheritedFDReturnsFalse(t *testing.T) {
	// In this process ReservedFD is, ordinarily, not a valid descriptor.
	if isValidFD(ReservedFD) {
		t.Skip("fd 999 unexpectedly already open in this process")
	}
	tbl := table.New(8)
	ok, err := Restore(tbl)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRestoreRetroactivelyUnregistersCloseOnExecEntries(t *testing.T) {
	tbl := table.New(8)
	require.NoError(t, tbl.Register(3, 1, false))
	require.NoError(t, tbl.MutateFD(3, func(f *table.FdRecord) {
		f.CloseOnExec = true
	}))
	require.NoError(t, tbl.Register(4, 2, false))

	saveOrSkip(t, tbl)

	restored := table.New(8)
	ok, err := Restore(restored)
	require.NoError(t, err)
	require.True(t, ok)

	recA, err := restored.FD(3)
	require.NoError(t, err)
	assert.Equal(t, table.EPInvalid, recA.EP, "close-on-exec fd must not survive into the post-exec image")

	recB, err := restored.FD(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), recB.EP, "non-close-on-exec fd must survive unchanged")
}

func TestIsValidFDProbe(t *testing.T) {
	assert.False(t, isValidFD(-1))
	assert.True(t, isValidFD(int(os.Stdout.Fd())))
}
