// Package shmstate implements the exec-time state persistence described in
// core spec §4.7/§6: before exec, the descriptor table is serialized into a
// named shared-memory segment held open on a reserved descriptor that
// survives the exec; after exec, initialization detects the segment,
// restores it into a fresh table, and unlinks it.
//
// Grounded on the original's shm.cpp (shm_state_save/shm_state_restore):
// this module keeps the same two-phase dance (dup2 onto a reserved fd,
// clear close-on-exec, size the segment, map, copy, unmap) but serializes
// with encoding/gob instead of a raw struct memcpy, since the table's
// Go representation (slices of structs) isn't bit-for-bit POD the way the
// original's C struct was.
package shmstate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dtzWill/ipcopter/internal/daemonclient"
	"github.com/dtzWill/ipcopter/internal/slog"
	"github.com/dtzWill/ipcopter/internal/table"
)

// ReservedFD is the descriptor the state segment is moved onto so it
// survives exec, matching the original's MAGIC_SHM_FD (spec §6: "reserved
// fds, historically 997/998/999").
const ReservedFD = 999

// maxStateBytes bounds the serialized state segment, generous for a
// TABLE_SIZE in the spec's 2^10-2^14 range.
const maxStateBytes = 4 << 20

type snapshot struct {
	FDs       []table.FdRecord
	Endpoints []table.Endpoint
}

func shmPath(pid int) string {
	return fmt.Sprintf("/dev/shm/ipcd.%d", pid)
}

// Save serializes tbl's current contents into a freshly created shared
// memory segment and moves it onto ReservedFD, clearing its close-on-exec
// bit so it survives the caller's subsequent exec. Call immediately before
// exec*(), mirroring shm_state_save's placement in exec.cpp's EXEC_WRAPPER.
func Save(tbl *table.Table) error {
	fds, eps := tbl.Snapshot()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{FDs: fds, Endpoints: eps}); err != nil {
		return fmt.Errorf("ipcopter: encode state for exec: %w", err)
	}
	if buf.Len() > maxStateBytes {
		return fmt.Errorf("ipcopter: serialized state (%d bytes) exceeds segment cap %d", buf.Len(), maxStateBytes)
	}

	path := shmPath(os.Getpid())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("ipcopter: create state segment %s: %w", path, err)
	}

	if err := daemonclient.RenumberReserved(int(f.Fd()), ReservedFD); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("ipcopter: renumber state segment onto fd %d: %w", ReservedFD, err)
	}

	if err := unix.Ftruncate(ReservedFD, int64(maxStateBytes)); err != nil {
		return fmt.Errorf("ipcopter: size state segment: %w", err)
	}

	data, err := unix.Mmap(ReservedFD, 0, maxStateBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("ipcopter: mmap state segment: %w", err)
	}
	copy(data, buf.Bytes())
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("ipcopter: munmap state segment: %w", err)
	}

	slog.Logf("shmstate: saved %d bytes of table state to %s (fd %d)", buf.Len(), path, ReservedFD)
	return nil
}

// isValidFD reports whether fd names an open descriptor, the Go analogue
// of the original's is_valid_fd (an F_GETFD probe).
func isValidFD(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// Restore detects a state segment inherited across exec on ReservedFD,
// restores it into tbl, and unlinks the segment. It reports false (with no
// error) if no segment was inherited -- the ordinary case for every
// process that didn't come from one of this layer's own exec wrappers.
// Per spec §4.7, fds marked close-on-exec in the pre-exec image are
// retroactively unregistered: the exec that just happened would have
// closed their real kernel descriptors, so the table entry is stale.
func Restore(tbl *table.Table) (bool, error) {
	if !isValidFD(ReservedFD) {
		return false, nil
	}

	slog.Logf("shmstate: inherited state fd %d, restoring", ReservedFD)

	data, err := unix.Mmap(ReservedFD, 0, maxStateBytes, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return false, fmt.Errorf("ipcopter: mmap inherited state segment: %w", err)
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		unix.Munmap(data)
		return false, fmt.Errorf("ipcopter: decode inherited state: %w", err)
	}
	if err := unix.Munmap(data); err != nil {
		return false, fmt.Errorf("ipcopter: munmap inherited state segment: %w", err)
	}

	if err := unix.Close(ReservedFD); err != nil {
		return false, fmt.Errorf("ipcopter: close inherited state fd: %w", err)
	}
	if err := os.Remove(shmPath(os.Getpid())); err != nil && !os.IsNotExist(err) {
		slog.Logf("shmstate: failed to unlink state segment: %v", err)
	}

	retroactivelyUnregisterCloseOnExec(snap.FDs, snap.Endpoints)

	if err := tbl.Restore(snap.FDs, snap.Endpoints); err != nil {
		return false, fmt.Errorf("ipcopter: restore table from inherited state: %w", err)
	}

	slog.Logf("shmstate: state restored")
	return true, nil
}

// retroactivelyUnregisterCloseOnExec clears fd records that were flagged
// close-on-exec in the pre-exec image: the descriptors they named did not
// survive the exec that just happened, so their table entries would
// otherwise describe closed kernel fds. The referenced endpoint's
// ref_count is dropped to match.
func retroactivelyUnregisterCloseOnExec(fds []table.FdRecord, eps []table.Endpoint) {
	for i := range fds {
		f := &fds[i]
		if !f.CloseOnExec || f.EP == table.EPInvalid {
			continue
		}
		ep := f.EP
		f.EP = table.EPInvalid
		f.CloseOnExec = false
		f.Epoll.Valid = false

		if int(ep) < len(eps) && eps[ep].RefCount > 0 {
			eps[ep].RefCount--
			if eps[ep].RefCount == 0 {
				eps[ep] = table.Endpoint{ID: ep}
			}
		}
	}
}
