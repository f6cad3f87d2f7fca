// Package readiness implements the poll/select/epoll descriptor-set
// rewriting described in core spec §4.6: once an endpoint is OPTIMIZED,
// readiness must be observed on localfd while the application keeps using
// its original fd transparently.
package readiness

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dtzWill/ipcopter/internal/table"
)

// ErrDuplicateEndpoint is returned by EpollCtl when an ADD would register a
// second fd backed by the same endpoint into the same epoll set. Spec §4.6:
// "unsupported and asserted" in the original; this module surfaces it as an
// ordinary error instead of aborting the process (Open Question decision
// #3 in SPEC_FULL.md).
type ErrDuplicateEndpoint struct {
	EpollFD, FD int
	Endpoint    uint32
}

func (e *ErrDuplicateEndpoint) Error() string {
	return fmt.Sprintf("ipcopter: fd %d shares endpoint %d with an fd already registered on epoll instance %d", e.FD, e.Endpoint, e.EpollFD)
}

// Multiplexer rewrites readiness calls against a descriptor table.
type Multiplexer struct {
	tbl *table.Table
}

// New builds a Multiplexer over tbl.
func New(tbl *table.Table) *Multiplexer {
	return &Multiplexer{tbl: tbl}
}

// localTarget returns the descriptor that should actually be watched for
// fd: localfd if fd is a registered, OPTIMIZED socket, otherwise fd itself.
func (m *Multiplexer) localTarget(fd int) int {
	rec, err := m.tbl.FD(fd)
	if err != nil || rec.EP == table.EPInvalid {
		return fd
	}
	endpoint, err := m.tbl.Endpoint(rec.EP)
	if err != nil || endpoint.State != table.StateOptimized {
		return fd
	}
	return endpoint.LocalFD
}

// PollFd mirrors unix.PollFd's fields without depending on its platform
// layout, so the substitution logic here is host-independent and testable.
type PollFd struct {
	FD      int32
	Events  int16
	Revents int16
}

// RawPoll performs the real poll(2)/ppoll(2) call.
type RawPoll func(fds []PollFd, timeoutMillis int) (int, error)

// Poll implements spec §4.6's poll rewrite: copy the array, substitute any
// OPTIMIZED entry's fd with localfd, invoke the real call, then copy
// revents back into the caller's array at the same positions.
func (m *Multiplexer) Poll(fds []PollFd, timeoutMillis int, raw RawPoll) (int, error) {
	rewritten := make([]PollFd, len(fds))
	copy(rewritten, fds)
	for i := range rewritten {
		rewritten[i].FD = int32(m.localTarget(int(rewritten[i].FD)))
	}

	n, err := raw(rewritten, timeoutMillis)
	if err != nil {
		return n, err
	}

	for i := range fds {
		fds[i].Revents = rewritten[i].Revents
	}
	return n, nil
}

// wordBits is the bit width of one word in unix.FdSet.Bits (int64 on every
// platform x/sys/unix supports for this field).
const wordBits = 64

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	if set == nil || fd < 0 {
		return false
	}
	word := fd / wordBits
	if word >= len(set.Bits) {
		return false
	}
	return set.Bits[word]&(1<<uint(fd%wordBits)) != 0
}

func fdSetSet(set *unix.FdSet, fd int) {
	word := fd / wordBits
	if set == nil || word >= len(set.Bits) || fd < 0 {
		return
	}
	set.Bits[word] |= 1 << uint(fd%wordBits)
}

func fdSetClear(set *unix.FdSet, fd int) {
	word := fd / wordBits
	if set == nil || word >= len(set.Bits) || fd < 0 {
		return
	}
	set.Bits[word] &^= 1 << uint(fd%wordBits)
}

// RawSelect performs the real select(2)/pselect(2) call.
type RawSelect func(nfds int, r, w, e *unix.FdSet) (int, error)

// Select implements spec §4.6's select/pselect rewrite: for each non-nil
// set, substitute any OPTIMIZED member's fd with its local fd, bump nfds
// to cover the largest substituted value, invoke the real call, then for
// every fd the caller originally set, clear it in the caller's set iff its
// (possibly local) counterpart is not set in the kernel-returned copy.
func (m *Multiplexer) Select(nfds int, r, w, e *unix.FdSet, raw RawSelect) (int, error) {
	origR, origW, origE := cloneFdSet(r), cloneFdSet(w), cloneFdSet(e)

	rewrittenNfds := nfds
	rMap := m.rewriteSet(r, &rewrittenNfds)
	wMap := m.rewriteSet(w, &rewrittenNfds)
	eMap := m.rewriteSet(e, &rewrittenNfds)

	n, err := raw(rewrittenNfds, r, w, e)
	if err != nil {
		return n, err
	}

	reconcile(origR, r, rMap)
	reconcile(origW, w, wMap)
	reconcile(origE, e, eMap)

	return n, nil
}

func cloneFdSet(set *unix.FdSet) *unix.FdSet {
	if set == nil {
		return nil
	}
	clone := *set
	return &clone
}

// rewriteSet substitutes every OPTIMIZED member fd in set with its local
// fd in place, returning a map from original fd to the local fd it was
// replaced by (only for fds that were actually substituted), and raises
// *nfds to cover the largest fd now present.
func (m *Multiplexer) rewriteSet(set *unix.FdSet, nfds *int) map[int]int {
	if set == nil {
		return nil
	}
	subs := map[int]int{}
	max := (*nfds)
	for fd := 0; fd < max; fd++ {
		if !fdSetIsSet(set, fd) {
			continue
		}
		local := m.localTarget(fd)
		if local == fd {
			continue
		}
		fdSetClear(set, fd)
		fdSetSet(set, local)
		subs[fd] = local
		if local+1 > *nfds {
			*nfds = local + 1
		}
	}
	return subs
}

// reconcile rewrites *result (which, on entry, holds whatever the kernel
// just reported against the substituted fd numbers) back into the shape
// the application expects: exactly the fds present in the original
// request, minus any whose (possibly substituted) target the kernel did
// not mark ready. Spec §4.6: "clear it in the caller's set iff the
// equivalent (possibly local) fd is not set in the kernel-returned copy."
func reconcile(original, result *unix.FdSet, subs map[int]int) {
	if original == nil || result == nil {
		return
	}
	kernel := *result
	*result = *original
	for fd := 0; fd < len(original.Bits)*wordBits; fd++ {
		if !fdSetIsSet(original, fd) {
			continue
		}
		target := fd
		if local, ok := subs[fd]; ok {
			target = local
		}
		if !fdSetIsSet(&kernel, target) {
			fdSetClear(result, fd)
		}
	}
}

// RawEpollCtl performs the real epoll_ctl(2) call against target (either
// fd or its localfd substitute), with data passed through verbatim as the
// kernel's epoll_event.data for that target (spec §4.6: a re-ADD onto
// localfd must report readiness under the same data value the application
// originally associated with fd, since that's what epoll_wait echoes back).
type RawEpollCtl func(epfd, op, target int, events uint32, data uint64) error

// EpollCtl implements spec §4.6's epoll_ctl rewrite: ADD/MOD/DEL operate on
// localfd when fd is OPTIMIZED, otherwise on fd itself. The epoll
// instance's own entry list (table.EpollInfo) is updated to match, so a
// later EpollWait call can detect fds that transition to OPTIMIZED after
// being added.
func (m *Multiplexer) EpollCtl(epfd, op, fd int, events uint32, data uint64, raw RawEpollCtl) error {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return m.epollAdd(epfd, fd, events, data, raw)
	case unix.EPOLL_CTL_MOD:
		return m.epollMod(epfd, fd, events, data, raw)
	case unix.EPOLL_CTL_DEL:
		return m.epollDel(epfd, fd, raw)
	default:
		return raw(epfd, op, fd, events, data)
	}
}

func (m *Multiplexer) epollAdd(epfd, fd int, events uint32, data uint64, raw RawEpollCtl) error {
	epRec, err := m.tbl.FD(epfd)
	trackable := err == nil

	var ep uint32 = table.EPInvalid
	if rec, ferr := m.tbl.FD(fd); ferr == nil {
		ep = rec.EP
	}

	if trackable && ep != table.EPInvalid {
		for _, entry := range epRec.Epoll.Entries {
			if entry.FD == fd {
				continue
			}
			if otherRec, oerr := m.tbl.FD(entry.FD); oerr == nil && otherRec.EP == ep {
				return &ErrDuplicateEndpoint{EpollFD: epfd, FD: fd, Endpoint: ep}
			}
		}
	}

	target := m.localTarget(fd)
	if err := raw(epfd, unix.EPOLL_CTL_ADD, target, events, data); err != nil {
		return err
	}

	if trackable {
		m.tbl.MutateFD(epfd, func(rec *table.FdRecord) {
			if len(rec.Epoll.Entries) >= table.MaxEpollEntries {
				return
			}
			rec.Epoll.Valid = true
			rec.Epoll.Entries = append(rec.Epoll.Entries, table.EpollEntry{FD: fd, Events: events, Target: target, Data: data})
		})
	}
	return nil
}

func (m *Multiplexer) epollMod(epfd, fd int, events uint32, data uint64, raw RawEpollCtl) error {
	target := m.localTarget(fd)
	if err := raw(epfd, unix.EPOLL_CTL_MOD, target, events, data); err != nil {
		return err
	}
	m.tbl.MutateFD(epfd, func(rec *table.FdRecord) {
		for i := range rec.Epoll.Entries {
			if rec.Epoll.Entries[i].FD == fd {
				rec.Epoll.Entries[i].Events = events
				rec.Epoll.Entries[i].Target = target
				rec.Epoll.Entries[i].Data = data
			}
		}
	})
	return nil
}

func (m *Multiplexer) epollDel(epfd, fd int, raw RawEpollCtl) error {
	target := fd
	if rec, err := m.tbl.FD(epfd); err == nil {
		for _, entry := range rec.Epoll.Entries {
			if entry.FD == fd {
				target = entry.Target
				break
			}
		}
	}

	if err := raw(epfd, unix.EPOLL_CTL_DEL, target, 0, 0); err != nil {
		return err
	}

	m.tbl.MutateFD(epfd, func(rec *table.FdRecord) {
		out := rec.Epoll.Entries[:0]
		for _, entry := range rec.Epoll.Entries {
			if entry.FD != fd {
				out = append(out, entry)
			}
		}
		rec.Epoll.Entries = out
	})
	return nil
}

// RawEpollWait performs the real epoll_pwait(2) call.
type RawEpollWait func(epfd int, maxEvents int, timeoutMillis int) ([]unix.EpollEvent, error)

// RawEpollCtlSimple is the raw epoll_ctl call EpollWait uses for its own
// transition-following ADD/DEL pairs. It has the same signature as
// RawEpollCtl.
type RawEpollCtlSimple func(epfd, op, target int, events uint32, data uint64) error

// EpollWait implements spec §4.6's epoll_pwait rewrite: before issuing the
// call, for every tracked entry whose fd has newly transitioned to
// OPTIMIZED since it was added (or last synced), issue DEL on the original
// and ADD on localfd with the saved event mask and data, keeping the
// application's view (still keyed by its own fd, and readable via the same
// epoll_event.data it originally registered) intact.
func (m *Multiplexer) EpollWait(epfd int, maxEvents int, timeoutMillis int, ctl RawEpollCtlSimple, wait RawEpollWait) ([]unix.EpollEvent, error) {
	rec, err := m.tbl.FD(epfd)
	if err == nil && rec.Epoll.Valid {
		m.syncTransitions(epfd, rec, ctl)
	}
	return wait(epfd, maxEvents, timeoutMillis)
}

func (m *Multiplexer) syncTransitions(epfd int, rec table.FdRecord, ctl RawEpollCtlSimple) {
	for _, entry := range rec.Epoll.Entries {
		local := m.localTarget(entry.FD)
		if local == entry.Target {
			continue
		}

		if err := ctl(epfd, unix.EPOLL_CTL_DEL, entry.Target, 0, 0); err != nil {
			continue
		}
		if err := ctl(epfd, unix.EPOLL_CTL_ADD, local, entry.Events, entry.Data); err != nil {
			continue
		}

		m.tbl.MutateFD(epfd, func(r *table.FdRecord) {
			for i := range r.Epoll.Entries {
				if r.Epoll.Entries[i].FD == entry.FD {
					r.Epoll.Entries[i].Target = local
				}
			}
		})
	}
}
