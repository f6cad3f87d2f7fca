// Package table implements the fixed-capacity descriptor table described
// in the core specification: per-fd records and per-endpoint records,
// looked up by bounds-checked integer index rather than by pointer, so
// that the whole table is a flat, copyable (POD-like) value suitable for
// the exec-time shared-memory save/restore trip handled by
// internal/shmstate.
//
// The table is process-wide mutable state (spec §5), so every field access
// that isn't on the lock-free fast path goes through an
// github.com/jacobsa/syncutil.InvariantMutex the way the teacher's sample
// cachingFS guards its own in-memory state (samples/cachingfs/caching_fs.go):
// every Lock/Unlock pair re-checks the table's invariants, so a violation
// is caught at the call site that introduced it instead of surfacing later
// as a confusing corruption.
package table

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"
)

// EndpointState is the optimization-engine state of one endpoint.
type EndpointState int

const (
	StateInvalid EndpointState = iota
	StateUnopt
	StateIDExchange
	StateOptimized
	// StateNoopt mirrors an enumerator present in the original C++ state
	// enum (ipcreg_internal.h) that the original engine never actually
	// transitions into. Kept for fidelity; the engine never assigns it.
	StateNoopt
)

func (s EndpointState) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateUnopt:
		return "UNOPT"
	case StateIDExchange:
		return "ID_EXCHANGE"
	case StateOptimized:
		return "OPTIMIZED"
	case StateNoopt:
		return "NOOPT"
	default:
		return "UNKNOWN"
	}
}

// EPInvalid is the sentinel endpoint id, matching the original's
// EP_INVALID (~endpoint(0), i.e. all bits set).
const EPInvalid uint32 = ^uint32(0)

// NetAddr is a resolved socket address, captured once per endpoint for the
// CRC seed and for ENDPOINT_INFO submission.
type NetAddr struct {
	Addr string
	Port int
}

// Endpoint is the durable identity of one side of a connection (spec §3).
type Endpoint struct {
	ID uint32

	State EndpointState

	BytesSent uint64
	BytesRecv uint64

	// CRCSent/CRCRecv are maintained by internal/accounting; the table only
	// stores the latest values so the engine can hand them to the daemon
	// client without reaching into another package's internals.
	CRCSent uint32
	CRCRecv uint32

	// LocalFD is the optimized local descriptor, 0 when not optimized.
	LocalFD int

	RefCount int

	NonBlocking bool
	IsAccept    bool

	ConnectStart, ConnectEnd int64 // unix nanoseconds; 0 means unset
	InfoSubmitted            bool

	Local, Remote NetAddr
}

func (e *Endpoint) reset() {
	*e = Endpoint{ID: e.ID}
}

// EpollEntry is one watched-fd/event-mask pair tracked for an epoll
// instance fd (spec §3 Readiness-watcher record). Target is the descriptor
// currently registered with the kernel for this entry -- the original fd
// until the endpoint transitions to OPTIMIZED, at which point
// internal/readiness swaps it for localfd (spec §4.6: "DEL on the original
// and ADD on localfd with the saved event mask"). Data is the application's
// original epoll_event.data, saved here because the kernel has no use for
// it beyond echoing it back verbatim on epoll_wait -- a re-ADD onto
// localfd must supply the same value back or the application's own
// bookkeeping (which typically keys off data, not fd) breaks silently.
type EpollEntry struct {
	FD     int
	Events uint32
	Target int
	Data   uint64
}

// EpollInfo is the bounded readiness-watcher record for an fd that is an
// epoll instance.
type EpollInfo struct {
	Valid   bool
	Entries []EpollEntry
}

// MaxEpollEntries bounds the epoll watch-list capacity (spec §3: 5-10).
// The original kept this conservative specifically to avoid bloating the
// fixed-size table; we do the same.
const MaxEpollEntries = 10

// FdRecord is the per-descriptor-slot record (spec §3).
type FdRecord struct {
	EP          uint32 // EPInvalid when unregistered
	CloseOnExec bool
	IsLocal     bool
	// Reserved marks a descriptor outside the normal register/endpoint
	// lifecycle that must still be protected (spec §4.2/§6): the daemon
	// control connection today. Set via MarkReserved, never through
	// Register/Dup.
	Reserved bool
	Epoll    EpollInfo
}

func (f *FdRecord) reset() {
	*f = FdRecord{EP: EPInvalid}
}

// ErrOutOfRange is returned by bounds-checked accessors when the given fd
// or endpoint id falls outside the table's fixed capacity. Per spec §4.1,
// callers must treat this as "non-registered" and pass through to the real
// syscall rather than treat it as a fatal error.
type ErrOutOfRange struct {
	Kind  string
	Value int
	Size  int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("ipcopter: %s %d out of range (table size %d)", e.Kind, e.Value, e.Size)
}

// Table is the fixed-capacity, process-wide fd/endpoint registry.
type Table struct {
	mu syncutil.InvariantMutex // protects fds and endpoints below

	// rawMu guards only DecrementRefCountOnly's process-exit sweep, which
	// deliberately leaves ref_count out of sync with fd references for the
	// remaining lifetime of an exiting process (see that method's doc).
	// Using the invariant-checked mu there would panic on exactly the
	// inconsistency the sweep intentionally introduces.
	rawMu sync.Mutex

	fds       []FdRecord
	endpoints []Endpoint

	// nextEndpoint is a hint for the next endpoint slot to probe when the
	// local side wants a fresh id absent a daemon round trip (the daemon
	// is still authoritative for real ids; this is only used by tests that
	// fabricate local state without a daemon).
	nextEndpoint int
}

// New allocates a table with the given fixed capacity (spec: 2^10-2^14).
func New(size int) *Table {
	t := &Table{
		fds:       make([]FdRecord, size),
		endpoints: make([]Endpoint, size),
	}
	for i := range t.fds {
		t.fds[i].reset()
	}
	for i := range t.endpoints {
		t.endpoints[i] = Endpoint{ID: uint32(i), State: StateInvalid}
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

// Size returns the table's fixed fd/endpoint capacity.
func (t *Table) Size() int { return len(t.fds) }

// InBoundsFD reports whether fd can index the table (spec §4.1: oversize fd
// values are treated as non-registered, not as an error).
func (t *Table) InBoundsFD(fd int) bool { return fd >= 0 && fd < len(t.fds) }

// InBoundsEP reports whether ep can index the endpoint table.
func (t *Table) InBoundsEP(ep uint32) bool { return ep != EPInvalid && int(ep) < len(t.endpoints) }

// checkInvariants re-validates the table-wide invariants from spec §3.
// It is invoked by the InvariantMutex around every Lock/Unlock pair when
// built with invariant checking enabled (see syncutil.InvariantMutex),
// matching the teacher's cachingFS.checkInvariants pattern.
func (t *Table) checkInvariants() {
	refCounts := make([]int, len(t.endpoints))

	for fd, f := range t.fds {
		if f.EP != EPInvalid {
			if f.IsLocal {
				panic(fmt.Sprintf("fd %d has both is_local and an endpoint", fd))
			}
			if f.Reserved {
				panic(fmt.Sprintf("fd %d has both reserved and an endpoint", fd))
			}
			if !t.InBoundsEP(f.EP) {
				panic(fmt.Sprintf("fd %d references out-of-range endpoint %d", fd, f.EP))
			}
			refCounts[f.EP]++
		}
	}

	for id, ep := range t.endpoints {
		switch ep.State {
		case StateInvalid:
			if ep.RefCount != 0 {
				panic(fmt.Sprintf("endpoint %d is INVALID with nonzero ref_count %d", id, ep.RefCount))
			}
		case StateUnopt, StateIDExchange:
			if ep.LocalFD != 0 {
				panic(fmt.Sprintf("endpoint %d is %v but has localfd %d", id, ep.State, ep.LocalFD))
			}
			if ep.RefCount < 1 {
				panic(fmt.Sprintf("endpoint %d is %v with ref_count < 1", id, ep.State))
			}
		case StateOptimized:
			if ep.LocalFD == 0 {
				panic(fmt.Sprintf("endpoint %d is OPTIMIZED with localfd == 0", id))
			}
			if !t.InBoundsFD(ep.LocalFD) {
				panic(fmt.Sprintf("endpoint %d localfd %d out of range", id, ep.LocalFD))
			}
			lf := t.fds[ep.LocalFD]
			if !lf.IsLocal || lf.EP != EPInvalid {
				panic(fmt.Sprintf("endpoint %d localfd %d is not a clean local slot", id, ep.LocalFD))
			}
		}

		if ep.RefCount != refCounts[id] {
			panic(fmt.Sprintf("endpoint %d ref_count %d does not match fd references %d", id, ep.RefCount, refCounts[id]))
		}
	}
}

// Lock/Unlock expose the table's mutual exclusion to callers that need to
// perform several operations atomically (e.g. dup, which must unregister
// the destination and reregister it under the source's endpoint as one
// step). Most callers should prefer the higher-level methods below.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// FD returns a copy of the fd record at fd. The zero value's EP is
// EPInvalid if fd is unregistered.
func (t *Table) FD(fd int) (FdRecord, error) {
	if !t.InBoundsFD(fd) {
		return FdRecord{}, &ErrOutOfRange{"fd", fd, len(t.fds)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fds[fd], nil
}

// Endpoint returns a copy of the endpoint record for ep.
func (t *Table) Endpoint(ep uint32) (Endpoint, error) {
	if !t.InBoundsEP(ep) {
		return Endpoint{}, &ErrOutOfRange{"endpoint", int(ep), len(t.endpoints)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoints[ep], nil
}

// MutateFD runs fn with exclusive access to the fd record at fd.
func (t *Table) MutateFD(fd int, fn func(*FdRecord)) error {
	if !t.InBoundsFD(fd) {
		return &ErrOutOfRange{"fd", fd, len(t.fds)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.fds[fd])
	return nil
}

// MutateEndpoint runs fn with exclusive access to the endpoint record ep.
func (t *Table) MutateEndpoint(ep uint32, fn func(*Endpoint)) error {
	if !t.InBoundsEP(ep) {
		return &ErrOutOfRange{"endpoint", int(ep), len(t.endpoints)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.endpoints[ep])
	return nil
}

// Register binds fd to a freshly-assigned endpoint id (already obtained
// from the daemon by the caller) with ref_count 1 and state UNOPT.
func (t *Table) Register(fd int, ep uint32, isAccept bool) error {
	if !t.InBoundsFD(fd) || !t.InBoundsEP(ep) {
		return &ErrOutOfRange{"fd", fd, len(t.fds)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f := &t.fds[fd]
	if f.EP != EPInvalid {
		return fmt.Errorf("ipcopter: fd %d already registered to endpoint %d", fd, f.EP)
	}

	e := &t.endpoints[ep]
	e.reset()
	e.ID = ep
	e.State = StateUnopt
	e.RefCount = 1
	e.IsAccept = isAccept

	f.EP = ep
	return nil
}

// Dup points fd2 at the same endpoint as fd1, bumping ref_count. Callers
// must have already unregistered fd2 (spec §4.7 dup/dup2: "the destination
// fd is forcibly unregistered first").
func (t *Table) Dup(fd1, fd2 int) (ep uint32, registered bool, err error) {
	if !t.InBoundsFD(fd1) || !t.InBoundsFD(fd2) {
		return EPInvalid, false, &ErrOutOfRange{"fd", fd1, len(t.fds)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.fds[fd1]
	if src.EP == EPInvalid {
		return EPInvalid, false, nil
	}

	dst := &t.fds[fd2]
	if dst.EP != EPInvalid {
		return EPInvalid, false, fmt.Errorf("ipcopter: dup destination fd %d still registered", fd2)
	}

	e := &t.endpoints[src.EP]
	e.RefCount++
	dst.EP = src.EP

	return src.EP, true, nil
}

// Unregister drops fd's reference to its endpoint, decrementing ref_count.
// It returns the endpoint id and whether ref_count reached zero (in which
// case the caller must tell the daemon UNREGISTER and close any localfd).
func (t *Table) Unregister(fd int) (ep uint32, lastRef bool, localFD int, err error) {
	if !t.InBoundsFD(fd) {
		return EPInvalid, false, 0, &ErrOutOfRange{"fd", fd, len(t.fds)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f := &t.fds[fd]
	if f.EP == EPInvalid {
		return EPInvalid, false, 0, nil
	}

	ep = f.EP
	e := &t.endpoints[ep]

	f.EP = EPInvalid
	f.CloseOnExec = false
	f.Epoll.Valid = false

	e.RefCount--
	if e.RefCount < 0 {
		panic(fmt.Sprintf("ipcopter: endpoint %d ref_count went negative", ep))
	}

	if e.RefCount == 0 {
		localFD = e.LocalFD
		if localFD != 0 {
			t.fds[localFD].IsLocal = false
		}
		e.reset()
		return ep, true, localFD, nil
	}

	return ep, false, 0, nil
}

// MarkOptimized transitions ep to OPTIMIZED, publishing localFD and
// claiming its fd slot as is_local. Per spec §5, localfd must be published
// before the state transition is observed by a concurrent lock-free
// reader; InvariantMutex already provides a release/acquire barrier here
// via its own internal mutex, so no separate atomic is required.
func (t *Table) MarkOptimized(ep uint32, localFD int) error {
	if !t.InBoundsEP(ep) || !t.InBoundsFD(localFD) {
		return &ErrOutOfRange{"endpoint", int(ep), len(t.endpoints)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	lf := &t.fds[localFD]
	lf.EP = EPInvalid
	lf.IsLocal = true

	e := &t.endpoints[ep]
	e.LocalFD = localFD
	e.State = StateOptimized

	return nil
}

// IsProtected reports whether fd is a protected descriptor (spec §4.2/§6):
// any fd flagged is_local, or explicitly marked Reserved (the daemon
// connection; see internal/daemonclient and Layer.protectDaemonFD). The
// state-transfer shared-memory fd (internal/shmstate.ReservedFD) is marked
// Reserved by Layer.OnExec once the segment has been moved onto it; with a
// TableSize too small to index that fd it is out of range and reported as
// not protected.
func (t *Table) IsProtected(fd int) bool {
	if !t.InBoundsFD(fd) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fds[fd].IsLocal || t.fds[fd].Reserved
}

// MarkReserved flags fd as a protected descriptor outside the normal
// register/endpoint lifecycle (spec §4.2/§6: "the daemon connection... are
// 'protected'"). Out-of-range fd numbers are silently ignored, matching
// every other bounds-checked accessor's fail-open behavior (spec §4.1).
func (t *Table) MarkReserved(fd int) {
	if !t.InBoundsFD(fd) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[fd].Reserved = true
}

// UnmarkReserved clears a previously-marked reserved descriptor, used when
// the underlying connection it guarded is rebuilt at a different fd (e.g.
// a daemon reconnect after fork picks a fresh kernel-assigned number).
func (t *Table) UnmarkReserved(fd int) {
	if !t.InBoundsFD(fd) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[fd].Reserved = false
}

// IsRegistered reports whether fd currently maps to a live endpoint.
func (t *Table) IsRegistered(fd int) bool {
	if !t.InBoundsFD(fd) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fds[fd].EP != EPInvalid
}

// Snapshot returns a deep copy of the live table state, used by
// internal/shmstate to serialize across exec and by tests.
func (t *Table) Snapshot() ([]FdRecord, []Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]FdRecord, len(t.fds))
	copy(fds, t.fds)
	eps := make([]Endpoint, len(t.endpoints))
	copy(eps, t.endpoints)
	return fds, eps
}

// Restore replaces the table's contents wholesale, used by
// internal/shmstate after an exec. Both slices must have been produced by
// a Snapshot of a table with the same Size.
func (t *Table) Restore(fds []FdRecord, eps []Endpoint) error {
	if len(fds) != len(t.fds) || len(eps) != len(t.endpoints) {
		return fmt.Errorf("ipcopter: restored table size mismatch (got %d/%d, want %d)", len(fds), len(eps), len(t.fds))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.fds, fds)
	copy(t.endpoints, eps)
	return nil
}

// DecrementRefCountOnly drops ep's ref_count by one without touching any fd
// record, for use solely by the process-exit sweep (SPEC_FULL.md §4.9).
// The original's destructor comment explains the distinction: "Don't use
// unregister_inet_socket -- we don't want to change state that may break
// concurrently executing threads, only to let [the daemon] know we're
// done with it."
func (t *Table) DecrementRefCountOnly(ep uint32) (refCount int, err error) {
	if !t.InBoundsEP(ep) {
		return 0, &ErrOutOfRange{"endpoint", int(ep), len(t.endpoints)}
	}

	t.rawMu.Lock()
	defer t.rawMu.Unlock()

	e := &t.endpoints[ep]
	if e.RefCount > 0 {
		e.RefCount--
	}
	return e.RefCount, nil
}

// ForEachRegistered calls fn for every fd currently bound to an endpoint.
// Used by the fork-time reregistration sweep and the process-exit sweep
// (SPEC_FULL.md §4.9).
func (t *Table) ForEachRegistered(fn func(fd int, ep uint32)) {
	t.mu.Lock()
	snapshot := make([]FdRecord, len(t.fds))
	copy(snapshot, t.fds)
	t.mu.Unlock()

	for fd, f := range snapshot {
		if f.EP != EPInvalid {
			fn(fd, f.EP)
		}
	}
}
