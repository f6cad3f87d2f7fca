// Package iodispatch implements the per-call dispatch algorithm from core
// spec §4.5: decide, for each intercepted data call, whether to forward
// unchanged, route onto the optimized local descriptor, or split a call
// that crosses the accounting threshold and hand off to the optimization
// engine.
package iodispatch

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dtzWill/ipcopter/internal/accounting"
	"github.com/dtzWill/ipcopter/internal/engine"
	"github.com/dtzWill/ipcopter/internal/slog"
	"github.com/dtzWill/ipcopter/internal/table"
)

// RawIO performs the real (possibly blocking) syscall the dispatcher is
// standing in front of, against targetFD, over buf (the caller's original
// buffer, possibly re-sliced to a shorter length for a split transfer). It
// returns the same (n, err) shape the wrapped libc call would.
type RawIO func(targetFD int, buf []byte) (int, error)

// Dispatcher wires a descriptor table, a per-endpoint accounting registry,
// and the optimization engine together for the send/recv call families.
type Dispatcher struct {
	tbl       *table.Table
	eng       *engine.Engine
	threshold uint64

	mu       sync.Mutex
	counters map[uint32]*accounting.Endpoint
}

// New builds a Dispatcher. threshold is the accounting threshold (spec §6
// THRESHOLD); pass accounting.DefaultThreshold for the spec default.
func New(tbl *table.Table, eng *engine.Engine, threshold uint64) *Dispatcher {
	return &Dispatcher{
		tbl:       tbl,
		eng:       eng,
		threshold: threshold,
		counters:  make(map[uint32]*accounting.Endpoint),
	}
}

// Track begins per-direction accounting for a freshly registered endpoint.
// Called by the lifecycle hooks right after table.Register.
func (d *Dispatcher) Track(ep uint32, localAddr, remoteAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[ep] = accounting.NewEndpoint(d.threshold, localAddr, remoteAddr)
}

// Untrack discards an endpoint's accounting state. Called once ref_count
// reaches zero and the endpoint is fully unregistered.
func (d *Dispatcher) Untrack(ep uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.counters, ep)
}

func (d *Dispatcher) counterFor(ep uint32) *accounting.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters[ep]
}

// CRCs returns the current sent/recv CRCs for ep, used to keep
// table.Endpoint.CRCSent/CRCRecv in sync so the engine can hand them to
// THRESH_CRC_KLUDGE without reaching into iodispatch internals.
func (d *Dispatcher) CRCs(ep uint32) (sent, recv uint32, ok bool) {
	c := d.counterFor(ep)
	if c == nil {
		return 0, 0, false
	}
	return c.Sent.CRC(), c.Recv.CRC(), true
}

// dispatchOne runs the spec §4.5 algorithm for a single-buffer transfer in
// direction dir on fd. peek suppresses stats updates (used by MSG_PEEK).
// raw is called with the fd to actually use and the (possibly re-sliced)
// buffer to pass to the real syscall.
func (d *Dispatcher) dispatchOne(fd int, buf []byte, dir accounting.Direction, peek bool, raw RawIO) (int, error) {
	rec, err := d.tbl.FD(fd)
	if err != nil || rec.EP == table.EPInvalid {
		// Not a registered socket, or fd is out of the table's fixed range:
		// forward unchanged (spec §4.1/§4.5 step 1).
		return raw(fd, buf)
	}

	ep := rec.EP
	endpoint, err := d.tbl.Endpoint(ep)
	if err != nil {
		return raw(fd, buf)
	}

	if endpoint.State == table.StateOptimized {
		return raw(endpoint.LocalFD, buf)
	}

	if peek {
		return raw(fd, buf)
	}

	counter := d.counterFor(ep)
	if counter == nil {
		// Tracking not yet established (shouldn't happen once Track runs at
		// registration, but fail open rather than lose data).
		return raw(fd, buf)
	}
	c := counter.Counter(dir)

	rem := c.Remaining()
	if rem > 0 && rem <= uint64(len(buf)) {
		n, err := raw(fd, buf[:rem])
		if err != nil {
			return n, err
		}
		c.Record(buf, n)
		result := d.afterRecord(fd, ep, dir)
		return d.continueRemainder(result, !endpoint.NonBlocking, n, buf, raw), nil
	}

	n, err := raw(fd, buf)
	if err == nil {
		c.Record(buf, n)
	}
	return n, err
}

// continueRemainder implements spec §4.4's best-effort continuation: once
// Attempt has just optimized the endpoint, a blocking caller's call must
// still return the full length it asked for rather than a short count with
// no EINTR, so the unsent/unread remainder is issued directly on localfd
// before returning. Non-blocking descriptors skip this -- that caller
// already expects to loop on short returns itself.
func (d *Dispatcher) continueRemainder(result engine.AttemptResult, blocking bool, n int, buf []byte, raw RawIO) int {
	if !result.Optimized || !blocking || n >= len(buf) {
		return n
	}
	m, err := raw(result.LocalFD, buf[n:])
	if err != nil {
		slog.Logf("iodispatch: best-effort remainder on localfd %d failed: %v", result.LocalFD, err)
		return n
	}
	return n + m
}

// afterRecord runs once a direction's counter has just reached Threshold,
// invoking the optimization engine synchronously (spec §4.4: "the instant
// the counter reaches THRESHOLD, not before, not repeatedly after"). It
// returns the engine's AttemptResult so dispatchOne/dispatchVec can, for a
// blocking descriptor, continue the split call onto localfd for its
// remainder instead of returning the caller a short count.
func (d *Dispatcher) afterRecord(fd int, ep uint32, dir accounting.Direction) engine.AttemptResult {
	counter := d.counterFor(ep)
	if counter == nil {
		return engine.AttemptResult{}
	}
	c := counter.Counter(dir)
	if !c.AtThreshold() {
		return engine.AttemptResult{}
	}

	d.syncCRCs(ep)

	slog.Logf("iodispatch: fd=%d endpoint=%d reached threshold, attempting pairing", fd, ep)
	result, err := d.eng.Attempt(fd, ep)
	if err != nil {
		slog.Logf("iodispatch: pairing attempt for endpoint %d failed: %v", ep, err)
		return engine.AttemptResult{}
	}
	return result
}

func (d *Dispatcher) syncCRCs(ep uint32) {
	sent, recv, ok := d.CRCs(ep)
	if !ok {
		return
	}
	d.tbl.MutateEndpoint(ep, func(rec *table.Endpoint) {
		rec.CRCSent = sent
		rec.CRCRecv = recv
	})
}

// Send implements the send(2) family.
func (d *Dispatcher) Send(fd int, buf []byte, peek bool, raw RawIO) (int, error) {
	return d.dispatchOne(fd, buf, accounting.Sent, peek, raw)
}

// Recv implements the recv(2) family.
func (d *Dispatcher) Recv(fd int, buf []byte, peek bool, raw RawIO) (int, error) {
	return d.dispatchOne(fd, buf, accounting.Recv, peek, raw)
}

// SendTo implements sendto(2). Per spec §4.5, "the address argument must
// be null for registered sockets" -- a connected, registered endpoint has
// no use for a destination address, so a non-nil one is rejected with
// EPROTO rather than silently honored. An unregistered fd has no such
// contract and forwards unchanged.
func (d *Dispatcher) SendTo(fd int, buf []byte, destAddr interface{}, raw RawIO) (int, error) {
	if destAddr != nil {
		if d.isRegistered(fd) {
			return 0, unix.EPROTO
		}
		return raw(fd, buf)
	}
	return d.Send(fd, buf, false, raw)
}

// RecvFrom implements recvfrom(2), with the same srcAddr carve-out as
// SendTo.
func (d *Dispatcher) RecvFrom(fd int, buf []byte, srcAddr interface{}, raw RawIO) (int, error) {
	if srcAddr != nil {
		if d.isRegistered(fd) {
			return 0, unix.EPROTO
		}
		return raw(fd, buf)
	}
	return d.Recv(fd, buf, false, raw)
}

func (d *Dispatcher) isRegistered(fd int) bool {
	rec, err := d.tbl.FD(fd)
	return err == nil && rec.EP != table.EPInvalid
}

// VecRawIO performs a scatter-gather real syscall (readv/writev) against
// targetFD over iovs, re-sliced to a shorter total length for a split
// transfer.
type VecRawIO func(targetFD int, iovs []accounting.IOVec) (int, error)

// Writev/Readv apply the same split logic as Send/Recv but attribute bytes
// across the iovec in order once the real syscall returns n (spec §4.5:
// "Scatter-gather updates iterate the iovec, attributing bytes to base
// pointers in order until the transferred count is exhausted").
func (d *Dispatcher) Writev(fd int, iovs []accounting.IOVec, raw VecRawIO) (int, error) {
	return d.dispatchVec(fd, iovs, accounting.Sent, raw)
}

func (d *Dispatcher) Readv(fd int, iovs []accounting.IOVec, raw VecRawIO) (int, error) {
	return d.dispatchVec(fd, iovs, accounting.Recv, raw)
}

func (d *Dispatcher) dispatchVec(fd int, iovs []accounting.IOVec, dir accounting.Direction, raw VecRawIO) (int, error) {
	total, overflowed := accounting.SumIOVecLen(iovs)
	if overflowed {
		// Spec §4.5 overflow safety: let the kernel report the error
		// canonically rather than attempt a sum the CPU's ssize_t can't hold.
		return raw(fd, iovs)
	}

	rec, err := d.tbl.FD(fd)
	if err != nil || rec.EP == table.EPInvalid {
		return raw(fd, iovs)
	}

	ep := rec.EP
	endpoint, err := d.tbl.Endpoint(ep)
	if err != nil {
		return raw(fd, iovs)
	}

	if endpoint.State == table.StateOptimized {
		return raw(endpoint.LocalFD, iovs)
	}

	counter := d.counterFor(ep)
	if counter == nil {
		return raw(fd, iovs)
	}
	c := counter.Counter(dir)

	rem := c.Remaining()
	if rem > 0 && rem <= total {
		n, err := raw(fd, truncateIOVecs(iovs, rem))
		if err != nil {
			return n, err
		}
		c.RecordIOVecs(iovs, n)
		result := d.afterRecord(fd, ep, dir)
		return d.continueVecRemainder(result, !endpoint.NonBlocking, n, iovs, raw), nil
	}

	n, err := raw(fd, iovs)
	if err == nil {
		c.RecordIOVecs(iovs, n)
	}
	return n, err
}

// continueVecRemainder is continueRemainder's scatter-gather counterpart:
// once Attempt has just optimized the endpoint, a blocking writev/readv
// still owes the caller its full requested length, so whatever the split
// prefix didn't cover is issued directly on localfd.
func (d *Dispatcher) continueVecRemainder(result engine.AttemptResult, blocking bool, n int, iovs []accounting.IOVec, raw VecRawIO) int {
	if !result.Optimized || !blocking {
		return n
	}
	rest := remainderIOVecs(iovs, uint64(n))
	if len(rest) == 0 {
		return n
	}
	m, err := raw(result.LocalFD, rest)
	if err != nil {
		slog.Logf("iodispatch: best-effort vector remainder on localfd %d failed: %v", result.LocalFD, err)
		return n
	}
	return n + m
}

// truncateIOVecs returns a copy of iovs cut off after limit total bytes,
// splitting the iovec that straddles the boundary.
func truncateIOVecs(iovs []accounting.IOVec, limit uint64) []accounting.IOVec {
	out := make([]accounting.IOVec, 0, len(iovs))
	var sum uint64
	for _, iov := range iovs {
		if sum >= limit {
			break
		}
		remaining := limit - sum
		if uint64(len(iov.Base)) > remaining {
			out = append(out, accounting.IOVec{Base: iov.Base[:remaining]})
			break
		}
		out = append(out, iov)
		sum += uint64(len(iov.Base))
	}
	return out
}

// remainderIOVecs returns the portion of iovs beyond the first offset
// bytes, the structural inverse of truncateIOVecs: it splits the iovec
// straddling the boundary and keeps everything after it.
func remainderIOVecs(iovs []accounting.IOVec, offset uint64) []accounting.IOVec {
	out := make([]accounting.IOVec, 0, len(iovs))
	var sum uint64
	for _, iov := range iovs {
		n := uint64(len(iov.Base))
		next := sum + n
		if next <= offset {
			sum = next
			continue
		}
		start := uint64(0)
		if sum < offset {
			start = offset - sum
		}
		out = append(out, accounting.IOVec{Base: iov.Base[start:]})
		sum = next
	}
	return out
}

// MsgRawIO performs a real sendmsg(2)/recvmsg(2) call for the caller's
// message buffer (ancillary data is opaque to the dispatcher and left to
// the caller to marshal).
type MsgRawIO func(targetFD int, buf []byte) (int, error)

// SendMsg/RecvMsg never split a single control-message-bearing call (Open
// Question decision #2 in SPEC_FULL.md): the whole message is forwarded
// unsplit, rather than risk tearing a message that carries ancillary data
// (e.g. SCM_RIGHTS) across two syscalls. If that message carries the
// counter to or past Threshold, the pairing attempt runs right after it,
// so a successful cutover takes effect from the dispatcher's next call.
func (d *Dispatcher) SendMsg(fd int, buf []byte, raw MsgRawIO) (int, error) {
	return d.dispatchWhole(fd, buf, accounting.Sent, raw)
}

func (d *Dispatcher) RecvMsg(fd int, buf []byte, raw MsgRawIO) (int, error) {
	return d.dispatchWhole(fd, buf, accounting.Recv, raw)
}

func (d *Dispatcher) dispatchWhole(fd int, buf []byte, dir accounting.Direction, raw MsgRawIO) (int, error) {
	rec, err := d.tbl.FD(fd)
	if err != nil || rec.EP == table.EPInvalid {
		return raw(fd, buf)
	}

	ep := rec.EP
	endpoint, err := d.tbl.Endpoint(ep)
	if err != nil {
		return raw(fd, buf)
	}

	if endpoint.State == table.StateOptimized {
		return raw(endpoint.LocalFD, buf)
	}

	n, err := raw(fd, buf)
	if err != nil {
		return n, err
	}

	counter := d.counterFor(ep)
	if counter != nil {
		c := counter.Counter(dir)
		wasBelow := c.Bytes() < c.Threshold
		c.Record(buf, n)
		if wasBelow && c.Bytes() >= c.Threshold {
			// An unsplit message can overshoot Threshold, so afterRecord's
			// exact-equality check does not apply here.
			d.syncCRCs(ep)
			slog.Logf("iodispatch: fd=%d endpoint=%d reached threshold in one message, attempting pairing", fd, ep)
			if _, err := d.eng.Attempt(fd, ep); err != nil {
				slog.Logf("iodispatch: pairing attempt for endpoint %d failed: %v", ep, err)
			}
		}
	}

	return n, nil
}
