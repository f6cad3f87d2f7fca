package slipstream

import (
	"fmt"
	"net"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/dtzWill/ipcopter/internal/accounting"
	"github.com/dtzWill/ipcopter/internal/daemonclient"
	"github.com/dtzWill/ipcopter/internal/engine"
	"github.com/dtzWill/ipcopter/internal/iodispatch"
	"github.com/dtzWill/ipcopter/internal/readiness"
	"github.com/dtzWill/ipcopter/internal/shmstate"
	"github.com/dtzWill/ipcopter/internal/slog"
	"github.com/dtzWill/ipcopter/internal/table"
)

// Layer is the process-wide orchestrator: one instance owns the descriptor
// table, the daemon connection, the optimization engine, and the I/O and
// readiness dispatchers, and exposes the lifecycle hooks spec §4.7 assigns
// to socket/accept/connect/dup/close/fcntl/fork/exec. Construct exactly one
// per process, the way the teacher's Server owns one FileSystem for the
// lifetime of a mount.
type Layer struct {
	cfg Config

	tbl *table.Table
	dmn *daemonclient.Client
	eng *engine.Engine
	io  *iodispatch.Dispatcher
	mux *readiness.Multiplexer

	// daemonFD is the fd last marked Reserved in tbl for the daemon
	// connection, tracked so a post-fork reconnect can unmark the old
	// number before marking the new one (see protectDaemonFD).
	daemonFD int
}

// disabled reports whether this Layer was built with Config.Disabled set
// (IPCD_DISABLE): every hook and dispatch method becomes a pure
// pass-through, matching spec §6's "Environment switch" / scenario 6
// ("Daemon absent... behave as pure pass-through with zero daemon messages
// and no table mutation beyond table initialization").
func (l *Layer) disabled() bool { return l.tbl == nil }

// New constructs a Layer from an explicit Config. If cfg.Disabled is set,
// no daemon connection is attempted and every hook degrades to a
// pass-through. Otherwise this dials (and if necessary spawns) the pairing
// daemon and, per spec §6's shared-memory state transfer, checks for and
// restores a table inherited across exec before returning.
func New(cfg Config) (*Layer, error) {
	if cfg.Disabled {
		return &Layer{cfg: cfg}, nil
	}

	tbl := cfg.newTable()

	dmn, err := daemonclient.New(cfg.daemonConfig())
	if err != nil {
		return nil, fmt.Errorf("ipcopter: connecting to daemon: %w", err)
	}

	eng := engine.New(cfg.engineConfig(), tbl, dmn, timeutil.RealClock())
	disp := iodispatch.New(tbl, eng, cfg.Threshold)
	mux := readiness.New(tbl)

	l := &Layer{cfg: cfg, tbl: tbl, dmn: dmn, eng: eng, io: disp, mux: mux}
	l.protectDaemonFD()

	restored, err := shmstate.Restore(tbl)
	if err != nil {
		slog.Logf("slipstream: exec-state restore failed, starting with an empty table: %v", err)
	} else if restored {
		l.reestablishTracking()
	}

	return l, nil
}

// FromEnv is New(ConfigFromEnv()), the usual entry point for a process that
// wants the spec's IPCD_* environment variables honored.
func FromEnv() (*Layer, error) {
	return New(ConfigFromEnv())
}

// reestablishTracking rebuilds the iodispatch accounting state for every
// endpoint the restored table still references, since the Dispatcher's
// per-endpoint CRC counters are not themselves part of the serialized POD
// table (spec §6 restores the table; accounting state still needs its
// normal Track call).
func (l *Layer) reestablishTracking() {
	l.tbl.ForEachRegistered(func(fd int, ep uint32) {
		e, err := l.tbl.Endpoint(ep)
		if err != nil {
			return
		}
		l.io.Track(ep, e.Local.Addr, e.Remote.Addr)
	})
}

// Close tears down the daemon connection. Callers should run the
// process-exit sweep (Shutdown) first.
func (l *Layer) Close() error {
	if l.disabled() {
		return nil
	}
	return l.dmn.Close()
}

// Shutdown performs the process-exit sweep (SPEC_FULL.md §4.9): every
// still-registered endpoint's ref_count is dropped once, and at zero the
// daemon is told UNREGISTER.
func (l *Layer) Shutdown() {
	if l.disabled() {
		return
	}
	l.eng.Shutdown()
}

// OnFork must be called in the child immediately after fork (spec §4.7:
// "Done eagerly to avoid races with the child's own first operations").
func (l *Layer) OnFork() {
	if l.disabled() {
		return
	}
	if err := l.dmn.Reconnect(); err != nil {
		slog.Logf("slipstream: daemon reconnect after fork failed: %v", err)
	}
	l.protectDaemonFD()
	l.eng.ReregisterAfterFork()
}

// protectDaemonFD marks the daemon connection's current fd Reserved in the
// table (spec §4.2/§6: "the daemon connection... are 'protected'"),
// unmarking whatever fd it previously protected first since a post-fork
// reconnect is handed a fresh kernel-assigned number.
func (l *Layer) protectDaemonFD() {
	fd, err := l.dmn.RawFD()
	if err != nil {
		slog.Logf("slipstream: daemon fd unavailable, cannot protect it: %v", err)
		return
	}
	if l.daemonFD != 0 && l.daemonFD != fd {
		l.tbl.UnmarkReserved(l.daemonFD)
	}
	l.tbl.MarkReserved(fd)
	l.daemonFD = fd
}

// OnExec must be called immediately before an exec* call (spec §4.7/§6):
// it serializes the table into a shared-memory segment held open on a
// reserved fd that survives the exec, and marks that fd Reserved so the
// application's close/dup2/fcntl on it are refused.
func (l *Layer) OnExec() error {
	if l.disabled() {
		return nil
	}
	if err := shmstate.Save(l.tbl); err != nil {
		return err
	}
	l.tbl.MarkReserved(shmstate.ReservedFD)
	return nil
}

// addrString renders a net.Addr the way the daemon protocol and CRC seed
// expect: the empty string if addr is nil (e.g. a non-blocking connect
// still "in progress" with no resolvable peer yet).
func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// OnAccept registers a freshly accepted connection fd as a new endpoint
// with the accept flag set (spec §4.7: "register the returned fd as a new
// endpoint with the accept flag set; record connect start/end timestamps
// bracketing the call; submit info to the daemon"). start/end bracket the
// accept(2) call itself.
func (l *Layer) OnAccept(fd int, local, remote net.Addr, start, end time.Time) error {
	if l.disabled() {
		return nil
	}

	ep, err := l.dmn.Register(fd)
	if err != nil {
		return fmt.Errorf("ipcopter: REGISTER(fd=%d): %w", fd, err)
	}
	if err := l.tbl.Register(fd, ep, true); err != nil {
		return err
	}

	localAddr, remoteAddr := addrString(local), addrString(remote)
	l.tbl.MutateEndpoint(ep, func(e *table.Endpoint) {
		e.ConnectStart = start.UnixNano()
		e.ConnectEnd = end.UnixNano()
		e.Local = table.NetAddr{Addr: localAddr}
		e.Remote = table.NetAddr{Addr: remoteAddr}
	})

	l.io.Track(ep, localAddr, remoteAddr)
	return l.eng.SubmitInfoIfNeeded(ep, localAddr, remoteAddr)
}

// OnConnect registers a freshly connected fd as a new endpoint (spec §4.7:
// "bracket with timestamps; if non-blocking and errno is 'in progress',
// record best-effort timestamps and submit"). inProgress is true when the
// connect returned EINPROGRESS on a non-blocking socket; remote may be nil
// in that case if the address isn't yet resolvable.
func (l *Layer) OnConnect(fd int, local, remote net.Addr, start, end time.Time, inProgress bool) error {
	if l.disabled() {
		return nil
	}

	ep, err := l.dmn.Register(fd)
	if err != nil {
		return fmt.Errorf("ipcopter: REGISTER(fd=%d): %w", fd, err)
	}
	if err := l.tbl.Register(fd, ep, false); err != nil {
		return err
	}

	localAddr, remoteAddr := addrString(local), addrString(remote)
	l.tbl.MutateEndpoint(ep, func(e *table.Endpoint) {
		e.ConnectStart = start.UnixNano()
		if !inProgress {
			e.ConnectEnd = end.UnixNano()
		}
		e.Local = table.NetAddr{Addr: localAddr}
		e.Remote = table.NetAddr{Addr: remoteAddr}
	})

	l.io.Track(ep, localAddr, remoteAddr)
	if remoteAddr == "" {
		// Address not yet resolvable; the first post-connect data call
		// retries SubmitInfoIfNeeded (spec §4.8).
		return nil
	}
	return l.eng.SubmitInfoIfNeeded(ep, localAddr, remoteAddr)
}

// OnDataCall gives the lifecycle hooks a chance to retry SubmitInfoIfNeeded
// opportunistically on the first post-connect data call if addresses
// weren't resolvable at connect time (SPEC_FULL.md §4.8). Safe and cheap
// to call on every data call; it no-ops once info has been submitted.
func (l *Layer) OnDataCall(fd int, local, remote net.Addr) {
	if l.disabled() {
		return
	}
	rec, err := l.tbl.FD(fd)
	if err != nil || rec.EP == table.EPInvalid {
		return
	}
	localAddr, remoteAddr := addrString(local), addrString(remote)
	if remoteAddr == "" {
		return
	}
	if err := l.eng.SubmitInfoIfNeeded(rec.EP, localAddr, remoteAddr); err != nil {
		slog.Logf("slipstream: SubmitInfoIfNeeded(fd=%d): %v", fd, err)
	}
}

// OnDup implements dup/dup2 (spec §4.7): "if the source fd is registered,
// the destination fd is forcibly unregistered first, then pointed at the
// same endpoint; ref_count increments. Duplicating onto a protected fd is
// rejected with EBADF."
func (l *Layer) OnDup(oldfd, newfd int) error {
	if l.disabled() {
		return nil
	}
	if l.tbl.IsProtected(newfd) {
		return EBadFD
	}

	if l.tbl.IsRegistered(newfd) {
		if err := l.finishUnregister(newfd); err != nil {
			return err
		}
	}

	_, registered, err := l.tbl.Dup(oldfd, newfd)
	if err != nil || !registered {
		return err
	}
	return nil
}

// OnClose implements close (spec §4.7): "protected fd -> refuse silently.
// Otherwise, issue real close; if registered, decrement ref_count; on
// zero, UNREGISTER the endpoint, close any localfd, invalidate." It
// returns shouldClose=false when the application's close must be silently
// swallowed (a protected descriptor).
func (l *Layer) OnClose(fd int) (shouldClose bool, err error) {
	if l.disabled() {
		return true, nil
	}
	if l.tbl.IsProtected(fd) {
		return false, nil
	}

	return true, l.finishUnregister(fd)
}

// finishUnregister drops fd's reference to its endpoint and, once the
// endpoint's ref_count reaches zero, releases its accounting state, closes
// any optimized local descriptor, and tells the daemon UNREGISTER. Shared by
// OnClose and OnDup's forced-unregister-of-the-destination step (spec §4.7),
// since both end a registration the same way once the last reference drops.
func (l *Layer) finishUnregister(fd int) error {
	ep, lastRef, localFD, err := l.tbl.Unregister(fd)
	if err != nil {
		return err
	}
	if ep == table.EPInvalid {
		return nil
	}

	if lastRef {
		l.io.Untrack(ep)
		if localFD != 0 {
			unix.Close(localFD)
		}
		if ok, uerr := l.dmn.Unregister(ep); uerr != nil || !ok {
			slog.Logf("slipstream: UNREGISTER(%d) failed: ok=%v err=%v", ep, ok, uerr)
		}
	}

	return nil
}

// OnFcntl implements fcntl (spec §4.7): "F_SETFD updates the layer's
// close-on-exec tracking; F_SETFL mirrors non-blocking onto localfd when
// OPTIMIZED; other commands forward." Callers still issue the real fcntl
// themselves; this only updates table/localfd-mirrored state. A protected
// descriptor (spec §4.2/§6) rejects fcntl the same way it rejects close
// and dup.
func (l *Layer) OnFcntl(fd int, cmd int, arg int) error {
	if l.disabled() {
		return nil
	}
	if l.tbl.IsProtected(fd) {
		return EBadFD
	}

	switch cmd {
	case unix.F_SETFD:
		return l.tbl.MutateFD(fd, func(f *table.FdRecord) {
			f.CloseOnExec = arg&unix.FD_CLOEXEC != 0
		})

	case unix.F_SETFL:
		rec, err := l.tbl.FD(fd)
		if err != nil || rec.EP == table.EPInvalid {
			return nil
		}
		endpoint, err := l.tbl.Endpoint(rec.EP)
		if err != nil {
			return nil
		}
		nonBlocking := arg&unix.O_NONBLOCK != 0
		if err := l.tbl.MutateEndpoint(rec.EP, func(e *table.Endpoint) {
			e.NonBlocking = nonBlocking
		}); err != nil {
			return err
		}
		if endpoint.State == table.StateOptimized {
			return unix.SetNonblock(endpoint.LocalFD, nonBlocking)
		}
	}

	return nil
}

// Send/Recv/SendTo/RecvFrom/Writev/Readv/SendMsg/RecvMsg/Poll/Select/
// EpollCtl/EpollWait delegate straight to the internal dispatchers. When
// disabled, every call forwards unchanged so behavior matches spec §6
// scenario 6 exactly.

func (l *Layer) Send(fd int, buf []byte, peek bool, raw iodispatch.RawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.Send(fd, buf, peek, raw)
}

func (l *Layer) Recv(fd int, buf []byte, peek bool, raw iodispatch.RawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.Recv(fd, buf, peek, raw)
}

func (l *Layer) SendTo(fd int, buf []byte, destAddr interface{}, raw iodispatch.RawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.SendTo(fd, buf, destAddr, raw)
}

func (l *Layer) RecvFrom(fd int, buf []byte, srcAddr interface{}, raw iodispatch.RawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.RecvFrom(fd, buf, srcAddr, raw)
}

func (l *Layer) Writev(fd int, iovs []accounting.IOVec, raw iodispatch.VecRawIO) (int, error) {
	if l.disabled() {
		return raw(fd, iovs)
	}
	return l.io.Writev(fd, iovs, raw)
}

func (l *Layer) Readv(fd int, iovs []accounting.IOVec, raw iodispatch.VecRawIO) (int, error) {
	if l.disabled() {
		return raw(fd, iovs)
	}
	return l.io.Readv(fd, iovs, raw)
}

func (l *Layer) SendMsg(fd int, buf []byte, raw iodispatch.MsgRawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.SendMsg(fd, buf, raw)
}

func (l *Layer) RecvMsg(fd int, buf []byte, raw iodispatch.MsgRawIO) (int, error) {
	if l.disabled() {
		return raw(fd, buf)
	}
	return l.io.RecvMsg(fd, buf, raw)
}

func (l *Layer) Poll(fds []readiness.PollFd, timeoutMillis int, raw readiness.RawPoll) (int, error) {
	if l.disabled() {
		return raw(fds, timeoutMillis)
	}
	return l.mux.Poll(fds, timeoutMillis, raw)
}

func (l *Layer) Select(nfds int, r, w, e *unix.FdSet, raw readiness.RawSelect) (int, error) {
	if l.disabled() {
		return raw(nfds, r, w, e)
	}
	return l.mux.Select(nfds, r, w, e, raw)
}

func (l *Layer) EpollCtl(epfd, op, fd int, events uint32, data uint64, raw readiness.RawEpollCtl) error {
	if l.disabled() {
		return raw(epfd, op, fd, events, data)
	}
	return l.mux.EpollCtl(epfd, op, fd, events, data, raw)
}

func (l *Layer) EpollWait(epfd int, maxEvents int, timeoutMillis int, ctl readiness.RawEpollCtlSimple, wait readiness.RawEpollWait) ([]unix.EpollEvent, error) {
	if l.disabled() {
		return wait(epfd, maxEvents, timeoutMillis)
	}
	return l.mux.EpollWait(epfd, maxEvents, timeoutMillis, ctl, wait)
}
