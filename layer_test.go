package slipstream

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDaemon is the same minimal ipcd stand-in daemonclient's tests use,
// good enough to exercise Layer's lifecycle hooks end to end without a real
// matchmaking daemon.
type fakeDaemon struct {
	t    *testing.T
	ln   *net.UnixListener
	path string

	nextEP uint32
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ipcd.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	d := &fakeDaemon{t: t, ln: ln, path: path, nextEP: 1}
	go d.serve()
	return d
}

func (d *fakeDaemon) Close() { d.ln.Close() }

func (d *fakeDaemon) serve() {
	for {
		conn, err := d.ln.AcceptUnix()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDaemon) handle(conn *net.UnixConn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "REGISTER":
			ep := d.nextEP
			d.nextEP++
			conn.Write([]byte("200 ID " + itoa(ep) + "\n"))
		case "REREGISTER", "UNREGISTER", "LOCALIZE", "ENDPOINT_INFO":
			conn.Write([]byte("200 OK\n"))
		case "THRESH_CRC_KLUDGE", "ENDPOINT_KLUDGE":
			conn.Write([]byte("200 PAIR 99\n"))
		case "GETLOCALFD":
			d.sendLocalFD(conn)
		default:
			conn.Write([]byte("500 UNKNOWN\n"))
		}
	}
}

func (d *fakeDaemon) sendLocalFD(conn *net.UnixConn) {
	r, w, err := os.Pipe()
	require.NoError(d.t, err)
	defer w.Close()
	defer r.Close()

	rc, err := conn.SyscallConn()
	require.NoError(d.t, err)

	rights := unix.UnixRights(int(r.Fd()))
	var werr error
	ctrlErr := rc.Write(func(s uintptr) bool {
		werr = unix.Sendmsg(int(s), []byte("fd"), rights, nil, 0)
		return true
	})
	require.NoError(d.t, ctrlErr)
	require.NoError(d.t, werr)

	conn.Write([]byte("200 OK\n"))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func newTestLayer(t *testing.T, d *fakeDaemon) *Layer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TableSize = 16
	cfg.Threshold = 4
	cfg.DaemonSocketPath = d.path
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestOnConnectThenSendCrossesThresholdAndOptimizes(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	const fd = 3
	now := time.Now()
	require.NoError(t, l.OnConnect(fd, fakeAddr("127.0.0.1:1"), fakeAddr("127.0.0.1:2"), now, now, false))

	type call struct {
		fd  int
		len int
	}
	var calls []call
	n, err := l.Send(fd, []byte("hello world"), false, func(targetFD int, buf []byte) (int, error) {
		calls = append(calls, call{targetFD, len(buf)})
		return len(buf), nil
	})
	require.NoError(t, err)
	require.Len(t, calls, 2, "crossing the threshold should split into a prefix call and a blocking continuation on localfd")
	assert.Equal(t, 4, calls[0].len, "prefix call should only request the remaining threshold bytes")
	assert.Equal(t, 11, n, "a blocking send must return the caller's full requested length, not a short count")

	rec, err := l.tbl.FD(fd)
	require.NoError(t, err)
	endpoint, err := l.tbl.Endpoint(rec.EP)
	require.NoError(t, err)
	require.Equal(t, "OPTIMIZED", endpoint.State.String(), "threshold crossing should drive pairing to completion against the fake daemon")

	var usedFD int
	_, err = l.Send(fd, []byte("x"), false, func(targetFD int, buf []byte) (int, error) {
		usedFD = targetFD
		return len(buf), nil
	})
	require.NoError(t, err)
	assert.Equal(t, endpoint.LocalFD, usedFD, "subsequent sends should route to the optimized local fd")
}

func TestOnCloseUnregistersAtZeroRefCount(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	const fd = 3
	now := time.Now()
	require.NoError(t, l.OnAccept(fd, fakeAddr("127.0.0.1:1"), fakeAddr("127.0.0.1:2"), now, now))

	shouldClose, err := l.OnClose(fd)
	require.NoError(t, err)
	assert.True(t, shouldClose)
	assert.False(t, l.tbl.IsRegistered(fd))
}

func TestOnDupForciblyUnregistersDestination(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	const fdA, fdB = 3, 4
	now := time.Now()
	require.NoError(t, l.OnConnect(fdA, fakeAddr("127.0.0.1:1"), fakeAddr("127.0.0.1:2"), now, now, false))
	require.NoError(t, l.OnConnect(fdB, fakeAddr("127.0.0.1:3"), fakeAddr("127.0.0.1:4"), now, now, false))

	require.NoError(t, l.OnDup(fdA, fdB))

	recA, err := l.tbl.FD(fdA)
	require.NoError(t, err)
	recB, err := l.tbl.FD(fdB)
	require.NoError(t, err)
	assert.Equal(t, recA.EP, recB.EP)
}

func TestOnDupOntoProtectedFDRejected(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	const fd = 3
	now := time.Now()
	require.NoError(t, l.OnConnect(fd, fakeAddr("127.0.0.1:1"), fakeAddr("127.0.0.1:2"), now, now, false))

	buf := make([]byte, 4)
	_, err := l.Send(fd, buf, false, func(targetFD int, b []byte) (int, error) { return len(b), nil })
	require.NoError(t, err)

	rec, err := l.tbl.FD(fd)
	require.NoError(t, err)
	endpoint, err := l.tbl.Endpoint(rec.EP)
	require.NoError(t, err)
	require.Equal(t, "OPTIMIZED", endpoint.State.String())

	err = l.OnDup(fd, endpoint.LocalFD)
	assert.ErrorIs(t, err, EBadFD)
}

func TestDisabledLayerForwardsUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = true
	l, err := New(cfg)
	require.NoError(t, err)

	called := false
	n, err := l.Send(3, []byte("hi"), false, func(targetFD int, b []byte) (int, error) {
		called = true
		assert.Equal(t, 3, targetFD)
		return len(b), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, called)

	require.NoError(t, l.OnConnect(3, nil, nil, time.Now(), time.Now(), false))
	assert.False(t, l.tbl != nil)
}

func TestDaemonConnectionFDIsProtected(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	require.NotZero(t, l.daemonFD)
	assert.True(t, l.tbl.IsProtected(l.daemonFD))

	shouldClose, err := l.OnClose(l.daemonFD)
	require.NoError(t, err)
	assert.False(t, shouldClose, "application close of the daemon connection fd must be silently refused")

	assert.ErrorIs(t, l.OnFcntl(l.daemonFD, unix.F_SETFD, 0), EBadFD)
}

func TestOnForkReregistersLiveEndpoints(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()
	l := newTestLayer(t, d)
	defer l.Close()

	now := time.Now()
	require.NoError(t, l.OnConnect(3, fakeAddr("127.0.0.1:1"), fakeAddr("127.0.0.1:2"), now, now, false))

	l.OnFork() // must not panic; REREGISTER is fire-and-forget against the fake daemon
}
