package daemonclient

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

// fakeDaemon is a minimal stand-in for ipcd good enough to exercise the
// client's request/response framing and its GETLOCALFD ancillary-data
// path, mirroring the teacher's habit of standing up a real listener in
// tests (samples/subprocess.go) rather than mocking the transport.
type fakeDaemon struct {
	t    *testing.T
	ln   *net.UnixListener
	path string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ipcd.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	d := &fakeDaemon{t: t, ln: ln, path: path}
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
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "REGISTER":
			conn.Write([]byte("200 ID 7\n"))
		case "REREGISTER":
			conn.Write([]byte("200 OK\n"))
		case "UNREGISTER":
			conn.Write([]byte("200 OK\n"))
		case "LOCALIZE":
			conn.Write([]byte("200 OK\n"))
		case "ENDPOINT_INFO":
			conn.Write([]byte("200 OK\n"))
		case "ENDPOINT_KLUDGE", "THRESH_CRC_KLUDGE":
			conn.Write([]byte("200 PAIR 9\n"))
		case "GETLOCALFD":
			d.sendLocalFD(conn)
		default:
			conn.Write([]byte("500 UNKNOWN\n"))
		}
	}
}

// sendLocalFD sends a pipe read-end fd via SCM_RIGHTS followed by the
// trailing "200 OK" line, mirroring ipcd_getlocalfd's wire shape.
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

func TestRegisterLocalizeUnregisterRoundTrip(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()

	cfg := DefaultConfig()
	cfg.SocketPath = d.path

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	ep, err := c.Register(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), ep)

	ok, err := c.Localize(ep, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Unregister(ep)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEndpointKludgeReturnsPair(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()

	cfg := DefaultConfig()
	cfg.SocketPath = d.path
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	remote, matched, err := c.EndpointKludge(3)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, uint32(9), remote)
}

func TestGetLocalFDReceivesAncillaryDescriptor(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.Close()

	cfg := DefaultConfig()
	cfg.SocketPath = d.path
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	fd, err := c.GetLocalFD(3)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.Greater(t, fd, 0)
}

func TestDaemonAbsentSurfacesError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "does-not-exist.sock")
	cfg.BinaryPath = "/nonexistent/ipcd-binary"
	cfg.SpawnTimeout = 50 * time.Millisecond
	cfg.DialRetries = 1
	cfg.DialRetryDelay = 10 * time.Millisecond

	_, err := New(cfg)
	require.Error(t, err)
}

func TestRenumberReservedClearsCloseOnExec(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	const target = 250
	err = RenumberReserved(int(r.Fd()), target)
	if err != nil {
		t.Skipf("dup2 onto fd %d unavailable in this sandbox: %v", target, err)
	}
	defer unix.Close(target)

	flags, err := unix.FcntlInt(uintptr(target), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, flags&unix.FD_CLOEXEC)
}

