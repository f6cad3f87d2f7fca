// Package daemonclient implements the client side of the daemon wire
// protocol described in core spec §4.2 and §6: one long-lived UNIX-domain
// stream connection to the pairing daemon, guarded by a single mutex so
// command/response pairs execute atomically, with reconnect-on-fork and a
// bounded attempt to spawn the daemon binary.
//
// The connection-spawn logic below is adapted from the teacher's macOS
// mount helper invocation (mount_darwin.go's callMount/openOSXFUSEDev
// retry-then-spawn dance): open/dial first, and only if that fails for a
// "not running yet" reason, spawn the binary and retry.
package daemonclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/dtzWill/ipcopter/internal/slog"
	"github.com/dtzWill/ipcopter/internal/wire"
)

// DefaultSocketPath matches the original's SOCK_PATH constant in ipcd.cpp.
const DefaultSocketPath = "/tmp/ipcd.sock"

// DefaultBinaryPath matches the original's IPCD_BIN_PATH constant.
const DefaultBinaryPath = "/bin/ipcd"

// EPInvalid mirrors table.EPInvalid without importing the table package,
// to keep daemonclient leaf-level and avoid an import cycle with code that
// may want to use daemonclient to build the table package's engine glue.
const EPInvalid uint32 = ^uint32(0)

// Config carries the daemon-connection tunables (spec §6).
type Config struct {
	SocketPath string
	BinaryPath string

	// SpawnTimeout bounds how long we wait for a spawned daemon to start
	// listening before giving up.
	SpawnTimeout time.Duration

	// DialRetries/DialRetryDelay bound the capped retry-with-backoff dial
	// loop performed once a spawn has been attempted.
	DialRetries   int
	DialRetryDelay time.Duration
}

// DefaultConfig returns the spec's default daemon-connection tunables.
func DefaultConfig() Config {
	return Config{
		SocketPath:     DefaultSocketPath,
		BinaryPath:     DefaultBinaryPath,
		SpawnTimeout:   2 * time.Second,
		DialRetries:    5,
		DialRetryDelay: 100 * time.Millisecond,
	}
}

// Client is the single, process-wide connection to the pairing daemon.
// Every exported method acquires mu for the duration of its request and
// response, matching spec §4.2's "single connection per process, protected
// by a mutual-exclusion primitive so that command/response pairs are
// atomic."
type Client struct {
	cfg Config

	mu   sync.Mutex // GUARDED: conn, reader, pid
	conn *net.UnixConn
	r    *bufio.Reader
	pid  int
}

// New dials (spawning the daemon if necessary) and returns a ready client.
func New(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect_if_needed in the original detects a pid change after fork and
// transparently redials. We replicate that at the top of every exported
// call via c.ensureConnected rather than a free function, since Go has no
// global mutable ipcd_socket to special-case.
func (c *Client) ensureConnected() error {
	if c.conn != nil && c.pid == os.Getpid() {
		return nil
	}
	if c.conn != nil {
		slog.Logf("daemonclient: pid changed (%d -> %d), reconnecting", c.pid, os.Getpid())
		c.conn.Close()
		c.conn = nil
	}
	return c.connect()
}

func (c *Client) connect() error {
	addr := &net.UnixAddr{Name: c.cfg.SocketPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		if !isDaemonAbsent(err) {
			return fmt.Errorf("ipcopter: connect to daemon: %w", err)
		}

		if spawnErr := c.spawnDaemon(); spawnErr != nil {
			return fmt.Errorf("ipcopter: daemon unreachable and spawn failed: %w", spawnErr)
		}

		conn, err = c.dialWithRetry(addr)
		if err != nil {
			return fmt.Errorf("ipcopter: daemon unreachable after spawn: %w", err)
		}
	}

	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.pid = os.Getpid()
	slog.Logf("daemonclient: connected to %s", c.cfg.SocketPath)
	return nil
}

func isDaemonAbsent(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, os.ErrNotExist)
}

// dialWithRetry retries a capped number of times, starting at
// DialRetryDelay and doubling the delay after each failed attempt,
// mirroring the bounded spawn-then-retry cap from spec §4.2/§7 ("Attempt
// to spawn daemon, retry with cap; fatal if all attempts fail").
func (c *Client) dialWithRetry(addr *net.UnixAddr) (*net.UnixConn, error) {
	var lastErr error
	delay := c.cfg.DialRetryDelay
	for attempt := 0; attempt < c.cfg.DialRetries; attempt++ {
		conn, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}

// spawnDaemon attempts to start the daemon binary and wait for its socket
// to appear, the Go analogue of ipcd.cpp's connect_to_ipcd() fork/execl
// fallback. It uses fsnotify on the socket's parent directory rather than
// a blind sleep(1), so the wait resolves as soon as the listening socket
// is actually created instead of on a fixed guess.
func (c *Client) spawnDaemon() error {
	slog.Logf("daemonclient: daemon not reachable, spawning %s", c.cfg.BinaryPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer watcher.Close()

	dir := socketDir(c.cfg.SocketPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	cmd := exec.Command(c.cfg.BinaryPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.cfg.BinaryPath, err)
	}

	deadline := time.After(c.cfg.SpawnTimeout)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("ipcopter: watcher closed while waiting for %s", c.cfg.SocketPath)
			}
			if ev.Name == c.cfg.SocketPath && (ev.Op&(fsnotify.Create) != 0) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("ipcopter: watch error waiting for daemon: %w", err)
		case <-deadline:
			return fmt.Errorf("ipcopter: timed out waiting for %s to appear", c.cfg.SocketPath)
		}
	}
}

func socketDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// roundTrip sends a command line and reads exactly one response line,
// under c.mu, matching ipcd.cpp's write-then-read discipline per command.
func (c *Client) roundTrip(cmd string) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return wire.Response{}, err
	}

	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return wire.Response{}, fmt.Errorf("ipcopter: write to daemon: %w", err)
	}

	line, err := wire.ReadLine(c.r)
	if err != nil {
		return wire.Response{}, fmt.Errorf("ipcopter: read from daemon: %w", err)
	}

	return wire.ParseResponse(line)
}

// Register implements "REGISTER <pid> <fd>" -> "200 ID <ep>".
func (c *Client) Register(fd int) (uint32, error) {
	resp, err := c.roundTrip(wire.Command("REGISTER", os.Getpid(), fd))
	if err != nil {
		return 0, err
	}
	return wire.ParseIDResponse(resp)
}

// Reregister implements "REREGISTER <ep> <pid> <fd>", used after fork.
func (c *Client) Reregister(ep uint32, fd int) error {
	resp, err := c.roundTrip(wire.Command("REREGISTER", ep, os.Getpid(), fd))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("ipcopter: REREGISTER(%d) rejected: %s %s", ep, resp.Status, resp.Rest)
	}
	return nil
}

// Unregister implements "UNREGISTER <ep>".
func (c *Client) Unregister(ep uint32) (bool, error) {
	resp, err := c.roundTrip(wire.Command("UNREGISTER", ep))
	if err != nil {
		return false, err
	}
	return resp.OK(), nil
}

// Localize implements "LOCALIZE <local-ep> <remote-ep>".
func (c *Client) Localize(local, remote uint32) (bool, error) {
	resp, err := c.roundTrip(wire.Command("LOCALIZE", local, remote))
	if err != nil {
		return false, err
	}
	return resp.OK(), nil
}

// EndpointKludge implements "ENDPOINT_KLUDGE <ep>" -> "200 PAIR <remote-ep>"
// or a non-200 when unmatched.
func (c *Client) EndpointKludge(ep uint32) (remote uint32, matched bool, err error) {
	resp, err := c.roundTrip(wire.Command("ENDPOINT_KLUDGE", ep))
	if err != nil {
		return 0, false, err
	}
	return wire.ParsePairResponse(resp)
}

// ThreshCRCKludge implements
// "THRESH_CRC_KLUDGE <ep> <crc_sent> <crc_recv> <last?>".
func (c *Client) ThreshCRCKludge(ep uint32, crcSent, crcRecv uint32, last bool) (remote uint32, matched bool, err error) {
	lastFlag := 0
	if last {
		lastFlag = 1
	}
	resp, err := c.roundTrip(wire.Command("THRESH_CRC_KLUDGE", ep, crcSent, crcRecv, lastFlag))
	if err != nil {
		return 0, false, err
	}
	return wire.ParsePairResponse(resp)
}

// EndpointInfoArgs carries the metadata submitted via ENDPOINT_INFO.
type EndpointInfoArgs struct {
	IsAccept                bool
	ConnectStart, ConnectEnd time.Time
	LocalAddr, RemoteAddr    string
}

// EndpointInfo implements "ENDPOINT_INFO <ep> <timing, addresses, role>".
func (c *Client) EndpointInfo(ep uint32, args EndpointInfoArgs) (bool, error) {
	accept := 0
	if args.IsAccept {
		accept = 1
	}
	cmd := wire.Command(
		"ENDPOINT_INFO", ep, accept,
		args.ConnectStart.UnixNano(), args.ConnectEnd.UnixNano(),
		args.LocalAddr, args.RemoteAddr,
	)
	resp, err := c.roundTrip(cmd)
	if err != nil {
		return false, err
	}
	return resp.OK(), nil
}

// GetLocalFD implements GETLOCALFD: a "GETLOCALFD <ep>" request whose
// response carries one open kernel descriptor via ancillary data
// (SCM_RIGHTS) ahead of the trailing "200 OK" line, per spec §4.2/§6.
func (c *Client) GetLocalFD(ep uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return 0, err
	}

	cmdLine := wire.Command("GETLOCALFD", ep)
	if _, err := c.conn.Write([]byte(cmdLine)); err != nil {
		return 0, fmt.Errorf("ipcopter: write GETLOCALFD: %w", err)
	}

	fd, err := recvFD(c.conn)
	if err != nil {
		return 0, fmt.Errorf("ipcopter: recvmsg GETLOCALFD: %w", err)
	}

	line, err := wire.ReadLine(c.r)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("ipcopter: read GETLOCALFD trailer: %w", err)
	}
	resp, err := wire.ParseResponse(line)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if !resp.OK() {
		unix.Close(fd)
		return 0, fmt.Errorf("ipcopter: GETLOCALFD(%d) rejected: %s %s", ep, resp.Status, resp.Rest)
	}

	slog.Logf("daemonclient: received local fd %d for endpoint %d", fd, ep)
	return fd, nil
}

// recvFD reads one ancillary-data-carried descriptor off conn using
// unix.Recvmsg/unix.ParseSocketControlMessage/unix.ParseUnixRights, the Go
// equivalent of the original's raw recvmsg+CMSG_DATA dance in
// ipcd_getlocalfd.
func recvFD(conn *net.UnixConn) (int, error) {
	var fd int
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 64)

	var innerErr error
	ctrlErr := rc.Read(func(s uintptr) bool {
		_, _, _, _, err := unix.Recvmsg(int(s), buf, oob, 0)
		if err != nil {
			innerErr = err
			return true
		}

		msgs, err := unix.ParseSocketControlMessage(oob)
		if err != nil {
			innerErr = err
			return true
		}
		if len(msgs) == 0 {
			innerErr = fmt.Errorf("no control message in GETLOCALFD response")
			return true
		}

		fds, err := unix.ParseUnixRights(&msgs[0])
		if err != nil {
			innerErr = err
			return true
		}
		if len(fds) != 1 {
			innerErr = fmt.Errorf("expected exactly 1 fd, got %d", len(fds))
			return true
		}
		fd = fds[0]
		return true
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if innerErr != nil {
		return 0, innerErr
	}

	return fd, nil
}

// Close tears down the connection to the daemon. Safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// RenumberReserved moves fd onto a reserved descriptor number (spec §6:
// "historically 997, 998, 999"); internal/shmstate uses it to place the
// exec-time state segment. It dup2's fd onto target, closes fd, and clears
// target's close-on-exec bit so it survives exec. As with dup2, whatever
// target already referred to is silently replaced; an error is returned
// only if dup2 or fcntl itself fails.
func RenumberReserved(fd, target int) error {
	if fd == target {
		return clearCloseOnExec(target)
	}
	if err := unix.Dup2(fd, target); err != nil {
		return fmt.Errorf("ipcopter: dup2(%d -> %d): %w", fd, target, err)
	}
	unix.Close(fd)
	return clearCloseOnExec(target)
}

func clearCloseOnExec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	flags &^= unix.FD_CLOEXEC
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags)
	return err
}

// RawFD exposes the underlying connection fd, used by the slipstream root
// package to mark the daemon connection itself protected against
// application close/dup2/fcntl (spec §4.2/§6).
func (c *Client) RawFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, fmt.Errorf("ipcopter: daemon client not connected")
	}
	rc, err := c.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	err = rc.Control(func(s uintptr) { fd = int(s) })
	return fd, err
}

// Reconnect forces the pid-change redial that roundTrip otherwise only
// performs lazily on the next command. Callers that need the (possibly
// rebuilt) connection's raw fd right away -- e.g. to re-protect it in the
// descriptor table immediately after fork, rather than waiting for the
// first post-fork round trip -- should call this first.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected()
}
