// Package accounting implements the per-endpoint traffic accounting
// described in the core spec §4.3: per-direction byte counters and a
// running CRC-32 over the first THRESHOLD bytes of each direction, used by
// internal/engine to decide when and how to attempt pairing.
package accounting

import (
	"hash/crc32"
)

// Direction identifies which side of a connection a transfer belongs to.
type Direction int

const (
	Sent Direction = iota
	Recv
)

// DefaultThreshold is THRESHOLD from spec §6: 1 MiB.
const DefaultThreshold = 1 << 20

// Counter tracks bytes transferred and a running CRC-32 (IEEE polynomial,
// matching the original's boost::crc_32_type default) over the first
// Threshold bytes of one direction of one endpoint.
type Counter struct {
	Threshold uint64

	bytes uint64
	crc   uint32
	done  bool // crc has covered Threshold bytes; further bytes don't touch it
	seeded bool
}

// NewCounter creates a counter for one direction, seeded with both peer
// addresses per spec §4.3 ("seeded with both peer addresses... so that
// endpoints that happen to produce identical byte prefixes but connect to
// different peers do not collide"). hash/crc32.Hash32 has no public reseed
// API, so the seed bytes are folded in as if they were the first bytes of
// the stream, ahead of any real payload.
func NewCounter(threshold uint64, localAddr, remoteAddr string) *Counter {
	c := &Counter{Threshold: threshold}
	if threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	c.crc = crc32.Update(0, crc32.IEEETable, []byte(localAddr))
	c.crc = crc32.Update(c.crc, crc32.IEEETable, []byte{0})
	c.crc = crc32.Update(c.crc, crc32.IEEETable, []byte(remoteAddr))
	c.seeded = true
	return c
}

// Bytes returns the total bytes recorded so far (monotonic, spec invariant 3).
func (c *Counter) Bytes() uint64 { return c.bytes }

// CRC returns the running CRC-32 of the first Threshold bytes seen.
func (c *Counter) CRC() uint32 { return c.crc }

// AtThreshold reports whether this direction's counter has reached exactly
// Threshold bytes -- the one instant the optimization engine should act on
// (spec §4.4: "exactly when the counter reaches THRESHOLD... not before,
// not repeatedly after").
func (c *Counter) AtThreshold() bool {
	return c.bytes == c.Threshold
}

// Remaining returns how many bytes remain before this direction reaches
// Threshold, or 0 if it has already reached or passed it.
func (c *Counter) Remaining() uint64 {
	if c.bytes >= c.Threshold {
		return 0
	}
	return c.Threshold - c.bytes
}

// Record attributes n transferred bytes (of buf's first n bytes) to this
// direction. Per spec §4.3: "peek operations... do not update stats" --
// callers must simply not call Record for a peek. CRC input saturates at
// Threshold; the byte counter itself keeps counting past it.
func (c *Counter) Record(buf []byte, n int) {
	if n <= 0 {
		return
	}
	if uint64(n) > uint64(len(buf)) {
		n = len(buf)
	}

	if !c.done {
		remaining := c.Threshold - c.bytes
		take := uint64(n)
		if take > remaining {
			take = remaining
		}
		if take > 0 {
			c.crc = crc32.Update(c.crc, crc32.IEEETable, buf[:take])
		}
		if c.bytes+take >= c.Threshold {
			c.done = true
		}
	}

	c.bytes += uint64(n)
}

// IOVec is a scatter-gather segment, mirroring the platform iovec used by
// readv/writev/recvmsg/sendmsg.
type IOVec struct {
	Base []byte
}

// RecordIOVecs attributes n transferred bytes across iovs in order, per
// spec §4.3: "Scatter-gather updates iterate the iovec, attributing bytes
// to base pointers in order until the transferred count is exhausted."
func (c *Counter) RecordIOVecs(iovs []IOVec, n int) {
	remaining := n
	for _, iov := range iovs {
		if remaining <= 0 {
			break
		}
		take := len(iov.Base)
		if take > remaining {
			take = remaining
		}
		c.Record(iov.Base[:take], take)
		remaining -= take
	}
}

// SumIOVecLen folds the iovec lengths left-to-right, returning
// overflowed=true (and sum 0) if the running sum would overflow a signed
// 64-bit ssize_t -- spec §4.5's
// "Overflow safety" rule: "detect iov_len sum overflow of SSIZE_MAX by
// folding left and comparing; on overflow, forward to the real syscall
// unchanged."
func SumIOVecLen(iovs []IOVec) (sum uint64, overflowed bool) {
	const maxSSizeT = uint64(1)<<63 - 1
	for _, iov := range iovs {
		l := uint64(len(iov.Base))
		if sum > maxSSizeT-l {
			return 0, true
		}
		sum += l
	}
	return sum, false
}

// Endpoint bundles the Sent/Recv counters for one connection endpoint.
type Endpoint struct {
	Sent *Counter
	Recv *Counter
}

// NewEndpoint creates the Sent/Recv counter pair for a freshly registered
// endpoint, both seeded with the same pair of addresses (order does not
// matter for collision-avoidance purposes, but is kept consistent: local
// then remote).
func NewEndpoint(threshold uint64, localAddr, remoteAddr string) *Endpoint {
	return &Endpoint{
		Sent: NewCounter(threshold, localAddr, remoteAddr),
		Recv: NewCounter(threshold, localAddr, remoteAddr),
	}
}

// Counter returns the counter for the given direction.
func (e *Endpoint) Counter(dir Direction) *Counter {
	if dir == Sent {
		return e.Sent
	}
	return e.Recv
}

// SwapEqual implements the daemon's pairing rule (spec §4.4): two
// endpoints' CRCs are swap-equal when each side hashed the prefix the
// other side produced, i.e. local.sent == remote.recv and
// local.recv == remote.sent.
func SwapEqual(localSent, localRecv, remoteSent, remoteRecv uint32) bool {
	return localSent == remoteRecv && localRecv == remoteSent
}
