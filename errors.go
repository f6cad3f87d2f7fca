package slipstream

import "golang.org/x/sys/unix"

// Errors returned to the pass-through layer are plain syscall errnos
// (golang.org/x/sys/unix.Errno), matching the teacher's reuse of
// bazilfuse.Errno/syscall constants in errors.go rather than inventing a
// parallel error type: callers of this package are themselves implementing
// syscall interception and need an errno to hand back to the application,
// not a Go-idiomatic wrapped error.
const (
	// EBadFD is returned when the application targets a protected
	// descriptor (spec §4.2/§6: "the application must never target these
	// with dup2; the layer rejects such attempts with EBADF").
	EBadFD = unix.EBADF

	// EProto is returned when a registered, connection-mode socket is
	// asked to do something a connected TCP socket has no use for (spec
	// §4.5: "the address argument must be null for registered sockets;
	// non-null is rejected with assertion"). internal/iodispatch.SendTo
	// and RecvFrom return exactly this value (golang.org/x/sys/unix.EPROTO)
	// when a non-nil address is passed for an fd the table has registered;
	// this constant is the one Layer.SendTo/Layer.RecvFrom callers should
	// compare against with errors.Is.
	EProto = unix.EPROTO
)
