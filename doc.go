// Package slipstream implements a transparent interception layer that
// accelerates co-located inter-process communication: unmodified
// applications open ordinary stream sockets, and once a pair of endpoints
// is confirmed to belong to processes on the same host and to be carrying
// matching byte streams, the underlying transport is swapped from kernel
// TCP to a local UNIX-domain descriptor for all subsequent traffic.
//
// The primary elements of interest are:
//
//  *  Layer, the process-wide orchestrator: construct one with New or
//     FromEnv and drive its lifecycle hooks (OnAccept, OnConnect, OnDup,
//     OnClose, OnFcntl, OnFork, OnExec) from whatever mechanism delivers
//     intercepted syscalls to this process (LD_PRELOAD shim, linker
//     wrapping, syscall hooking -- all external to this module).
//
//  *  Layer.Send/Recv/SendTo/RecvFrom/Writev/Readv/SendMsg/RecvMsg, the
//     per-call data-path dispatch that decides whether to forward, split at
//     threshold, or route to the optimized local descriptor.
//
//  *  Layer.Poll/Select/EpollCtl/EpollWait, the readiness-notification
//     rewrite that keeps an application's view of its own fd intact while
//     the kernel actually watches localfd once optimized.
//
// This package exposes the client-side protocol and save/restore hooks the
// interception mechanism and the matchmaking daemon need; it does not
// itself hook any syscall, preserve TCP wire semantics, or provide a
// general socket library.
package slipstream
