package shim

import "syscall"

// Error sentinels the shim returns, kept syscall.Errno-compatible (so
// callers can still `errors.Is(err, syscall.EAGAIN)` etc) the way the
// teacher's tcpinfo package re-exports raw syscall errno values as named
// package errors instead of wrapping them in a private type.
var (
	EBADF    = syscall.EBADF
	EINVAL   = syscall.EINVAL
	EAGAIN   = syscall.EAGAIN
	ENOTCONN = syscall.ENOTCONN
	ENOTSOCK = syscall.ENOTSOCK
	ENOSYS   = syscall.ENOSYS
)
