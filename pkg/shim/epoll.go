package shim

// epollInstance is the minimal surface EpollCreate/EpollCtl/EpollWait
// need from the underlying platform poller. It exists so Shim's struct
// fields don't need a platform build tag of their own — only the
// epoll_linux.go/epoll_other.go method bodies do.
type epollInstance interface {
	Close() error
}

// epoll_ctl(2) op values (EPOLL_CTL_ADD/MOD/DEL), kept numerically
// matching so callers passing the raw Linux constants still work.
const (
	EpollCtlAdd = 1
	EpollCtlDel = 2
	EpollCtlMod = 3
)
