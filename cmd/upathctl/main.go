// Command upathctl is a minimal HTTP/1.1 GET client that dials through
// pkg/shim instead of net.Dial, so a single request exercises the whole
// fast-path stack (path selection, descriptor, worker tick, ring pumps)
// end to end. Adapted from the teacher's cmd/get, which wrapped
// net.Dialer.DialContext with a sockstats reporter; here the connect/
// read/write calls go through shim.Shim and the per-request stats are
// reported the same way reportStats logged sockstats.Conn.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corestack/upath/pkg/config"
	"github.com/corestack/upath/pkg/descriptor"
	"github.com/corestack/upath/pkg/engine/loopback"
	"github.com/corestack/upath/pkg/registry"
	"github.com/corestack/upath/pkg/shim"
	"github.com/corestack/upath/pkg/worker"
)

const sockStream = 1 // syscall.SOCK_STREAM

// requestStats mirrors the fields the teacher's reportStats logged from
// sockstats.Conn, minus the kernel-path-only fields (OpenedInfo/ClosedInfo
// TCP_INFO snapshots, which a fast-path connection never has).
type requestStats struct {
	path       string
	openedAt   time.Time
	closedAt   time.Time
	sentBytes  int
	recvBytes  int
	attempts   int
	connectErr error
	ioErr      error
}

func main() {
	target := "127.0.0.1:8080/"
	if len(os.Args) > 1 {
		target = os.Args[1]
	}
	host, path := splitTarget(target)

	cfg := config.Default()
	cfg.WorkerCount = 1
	if err := config.Init(cfg); err != nil {
		logrus.Fatalf("config: %v", err)
	}

	reg := registry.New()
	eng := loopback.New()
	w := worker.New(0, eng, worker.Config{
		RingCapacity:     cfg.RingCapacity,
		IdleRingCapacity: cfg.IdleRingCapacity,
		MSS:              cfg.MSS,
		RPCQueueCapacity: cfg.RPCQueueCapacity,
		CPUID:            -1,
	})
	reg.Add(w)
	go w.Run()
	defer w.Stop()

	s := shim.New(reg, []*worker.Worker{w})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats := &requestStats{path: path, openedAt: time.Now()}
	resp, err := get(ctx, s, host, path, stats)
	stats.closedAt = time.Now()
	if err != nil {
		logrus.Fatalf("get %s: %v", target, err)
	}

	logrus.Infof("opened=%s closed=%s sentBytes=%d recvBytes=%d attempts=%d latency=%s",
		stats.openedAt.Format(time.RFC3339Nano), stats.closedAt.Format(time.RFC3339Nano),
		stats.sentBytes, stats.recvBytes, stats.attempts, stats.closedAt.Sub(stats.openedAt))
	fmt.Println(resp)
}

func splitTarget(target string) (host, path string) {
	if i := strings.Index(target, "/"); i >= 0 {
		return target[:i], target[i:]
	}
	return target, "/"
}

// get resolves host into a net.TCPAddr, opens a socket through the shim,
// selects the fast or kernel path (whichever Socket/Connect decide), and
// issues a bare HTTP/1.1 GET, retrying connect attempts until ctx expires
// since a freshly pinned worker may need a tick or two before its engine
// accepts new connects.
func get(ctx context.Context, s *shim.Shim, host, path string, stats *requestStats) (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", host)
	if err != nil {
		return "", err
	}

	fd, err := s.Socket(syscall.AF_INET, sockStream, 0)
	if err != nil {
		return "", err
	}
	defer s.Close(fd)

	for {
		stats.attempts++
		if err := s.Connect(fd, addr); err != nil {
			stats.connectErr = err
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("connect: %w (last error: %v)", ctx.Err(), err)
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		break
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	n, err := s.Write(fd, []byte(req))
	stats.sentBytes += n
	if err != nil {
		stats.ioErr = err
		return "", err
	}

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := s.Read(fd, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			stats.recvBytes += n
		}
		if err == descriptor.ErrWouldBlock {
			select {
			case <-ctx.Done():
				return buf.String(), ctx.Err()
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}
		if err != nil {
			stats.ioErr = err
			break
		}
		if n == 0 {
			break
		}
	}
	return buf.String(), nil
}
