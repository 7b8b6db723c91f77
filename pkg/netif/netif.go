// Package netif implements the local-address table (spec.md section 6):
// reading /proc/net/dev on demand to enumerate interface names, then
// cross-referencing each name's addresses via net.InterfaceByName so the
// shim's destination-is-local predicate can decide whether a candidate
// destination address belongs to this host (and therefore should route
// HOST rather than FAST, per the path selector).
package netif

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
)

const procNetDevPath = "/proc/net/dev"

// Names parses r in /proc/net/dev's format: two header lines followed by
// one line per interface, each beginning with whitespace, the interface
// name, then a colon and traffic counters. Only the interface name is
// extracted; the counters are irrelevant here.
func Names(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var names []string
	line := 0
	for scanner.Scan() {
		line++
		if line <= 2 {
			continue // skip the two header lines
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		idx := strings.IndexByte(text, ':')
		if idx < 0 {
			continue
		}
		names = append(names, strings.TrimSpace(text[:idx]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// LocalInterfaceNames reads procNetDevPath and returns the interface
// names found there.
func LocalInterfaceNames() ([]string, error) {
	f, err := os.Open(procNetDevPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Names(f)
}

// IsLocalAddr reports whether ip is assigned to any local interface
// listed in /proc/net/dev, used by the shim to route connects/binds to
// addresses owned by this host down the HOST path rather than FAST.
func IsLocalAddr(ip net.IP) (bool, error) {
	names, err := LocalInterfaceNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(ip) {
				return true, nil
			}
		}
	}
	return false, nil
}
