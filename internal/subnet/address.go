package subnet

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// ipPortRe matches an IPv4 ip:port anywhere in a module address.
var ipPortRe = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+`)

// ExtractAddress returns the first ip:port found in s.
func ExtractAddress(s string) (string, bool) {
	m := ipPortRe.FindString(s)
	return m, m != ""
}

// SplitIPPort splits an ip:port address into its host and numeric port.
func SplitIPPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("split address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}

// SubnetLister lists the subnets known to the registry.
type SubnetLister interface {
	SubnetNames(ctx context.Context) (map[int]string, error)
}

// GetSubnetNetUID resolves a subnet name to its netuid.
func GetSubnetNetUID(ctx context.Context, l SubnetLister, name string) (int, error) {
	names, err := l.SubnetNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subnets: %w", err)
	}
	best := -1
	for netuid, n := range names {
		if n == name && (best < 0 || netuid < best) {
			best = netuid
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no subnet named %q", ErrSubnetNotFound, name)
	}
	return best, nil
}
