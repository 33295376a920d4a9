package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

var (
	ErrPrivateAddress = errors.New("webhook target resolves to a private address")
	ErrInvalidURL     = errors.New("invalid webhook url")
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard refuses targets that resolve to private, loopback or link-local
// addresses. The same rule runs again at dial time so a DNS answer that
// changes between check and connect is still caught.
type Guard struct {
	enabled  bool
	resolver Resolver
}

func NewGuard(enabled bool, resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{enabled: enabled, resolver: resolver}
}

func (g *Guard) Enabled() bool { return g.enabled }

var sharedAddressSpace = mustCIDR("100.64.0.0/10")

func mustCIDR(raw string) *net.IPNet {
	_, block, err := net.ParseCIDR(raw)
	if err != nil {
		panic(err)
	}
	return block
}

// IsPrivate reports addresses a webhook must never reach.
func IsPrivate(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified() ||
		sharedAddressSpace.Contains(ip)
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return u, nil
}

// Check resolves the target host and fails with ErrPrivateAddress when any
// answer is private.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return err
	}
	if !g.enabled {
		return nil
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if IsPrivate(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

// Control is a net.Dialer control hook enforcing the guard on the address
// actually dialed.
func (g *Guard) Control(_, address string, _ syscall.RawConn) error {
	if !g.enabled {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: not an ip address", host)
	}
	return checkIP(ip)
}
