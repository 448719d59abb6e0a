package callbacks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedURL marks a callback target rejected before any network I/O.
var ErrBlockedURL = errors.New("callback target blocked")

// Hostnames that never receive callbacks regardless of what they
// resolve to.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// Suffixes used by internal naming schemes.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// Ranges netip's own predicates do not cover.
var (
	cgnatRange   = netip.MustParsePrefix("100.64.0.0/10")
	currentRange = netip.MustParsePrefix("0.0.0.0/8")
)

// ValidateURL rejects callback targets that would reach loopback,
// private, link-local, or carrier-grade NAT addresses. Hostnames are
// resolved and every returned address is checked, so a public name
// fronting an internal address is caught too.
func ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedURL)
	}
	if blockedHosts[host] {
		return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve callback host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsUnspecified(),
		cgnatRange.Contains(addr), currentRange.Contains(addr):
		return fmt.Errorf("%w: %s is not publicly routable", ErrBlockedURL, addr)
	}
	return nil
}
