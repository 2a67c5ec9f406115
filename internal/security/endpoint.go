package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress reports a webhook target inside infrastructure address
// space.
var ErrBlockedAddress = errors.New("address not allowed for webhook delivery")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Shared address space (RFC 6598) is not covered by netip's IsPrivate.
var carrierNAT = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL checks that a webhook target is an https URL whose
// host neither is nor resolves to a blocked address.
func ValidateEndpointURL(rawURL string) error {
	return validateEndpoint(context.Background(), net.DefaultResolver, rawURL)
}

func validateEndpoint(ctx context.Context, res *net.Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	switch {
	case err != nil:
		return fmt.Errorf("invalid URL format")
	case u.Scheme != "https":
		return fmt.Errorf("URL scheme must be https")
	case u.Hostname() == "":
		return fmt.Errorf("URL must have a host")
	}
	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("host %q: %w", host, ErrBlockedAddress)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	addrs, err := res.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host %s", host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback(), a.IsPrivate(), a.IsUnspecified(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), carrierNAT.Contains(a):
		return fmt.Errorf("%s: %w", a, ErrBlockedAddress)
	}
	return nil
}

// GuardedClient returns an HTTP client that re-checks every address it
// dials, so a hostname that passed validation cannot later be pointed at
// an internal address.
func GuardedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return err
			}
			return checkAddr(ap.Addr())
		},
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = nil
	return &http.Client{Timeout: timeout, Transport: tr}
}
