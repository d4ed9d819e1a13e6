package probe

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// DNSClass says why a host did or did not resolve.
type DNSClass string

const (
	DNSResolves    DNSClass = "resolves"
	DNSNoAddress   DNSClass = "no_address"   // zone exists, no A/AAAA
	DNSNXDomain    DNSClass = "nxdomain"     // name does not exist
	DNSUnavailable DNSClass = "unavailable"  // servfail or resolver timeout
	DNSInvalidName DNSClass = "invalid_name" // nothing to look up
)

const defaultDNSTimeout = 3 * time.Second

// hostResolver is the part of *net.Resolver the classifier needs.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// DNSChecker annotates transport failures so an operator can tell a dead
// host from a naming problem.
type DNSChecker struct {
	Resolver hostResolver
	Timeout  time.Duration
}

func NewDNSChecker() *DNSChecker {
	return &DNSChecker{Resolver: &net.Resolver{}, Timeout: defaultDNSTimeout}
}

// Classify returns the class of the host behind a target. Script targets
// are classified by their first URL.
func (d *DNSChecker) Classify(ctx context.Context, target string) DNSClass {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var r hostResolver = net.DefaultResolver
	if d.Resolver != nil {
		r = d.Resolver
	}
	return classifyHost(cctx, r, targetHost(target))
}

func classifyHost(ctx context.Context, r hostResolver, host string) DNSClass {
	if host == "" || strings.Contains(host, "://") {
		return DNSInvalidName
	}
	if net.ParseIP(host) != nil {
		return DNSResolves
	}
	addrs, err := r.LookupHost(ctx, host)
	if err == nil && len(addrs) > 0 {
		return DNSResolves
	}

	var de *net.DNSError
	notFound := err == nil || (errors.As(err, &de) && de.IsNotFound)
	if !notFound {
		return DNSUnavailable
	}
	// the name may still have a zone with no address records
	if ns, nsErr := r.LookupNS(ctx, host); nsErr == nil && len(ns) > 0 {
		return DNSNoAddress
	}
	return DNSNXDomain
}

func targetHost(raw string) string {
	if s, err := ParseScript(raw); err == nil {
		if s.URL != "" {
			raw = s.URL
		} else if len(s.Steps) > 0 {
			raw = s.Steps[0].URL
		}
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return strings.TrimSpace(raw)
	}
	return u.Hostname()
}
