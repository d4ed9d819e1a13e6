package probe

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	hosts   map[string][]string
	zones   map[string]bool
	hostErr error
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.hostErr != nil {
		return nil, f.hostErr
	}
	if a, ok := f.hosts[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (f fakeResolver) LookupNS(ctx context.Context, name string) ([]*net.NS, error) {
	if f.zones[name] {
		return []*net.NS{{Host: "ns1." + name + "."}}, nil
	}
	return nil, errors.New("no ns")
}

func TestDNSChecker_Classify(t *testing.T) {
	d := &DNSChecker{Resolver: fakeResolver{
		hosts: map[string][]string{"up.example": {"192.0.2.1"}},
		zones: map[string]bool{"bare.example": true},
	}}
	ctx := context.Background()

	cases := map[string]DNSClass{
		"https://up.example/health":           DNSResolves,
		"https://bare.example/":               DNSNoAddress,
		"https://gone.example/":               DNSNXDomain,
		"http://192.0.2.7:8080/":              DNSResolves,
		"steps:\n  - url: https://up.example": DNSResolves,
		"":                                    DNSInvalidName,
	}
	for target, want := range cases {
		if got := d.Classify(ctx, target); got != want {
			t.Errorf("Classify(%q) = %s, want %s", target, got, want)
		}
	}
}

func TestDNSChecker_ResolverFailure(t *testing.T) {
	d := &DNSChecker{Resolver: fakeResolver{
		hostErr: &net.DNSError{Err: "server misbehaving", Name: "x.example", IsTemporary: true},
	}}
	if got := d.Classify(context.Background(), "https://x.example"); got != DNSUnavailable {
		t.Fatalf("got %s want %s", got, DNSUnavailable)
	}
}
