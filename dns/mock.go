package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing. PTR is keyed by IP string,
// A by host name without trailing dot.
type MockResolver struct {
	PTR map[string][]string
	A   map[string][]string

	// Fail lists lookups that return ErrDNSServFail, as "ptr <ip>" or "a <host>".
	Fail []string
}

var _ Resolver = MockResolver{}

// LookupAddr returns the configured PTR names for ip.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if err := ctx.Err(); err != nil {
		return Result[string]{}, err
	}
	key := ip.String()
	if slices.Contains(r.Fail, "ptr "+key) {
		return Result[string]{}, ErrDNSServFail
	}
	names := r.PTR[key]
	if len(names) == 0 {
		return Result[string]{}, ErrDNSNotFound
	}
	return Result[string]{Records: names}, nil
}

// LookupIP returns the configured addresses for host.
func (r MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	if err := ctx.Err(); err != nil {
		return Result[net.IP]{}, err
	}
	if slices.Contains(r.Fail, "a "+host) {
		return Result[net.IP]{}, ErrDNSServFail
	}
	var ips []net.IP
	for _, s := range r.A[host] {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return Result[net.IP]{}, ErrDNSNotFound
	}
	return Result[net.IP]{Records: ips}, nil
}
