// Package dns provides the reverse lookups used to decorate Received trace
// headers. Lookup failures never affect whether mail is accepted.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrDNSNotFound = errors.New("dns: no such record")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSTimeout  = errors.New("dns: timeout")
)

// Result holds the records of one lookup.
type Result[T any] struct {
	Records []T
}

// Resolver is the lookup surface the SMTP server needs.
type Resolver interface {
	// LookupAddr returns the PTR names for ip, without trailing dots.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
	// LookupIP returns the A and AAAA records for host.
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrDNSNotFound) }

func IsTimeout(err error) bool { return errors.Is(err, ErrDNSTimeout) }

// IsTemporary reports whether retrying the query later might succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSTimeout)
}

// VerifiedName returns the first PTR name for ip whose forward lookup
// contains ip again (forward-confirmed reverse DNS). It returns "" when no
// name confirms.
func VerifiedName(ctx context.Context, r Resolver, ip net.IP) string {
	names, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return ""
	}
	for _, name := range names.Records {
		addrs, err := r.LookupIP(ctx, name)
		if err != nil {
			continue
		}
		for _, a := range addrs.Records {
			if a.Equal(ip) {
				return name
			}
		}
	}
	return ""
}

func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
