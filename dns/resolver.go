package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used.
	Nameservers []string

	// Timeout is the timeout for individual DNS queries. Default is 2 seconds.
	Timeout time.Duration

	// Retries is the number of retries for failed queries. Default is 1.
	Retries int
}

// DNSResolver implements Resolver using github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver creates a resolver, filling unset config fields with defaults.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 1
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}
	return servers
}

// query asks each nameserver in turn, retrying the whole list on
// transient failures.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					lastErr = ErrDNSTimeout
				} else {
					lastErr = fmt.Errorf("dns query failed: %w", err)
				}
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrDNSServFail
	}
	return nil, lastErr
}

// LookupAddr performs a reverse lookup for ip.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	resp, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{}, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	if len(names) == 0 {
		return Result[string]{}, ErrDNSNotFound
	}
	return Result[string]{Records: names}, nil
}

// LookupIP retrieves A and AAAA records for host.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	var ips []net.IP
	var lastErr error

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		resp, err := r.query(ctx, host, qtype)
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *mdns.A:
				ips = append(ips, v.A)
			case *mdns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return Result[net.IP]{}, lastErr
		}
		return Result[net.IP]{}, ErrDNSNotFound
	}
	return Result[net.IP]{Records: ips}, nil
}
