package utils

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// GetIPFromAddr extracts the IP from a connection address.
func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
	}
	return ip, nil
}

// IDGenerator hands out ULIDs that sort in creation order, even for IDs
// minted within the same millisecond. It is safe for concurrent use.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewIDGenerator returns a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	return newIDGenerator(rand.Reader, time.Now)
}

func newIDGenerator(r io.Reader, now func() time.Time) *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(r, 0),
		now:     now,
	}
}

// Next returns a new identifier.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultIDs = NewIDGenerator()

// GenerateID creates a unique, time-ordered identifier.
func GenerateID() string {
	return defaultIDs.Next()
}
