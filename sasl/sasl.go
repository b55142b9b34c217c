// Package sasl implements the server side of SASL mechanisms for SMTP AUTH (RFC 4954).
package sasl

import (
	"encoding/base64"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrAuthenticationCancelled is returned when the client sends "*" to cancel authentication.
	ErrAuthenticationCancelled = errors.New("authentication cancelled")

	// ErrInvalidFormat is returned when the decoded authentication data is malformed.
	ErrInvalidFormat = errors.New("invalid authentication format")

	// ErrInvalidBase64 is returned when base64 decoding fails.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")
)

// Credentials represents authentication credentials from a SASL exchange.
type Credentials struct {
	AuthorizationID  string // Identity to act as (authzid)
	AuthenticationID string // Identity being authenticated (authcid)
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is one server-side SASL exchange. Challenges and responses are
// the base64 text exchanged on the wire. When done is true and err is nil
// Credentials returns the decoded credentials.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// Factory creates a fresh Mechanism for one exchange.
type Factory func() Mechanism

// Registry maps uppercase mechanism names to factories. It is filled at
// startup and only read afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding PLAIN and LOGIN.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("PLAIN", func() Mechanism { return NewPlain() })
	r.Register("LOGIN", func() Mechanism { return NewLogin() })
	return r
}

// Register adds or replaces a mechanism.
func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToUpper(name)] = f
}

// New starts a mechanism by name, case-insensitively.
func (r *Registry) New(name string) (Mechanism, bool) {
	f, ok := r.factories[strings.ToUpper(name)]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	c := &Registry{factories: make(map[string]Factory, len(r.factories))}
	for n, f := range r.factories {
		c.factories[n] = f
	}
	return c
}

// Restrict drops every mechanism not named in names. A nil names keeps all.
func (r *Registry) Restrict(names []string) {
	if names == nil {
		return
	}
	keep := make(map[string]Factory, len(names))
	for _, n := range names {
		n = strings.ToUpper(n)
		if f, ok := r.factories[n]; ok {
			keep[n] = f
		}
	}
	r.factories = keep
}

// Names lists the registered mechanisms in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// decode handles the cancel marker and base64 for one client response.
func decode(response string) ([]byte, error) {
	if response == "*" {
		return nil, ErrAuthenticationCancelled
	}
	b, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}
