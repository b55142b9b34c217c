package kestrel

import (
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
)

// ServerBuilder provides a fluent API for configuring an SMTP server.
type ServerBuilder struct {
	config     ServerConfig
	mechanisms map[string]sasl.Factory
	middleware []Middleware
}

// New creates a new ServerBuilder with DefaultServerConfig values.
func New(hostname string) *ServerBuilder {
	config := DefaultServerConfig()
	config.Hostname = hostname
	return &ServerBuilder{config: config}
}

// Addr sets the address to listen on (e.g., ":25", "0.0.0.0:587").
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// SoftwareName sets the name announced in the greeting.
func (b *ServerBuilder) SoftwareName(name string) *ServerBuilder {
	b.config.SoftwareName = name
	return b
}

// TLS configures TLS for the server.
// This enables the STARTTLS extension.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// HideTLS keeps STARTTLS out of the EHLO reply.
func (b *ServerBuilder) HideTLS() *ServerBuilder {
	b.config.HideTLS = true
	return b
}

// Auth enables AUTH with the given validator. With no mechanisms every
// registered mechanism is offered.
func (b *ServerBuilder) Auth(validator UsernamePasswordValidator, mechanisms ...string) *ServerBuilder {
	b.config.Validator = validator
	if len(mechanisms) > 0 {
		b.config.AuthMechanisms = mechanisms
	}
	return b
}

// AuthMechanism registers a custom SASL mechanism under name.
func (b *ServerBuilder) AuthMechanism(name string, factory sasl.Factory) *ServerBuilder {
	if b.mechanisms == nil {
		b.mechanisms = make(map[string]sasl.Factory)
	}
	b.mechanisms[strings.ToUpper(name)] = factory
	return b
}

// RequireAuth refuses MAIL until the client has authenticated.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.config.RequireAuth = true
	return b
}

// MaxMessageSize sets the maximum message size in bytes. Zero means no limit.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

// MaxRecipients sets the maximum number of recipients per message.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

// MaxConnections sets the number of concurrent sessions served. A negative
// value removes the limit.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

// ConnectionReserve sets how many connections above MaxConnections are
// accepted only to be told 421.
func (b *ServerBuilder) ConnectionReserve(n int) *ServerBuilder {
	b.config.ConnectionReserve = n
	return b
}

// Admission selects what happens to connections over the limit.
func (b *ServerBuilder) Admission(policy AdmissionPolicy) *ServerBuilder {
	b.config.Admission = policy
	return b
}

// ConnectionTimeout sets the idle timeout between reads.
func (b *ServerBuilder) ConnectionTimeout(d time.Duration) *ServerBuilder {
	b.config.ConnectionTimeout = d
	return b
}

// WriteTimeout sets the deadline for each reply.
func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.config.WriteTimeout = d
	return b
}

// MaxLineLength sets the maximum command line length including CRLF.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.config.MaxLineLength = n
	return b
}

// ReverseLookup adds the client's verified PTR name to Received headers.
func (b *ServerBuilder) ReverseLookup(resolver dns.Resolver) *ServerBuilder {
	b.config.ReverseLookup = true
	b.config.Resolver = resolver
	return b
}

// AddressValidator replaces the default mailbox syntax check.
func (b *ServerBuilder) AddressValidator(v AddressValidator) *ServerBuilder {
	b.config.AddressValidator = v
	return b
}

// Handler sets the factory that creates a MessageHandler per transaction.
func (b *ServerBuilder) Handler(factory MessageHandlerFactory) *ServerBuilder {
	b.config.MessageHandlerFactory = factory
	return b
}

// Use wraps the handler factory with middleware, outermost first.
func (b *ServerBuilder) Use(middleware ...Middleware) *ServerBuilder {
	b.middleware = append(b.middleware, middleware...)
	return b
}

// Command registers an extra verb, or replaces a built-in one.
func (b *ServerBuilder) Command(c Command) *ServerBuilder {
	b.config.Commands = append(b.config.Commands, c)
	return b
}

// Metrics records server metrics into m.
func (b *ServerBuilder) Metrics(m *Metrics) *ServerBuilder {
	b.config.Metrics = m
	return b
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	config := b.config
	if len(b.mechanisms) > 0 {
		config.Mechanisms = sasl.NewRegistry()
		for name, factory := range b.mechanisms {
			config.Mechanisms.Register(name, factory)
		}
	}
	if len(b.middleware) > 0 {
		config.MessageHandlerFactory = Chain(config.MessageHandlerFactory, b.middleware...)
	}
	return NewServer(config)
}

// Run builds and starts the server.
// This is a convenience method equivalent to Build() followed by ListenAndServe().
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}
