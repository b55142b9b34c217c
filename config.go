package kestrel

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
)

// AdmissionPolicy decides what happens to a connection that arrives while
// MaxConnections sessions are live.
type AdmissionPolicy int

const (
	// AdmissionReject accepts the socket, replies 421 and closes it. Accept
	// only blocks once the reserve above MaxConnections is used up as well.
	AdmissionReject AdmissionPolicy = iota
	// AdmissionBlock stops calling accept until a session ends. Excess
	// clients wait in the kernel backlog without a reply.
	AdmissionBlock
)

func (p AdmissionPolicy) String() string {
	switch p {
	case AdmissionReject:
		return "reject"
	case AdmissionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Default limits.
const (
	DefaultMaxConnections    = 1000
	DefaultConnectionReserve = 10
	DefaultMaxRecipients     = 1000
	DefaultConnectionTimeout = time.Minute
	DefaultMaxLineLength     = 1000
	// Longest AUTH response line accepted (RFC 4954 section 4).
	maxAuthLineLength = 12288
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via kestrel.New().
type ServerConfig struct {
	Hostname string
	Addr     string
	// SoftwareName is announced in the greeting after "ESMTP".
	SoftwareName string

	// TLSConfig enables STARTTLS. HideTLS keeps it out of the EHLO reply
	// and makes the command answer 454 as if TLS were not configured.
	TLSConfig *tls.Config
	HideTLS   bool

	// Validator enables AUTH. AuthMechanisms restricts the advertised
	// mechanisms; nil means every registered one.
	Validator      UsernamePasswordValidator
	AuthMechanisms []string
	Mechanisms     *sasl.Registry
	RequireAuth    bool

	MaxMessageSize    int64
	MaxRecipients     int
	MaxConnections    int
	ConnectionReserve int
	Admission         AdmissionPolicy
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	MaxLineLength     int

	// ReverseLookup adds the forward-confirmed PTR name of the client to
	// the Received header. It never affects acceptance.
	ReverseLookup bool
	Resolver      dns.Resolver

	AddressValidator      AddressValidator
	MessageHandlerFactory MessageHandlerFactory
	// Commands are registered after the built-in verbs and replace any
	// built-in with the same name.
	Commands              []Command
	Metrics               *Metrics
	Logger                *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":25",
		SoftwareName:      "kestrel",
		MaxRecipients:     DefaultMaxRecipients,
		MaxConnections:    DefaultMaxConnections,
		ConnectionReserve: DefaultConnectionReserve,
		Admission:         AdmissionReject,
		ConnectionTimeout: DefaultConnectionTimeout,
		WriteTimeout:      DefaultConnectionTimeout,
		MaxLineLength:     DefaultMaxLineLength,
		Logger:            slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.RequireAuth = true
	return config
}

// applyDefaults fills zero values; negative MaxConnections is left alone
// and means unlimited.
func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":25"
	}
	if c.SoftwareName == "" {
		c.SoftwareName = "kestrel"
	}
	if c.MaxRecipients == 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ConnectionReserve == 0 {
		c.ConnectionReserve = DefaultConnectionReserve
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = c.ConnectionTimeout
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = DefaultMaxLineLength
	}
	if c.AddressValidator == nil {
		c.AddressValidator = AddressValidatorFunc(ValidateAddress)
	}
	if c.Mechanisms == nil {
		c.Mechanisms = sasl.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
