package sasl

import (
	"bytes"
)

// Plain implements the PLAIN SASL mechanism (RFC 4616).
// Use only over TLS - passwords are transmitted in clear text.
type Plain struct {
	creds *Credentials
}

// NewPlain creates a new PLAIN mechanism handler.
func NewPlain() *Plain {
	return &Plain{}
}

// Name returns "PLAIN".
func (p *Plain) Name() string {
	return "PLAIN"
}

// Start takes the initial response if present, otherwise asks for it with
// an empty challenge.
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.Next(initialResponse)
}

// Next decodes "authzid NUL authcid NUL passwd".
func (p *Plain) Next(response string) (string, bool, error) {
	decoded, err := decode(response)
	if err != nil {
		return "", true, err
	}

	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

// Credentials returns the extracted credentials.
func (p *Plain) Credentials() *Credentials {
	return p.creds
}
