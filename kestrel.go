// Kestrel is an embeddable ESMTP server engine for Go.
//
// # Server
//
// Create an SMTP server using the fluent builder API:
//
//	server, err := kestrel.New("mail.example.com").
//	    Addr(":587").
//	    TLS(tlsConfig).
//	    Auth(validator, "PLAIN", "LOGIN").
//	    MaxMessageSize(25 * 1024 * 1024).
//	    Handler(factory).
//	    Build()
//
//	if err := server.ListenAndServe(); err != kestrel.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// Shutdown stops accepting, tells every live session the service is going
// away with a 421 reply and waits for them to end.
//
// # Handlers
//
// Each mail transaction gets its own MessageHandler from the configured
// MessageHandlerFactory. Returning a *RejectError from a handler step sends
// its code and text to the client:
//
//	func (h *handler) Recipient(ctx context.Context, to string) error {
//	    if !h.mailboxes.Has(to) {
//	        return kestrel.Rejectf(kestrel.CodeMailboxNameInvalid, "<%s> No such user here", to)
//	    }
//	    return nil
//	}
//
// Consumers that only care about recipients can implement SimpleListener
// and wrap it with NewListenerAdapter.
//
// # Middleware
//
// Middleware wraps the handler factory:
//
//	server, err := kestrel.New("mx.example.com").
//	    Handler(factory).
//	    Use(kestrel.ValidateDomains(kestrel.NewDomainValidator().AddLocalDomain("example.com"))).
//	    Build()
//
// # Connection limits
//
// MaxConnections caps live sessions. With AdmissionReject, the default,
// up to ConnectionReserve further clients are accepted only to be told
// "421 Too many connections"; with AdmissionBlock excess clients wait in
// the listen backlog.
//
// # Commands
//
// Extra verbs implement Command and are registered with the builder's
// Command method. A command with the name of a built-in replaces it.
package kestrel
