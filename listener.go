package kestrel

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// SimpleListener is a per-recipient consumer that does not care about
// transactions. Accept is asked once per RCPT; Deliver is called once per
// accepted recipient when the body arrives.
type SimpleListener interface {
	Accept(from, recipient string) bool
	Deliver(from, recipient string, data io.Reader) error
}

// ListenerAdapter turns a set of SimpleListeners into a
// MessageHandlerFactory. A recipient no listener accepts is refused with
// 553. When more than one delivery is due the body is buffered in memory,
// bounded by MaxMessageSize.
type ListenerAdapter struct {
	listeners []SimpleListener
}

// NewListenerAdapter creates an adapter over listeners.
func NewListenerAdapter(listeners ...SimpleListener) *ListenerAdapter {
	return &ListenerAdapter{listeners: listeners}
}

// Create implements MessageHandlerFactory.
func (a *ListenerAdapter) Create(MessageContext) MessageHandler {
	return &listenerHandler{listeners: a.listeners}
}

type delivery struct {
	listener  SimpleListener
	recipient string
}

type listenerHandler struct {
	listeners  []SimpleListener
	from       string
	deliveries []delivery
}

func (h *listenerHandler) From(_ context.Context, from string) error {
	h.from = from
	return nil
}

func (h *listenerHandler) Recipient(_ context.Context, to string) error {
	accepted := false
	for _, l := range h.listeners {
		if l.Accept(h.from, to) {
			h.deliveries = append(h.deliveries, delivery{listener: l, recipient: to})
			accepted = true
		}
	}
	if !accepted {
		return Rejectf(CodeMailboxNameInvalid, "<%s> No such user here", to)
	}
	return nil
}

func (h *listenerHandler) Data(_ context.Context, r io.Reader) error {
	if len(h.deliveries) == 1 {
		d := h.deliveries[0]
		return d.listener.Deliver(h.from, d.recipient, r)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, d := range h.deliveries {
		if err := d.listener.Deliver(h.from, d.recipient, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("smtp: delivering to %s: %w", d.recipient, err)
		}
	}
	return nil
}

func (h *listenerHandler) Reset() {
	h.from = ""
	h.deliveries = nil
}
