package kestrel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/kestrel/utils"
)

// Middleware wraps a MessageHandlerFactory to add policy in front of the
// application's handlers.
type Middleware func(next MessageHandlerFactory) MessageHandlerFactory

// Chain applies middleware to f. The first middleware sees each
// transaction first.
func Chain(f MessageHandlerFactory, middleware ...Middleware) MessageHandlerFactory {
	if f == nil {
		f = MessageHandlerFactoryFunc(func(MessageContext) MessageHandler { return discardHandler{} })
	}
	for i := len(middleware) - 1; i >= 0; i-- {
		f = middleware[i](f)
	}
	return f
}

// ---- Built-in Middleware ----

// Logger returns middleware that logs every handler step of a transaction.
// Failures are logged at error level, everything else at debug.
func Logger(logger *slog.Logger) Middleware {
	return func(next MessageHandlerFactory) MessageHandlerFactory {
		return MessageHandlerFactoryFunc(func(mc MessageContext) MessageHandler {
			return &loggingHandler{next: next.Create(mc), logger: logger.With(
				slog.String("session_id", mc.SessionID),
				slog.String("remote", remoteString(mc.RemoteAddr)),
			)}
		})
	}
}

type loggingHandler struct {
	next   MessageHandler
	logger *slog.Logger
}

func (h *loggingHandler) log(step string, start time.Time, err error, attrs ...any) error {
	attrs = append(attrs, slog.String("step", step), slog.Duration("duration", time.Since(start)))
	if err != nil {
		h.logger.Error("handler error", append(attrs, slog.Any("error", err))...)
	} else {
		h.logger.Debug("handler completed", attrs...)
	}
	return err
}

func (h *loggingHandler) From(ctx context.Context, from string) error {
	start := time.Now()
	return h.log("from", start, h.next.From(ctx, from), slog.String("from", from))
}

func (h *loggingHandler) Recipient(ctx context.Context, to string) error {
	start := time.Now()
	return h.log("recipient", start, h.next.Recipient(ctx, to), slog.String("to", to))
}

func (h *loggingHandler) Data(ctx context.Context, r io.Reader) error {
	start := time.Now()
	return h.log("data", start, h.next.Data(ctx, r))
}

func (h *loggingHandler) Reset() { h.next.Reset() }

// Recovery returns middleware that turns a panicking handler step into a
// 451 reply for that command.
func Recovery(logger *slog.Logger) Middleware {
	return func(next MessageHandlerFactory) MessageHandlerFactory {
		return MessageHandlerFactoryFunc(func(mc MessageContext) MessageHandler {
			return &recoveryHandler{next: next.Create(mc), logger: logger, sessionID: mc.SessionID}
		})
	}
}

type recoveryHandler struct {
	next      MessageHandler
	logger    *slog.Logger
	sessionID string
}

func (h *recoveryHandler) catch(step string, err *error) {
	if r := recover(); r != nil {
		h.logger.Error("panic recovered",
			slog.String("session_id", h.sessionID),
			slog.String("step", step),
			slog.Any("panic", r),
		)
		if err != nil {
			*err = Reject(CodeLocalError, "Requested action aborted: local error in processing")
		}
	}
}

func (h *recoveryHandler) From(ctx context.Context, from string) (err error) {
	defer h.catch("from", &err)
	return h.next.From(ctx, from)
}

func (h *recoveryHandler) Recipient(ctx context.Context, to string) (err error) {
	defer h.catch("recipient", &err)
	return h.next.Recipient(ctx, to)
}

func (h *recoveryHandler) Data(ctx context.Context, r io.Reader) (err error) {
	defer h.catch("data", &err)
	return h.next.Data(ctx, r)
}

func (h *recoveryHandler) Reset() {
	defer h.catch("reset", nil)
	h.next.Reset()
}

// ---- Rate Limiting Middleware ----

// RateLimiter counts transactions per client IP in fixed windows.
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[string]*rateLimitEntry
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter allowing limit transactions per
// window from a single IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: make(map[string]*rateLimitEntry),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow checks if the IP is allowed and increments its counter.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Len returns the number of IPs currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.counts)
}

// sweep drops expired entries at most once every two windows. Callers
// hold rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < 2*rl.window {
		return
	}
	rl.lastSweep = now
	for ip, entry := range rl.counts {
		if now.Sub(entry.windowStart) > rl.window {
			delete(rl.counts, ip)
		}
	}
}

// RateLimit returns middleware that refuses MAIL FROM with a temporary
// failure once the client's IP exceeds the limiter.
func RateLimit(limiter *RateLimiter) Middleware {
	return func(next MessageHandlerFactory) MessageHandlerFactory {
		return MessageHandlerFactoryFunc(func(mc MessageContext) MessageHandler {
			return &rateLimitHandler{MessageHandler: next.Create(mc), limiter: limiter, ip: extractIP(mc.RemoteAddr)}
		})
	}
}

type rateLimitHandler struct {
	MessageHandler
	limiter *RateLimiter
	ip      string
}

func (h *rateLimitHandler) From(ctx context.Context, from string) error {
	if !h.limiter.Allow(h.ip) {
		return Reject(CodeLocalError, "Too many messages, please try again later")
	}
	return h.MessageHandler.From(ctx, from)
}

// ---- IP Filtering Middleware ----

// IPFilterMode determines how the filter operates.
type IPFilterMode int

const (
	// IPFilterModeAllow only allows IPs in the allow list.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny only denies IPs in the deny list.
	IPFilterModeDeny
)

// IPFilter allows or denies clients by address. Entries are single
// addresses or CIDR prefixes.
type IPFilter struct {
	mu        sync.RWMutex
	allowList []netip.Prefix
	denyList  []netip.Prefix
	mode      IPFilterMode
}

// NewIPFilter creates a new IP filter.
func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Allow adds an address or prefix to the allow list.
func (f *IPFilter) Allow(entry string) error {
	p, err := parsePrefix(entry)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.allowList = append(f.allowList, p)
	f.mu.Unlock()
	return nil
}

// Deny adds an address or prefix to the deny list.
func (f *IPFilter) Deny(entry string) error {
	p, err := parsePrefix(entry)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.denyList = append(f.denyList, p)
	f.mu.Unlock()
	return nil
}

// IsAllowed checks if an IP is allowed. Unparseable addresses are only
// allowed in deny mode.
func (f *IPFilter) IsAllowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return f.mode == IPFilterModeDeny
	}
	addr = addr.Unmap()

	f.mu.RLock()
	defer f.mu.RUnlock()

	switch f.mode {
	case IPFilterModeAllow:
		return containsAddr(f.allowList, addr)
	case IPFilterModeDeny:
		return !containsAddr(f.denyList, addr)
	}
	return true
}

// IPFilterMiddleware returns middleware that refuses every transaction
// from clients the filter does not allow.
func IPFilterMiddleware(filter *IPFilter) Middleware {
	return func(next MessageHandlerFactory) MessageHandlerFactory {
		return MessageHandlerFactoryFunc(func(mc MessageContext) MessageHandler {
			h := next.Create(mc)
			if filter.IsAllowed(extractIP(mc.RemoteAddr)) {
				return h
			}
			return &deniedHandler{MessageHandler: h}
		})
	}
}

type deniedHandler struct {
	MessageHandler
}

func (h *deniedHandler) From(context.Context, string) error {
	return Reject(CodeTransactionFailed, "Connection not allowed from your IP address")
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("ip filter: %w", err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("ip filter: %w", err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ---- Domain Validation Middleware ----

// DomainValidator validates sender and recipient domains. Domains compare
// case-insensitively.
type DomainValidator struct {
	allowedDomains map[string]bool
	localDomains   map[string]bool
}

// NewDomainValidator creates a domain validator.
func NewDomainValidator() *DomainValidator {
	return &DomainValidator{
		allowedDomains: make(map[string]bool),
		localDomains:   make(map[string]bool),
	}
}

// AddLocalDomain adds a domain that this server handles mail for.
func (v *DomainValidator) AddLocalDomain(domain string) *DomainValidator {
	v.localDomains[strings.ToLower(domain)] = true
	return v
}

// AddAllowedDomain adds a domain that can send mail through this server.
func (v *DomainValidator) AddAllowedDomain(domain string) *DomainValidator {
	v.allowedDomains[strings.ToLower(domain)] = true
	return v
}

// IsLocalDomain checks if the domain is local.
func (v *DomainValidator) IsLocalDomain(domain string) bool {
	return v.localDomains[strings.ToLower(domain)]
}

// IsAllowedSender checks if the sender domain is allowed. With no allowed
// domains configured every sender is.
func (v *DomainValidator) IsAllowedSender(domain string) bool {
	if len(v.allowedDomains) == 0 {
		return true
	}
	return v.allowedDomains[strings.ToLower(domain)]
}

// ValidateDomains returns middleware that refuses senders outside the
// allowed domains and, for unauthenticated sessions, recipients outside
// the local domains.
func ValidateDomains(v *DomainValidator) Middleware {
	return func(next MessageHandlerFactory) MessageHandlerFactory {
		return MessageHandlerFactoryFunc(func(mc MessageContext) MessageHandler {
			return &domainHandler{next: next.Create(mc), validator: v, relay: mc.AuthIdentity != ""}
		})
	}
}

type domainHandler struct {
	next      MessageHandler
	validator *DomainValidator
	relay     bool
}

func (h *domainHandler) From(ctx context.Context, from string) error {
	// The null sender (bounce) is always allowed.
	if from != "" && !h.validator.IsAllowedSender(domainOf(from)) {
		return Rejectf(CodeMailboxNameInvalid, "<%s> Sender domain not allowed", from)
	}
	return h.next.From(ctx, from)
}

func (h *domainHandler) Recipient(ctx context.Context, to string) error {
	if !h.relay && !h.validator.IsLocalDomain(domainOf(to)) {
		return Rejectf(CodeTransactionFailed, "<%s>: Relay access denied", to)
	}
	return h.next.Recipient(ctx, to)
}

func (h *domainHandler) Data(ctx context.Context, r io.Reader) error {
	return h.next.Data(ctx, r)
}

func (h *domainHandler) Reset() { h.next.Reset() }

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[i+1:]
	}
	return ""
}

// ---- Helper Functions ----

func extractIP(addr net.Addr) string {
	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		return remoteString(addr)
	}
	return ip.String()
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ---- Convenience Middleware Groups ----

// SecureDefaults returns middleware suitable for production use: panic
// recovery, logging and a limit of 100 transactions per minute per IP.
func SecureDefaults(logger *slog.Logger) []Middleware {
	return []Middleware{
		Recovery(logger),
		Logger(logger),
		RateLimit(NewRateLimiter(100, time.Minute)),
	}
}

// DevelopmentDefaults returns panic recovery and logging without limits.
func DevelopmentDefaults(logger *slog.Logger) []Middleware {
	return []Middleware{
		Recovery(logger),
		Logger(logger),
	}
}
