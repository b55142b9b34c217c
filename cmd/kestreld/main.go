// Command kestreld runs a standalone SMTP server that spools accepted mail
// to a directory.
//
// Every flag can also be set through a KESTREL_* environment variable, for
// example KESTREL_HOSTNAME or KESTREL_SPOOL_DIR.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synqronlabs/kestrel"
	"github.com/synqronlabs/kestrel/authstore"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/spool"
)

type options struct {
	hostname       string
	addr           string
	adminAddr      string
	spoolDir       string
	passwdFile     string
	requireAuth    bool
	maxFailures    int
	failureWindow  time.Duration
	tlsCert        string
	tlsKey         string
	maxMessageSize int64
	maxRecipients  int
	maxConnections int
	reserve        int
	admission      string
	timeout        time.Duration
	reverseLookup  bool
	localDomains   string
	rateLimit      int
	allowNets      string
	denyNets       string
	logLevel       string
	shutdownGrace  time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	hostname, _ := os.Hostname()
	o := &options{}

	fs := flag.NewFlagSet("kestreld", flag.ContinueOnError)
	fs.StringVar(&o.hostname, "hostname", env("HOSTNAME", hostname), "name announced in the greeting")
	fs.StringVar(&o.addr, "addr", env("ADDR", ":2525"), "SMTP listen address")
	fs.StringVar(&o.adminAddr, "admin-addr", env("ADMIN_ADDR", "127.0.0.1:9025"), "metrics and health listen address, empty to disable")
	fs.StringVar(&o.spoolDir, "spool-dir", env("SPOOL_DIR", "spool"), "directory accepted messages are written to")
	fs.StringVar(&o.passwdFile, "passwd", env("PASSWD", ""), "user:bcrypt-hash file enabling AUTH")
	fs.BoolVar(&o.requireAuth, "require-auth", envBool("REQUIRE_AUTH", false), "refuse MAIL before AUTH")
	fs.IntVar(&o.maxFailures, "max-auth-failures", envInt("MAX_AUTH_FAILURES", 5), "failed logins per user before throttling, 0 disables")
	fs.DurationVar(&o.failureWindow, "auth-failure-window", envDuration("AUTH_FAILURE_WINDOW", 15*time.Minute), "how long failed logins are remembered")
	fs.StringVar(&o.tlsCert, "tls-cert", env("TLS_CERT", ""), "certificate file enabling STARTTLS")
	fs.StringVar(&o.tlsKey, "tls-key", env("TLS_KEY", ""), "key file for -tls-cert")
	fs.Int64Var(&o.maxMessageSize, "max-message-size", int64(envInt("MAX_MESSAGE_SIZE", 25<<20)), "largest accepted message in bytes, 0 for no limit")
	fs.IntVar(&o.maxRecipients, "max-recipients", envInt("MAX_RECIPIENTS", kestrel.DefaultMaxRecipients), "recipients per message")
	fs.IntVar(&o.maxConnections, "max-connections", envInt("MAX_CONNECTIONS", kestrel.DefaultMaxConnections), "concurrent sessions, -1 for no limit")
	fs.IntVar(&o.reserve, "connection-reserve", envInt("CONNECTION_RESERVE", kestrel.DefaultConnectionReserve), "extra connections accepted only to be refused with 421")
	fs.StringVar(&o.admission, "admission", env("ADMISSION", "reject"), "what to do at max-connections: reject or block")
	fs.DurationVar(&o.timeout, "timeout", envDuration("TIMEOUT", kestrel.DefaultConnectionTimeout), "idle timeout per read")
	fs.BoolVar(&o.reverseLookup, "reverse-lookup", envBool("REVERSE_LOOKUP", true), "resolve client names for the Received header")
	fs.StringVar(&o.localDomains, "local-domains", env("LOCAL_DOMAINS", ""), "comma separated domains accepted without AUTH, empty accepts all")
	fs.IntVar(&o.rateLimit, "rate-limit", envInt("RATE_LIMIT", 100), "messages per minute from one IP, 0 disables")
	fs.StringVar(&o.allowNets, "allow-nets", env("ALLOW_NETS", ""), "comma separated addresses or CIDRs allowed to send, empty allows all")
	fs.StringVar(&o.denyNets, "deny-nets", env("DENY_NETS", ""), "comma separated addresses or CIDRs refused, ignored with -allow-nets")
	fs.StringVar(&o.logLevel, "log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.DurationVar(&o.shutdownGrace, "shutdown-grace", envDuration("SHUTDOWN_GRACE", 30*time.Second), "time sessions get to finish on shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.hostname == "" {
		return nil, errors.New("-hostname is required")
	}
	if (o.tlsCert == "") != (o.tlsKey == "") {
		return nil, errors.New("-tls-cert and -tls-key go together")
	}
	return o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return pkgerrors.WithMessage(err, "log-level")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	server, registry, cleanup, err := buildServer(o, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if o.adminAddr != "" {
		admin := &http.Server{
			Addr:              o.adminAddr,
			Handler:           newAdminRouter(registry, server),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin listening", slog.String("address", o.adminAddr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", slog.Any("error", err))
			}
		}()
		defer admin.Close()
	}

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-served:
		if errors.Is(err, kestrel.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("sessions still open at shutdown deadline", slog.Any("error", err))
	}
	<-served
	return nil
}

// buildServer wires the server described by o. The returned cleanup
// releases what the server's collaborators hold.
func buildServer(o *options, logger *slog.Logger) (*kestrel.Server, *prometheus.Registry, func(), error) {
	cleanup := func() {}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sp, err := spool.New(o.spoolDir, logger.With(slog.String("component", "spool")))
	if err != nil {
		return nil, nil, cleanup, err
	}

	b := kestrel.New(o.hostname).
		Addr(o.addr).
		Logger(logger).
		Metrics(kestrel.NewMetrics(registry)).
		Handler(sp).
		MaxMessageSize(o.maxMessageSize).
		MaxRecipients(o.maxRecipients).
		MaxConnections(o.maxConnections).
		ConnectionReserve(o.reserve).
		ConnectionTimeout(o.timeout)

	switch strings.ToLower(o.admission) {
	case "reject":
		b.Admission(kestrel.AdmissionReject)
	case "block":
		b.Admission(kestrel.AdmissionBlock)
	default:
		return nil, nil, cleanup, fmt.Errorf("unknown admission policy %q", o.admission)
	}

	if o.reverseLookup {
		b.ReverseLookup(dns.NewResolver(dns.ResolverConfig{}))
	}

	if o.tlsCert != "" {
		cert, err := tls.LoadX509KeyPair(o.tlsCert, o.tlsKey)
		if err != nil {
			return nil, nil, cleanup, pkgerrors.WithMessage(err, "load TLS key pair")
		}
		b.TLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}

	if o.passwdFile != "" {
		passwd, err := authstore.LoadPasswd(o.passwdFile)
		if err != nil {
			return nil, nil, cleanup, err
		}
		throttle, err := authstore.NewThrottle(passwd, o.maxFailures, o.failureWindow)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = throttle.Close
		b.Auth(throttle)
		logger.Info("auth enabled", slog.Int("users", passwd.Len()))
	}
	if o.requireAuth {
		b.RequireAuth()
	}

	b.Use(kestrel.DevelopmentDefaults(logger)...)
	if o.rateLimit > 0 {
		b.Use(kestrel.RateLimit(kestrel.NewRateLimiter(o.rateLimit, time.Minute)))
	}
	if filter, err := ipFilter(o); err != nil {
		cleanup()
		return nil, nil, func() {}, err
	} else if filter != nil {
		b.Use(kestrel.IPFilterMiddleware(filter))
	}

	if o.localDomains != "" {
		v := kestrel.NewDomainValidator()
		for _, d := range strings.Split(o.localDomains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				v.AddLocalDomain(d)
			}
		}
		b.Use(kestrel.ValidateDomains(v))
	}

	server, err := b.Build()
	if err != nil {
		cleanup()
		return nil, nil, func() {}, err
	}
	return server, registry, cleanup, nil
}

// ipFilter builds the filter for -allow-nets or -deny-nets, or nil when
// neither is set.
func ipFilter(o *options) (*kestrel.IPFilter, error) {
	list, mode, add := o.denyNets, kestrel.IPFilterModeDeny, (*kestrel.IPFilter).Deny
	if o.allowNets != "" {
		list, mode, add = o.allowNets, kestrel.IPFilterModeAllow, (*kestrel.IPFilter).Allow
	}
	if list == "" {
		return nil, nil
	}
	filter := kestrel.NewIPFilter(mode)
	for _, entry := range strings.Split(list, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		if err := add(filter, entry); err != nil {
			return nil, err
		}
	}
	return filter, nil
}
