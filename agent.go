package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dotside-studios/tagengine/certs"
	"github.com/dotside-studios/tagengine/config"
	"github.com/dotside-studios/tagengine/nfc"
	"github.com/dotside-studios/tagengine/nfc/libnfc"
	"github.com/dotside-studios/tagengine/server"
)

// mockTagUID identifies the in-memory tag served in mock mode.
var mockTagUID = []byte{0x04, 0x6D, 0x0C, 0x4A, 0x21, 0x5E, 0x80}

// Agent wires a tag session, the engine and the server together from a
// loaded configuration.
type Agent struct {
	Config config.Config
	Logger *slog.Logger

	session  nfc.TagSession
	closers  []func(context.Context) error
	registry *prometheus.Registry
	tracker  *nfc.Tracker
	engine   *nfc.Engine
}

func NewAgent(cfg config.Config, logger *slog.Logger) *Agent {
	return &Agent{Config: cfg, Logger: logger}
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	if err := a.openSession(); err != nil {
		return err
	}
	if err := a.buildEngine(); err != nil {
		return err
	}

	srvConfig := server.Config{
		Engine:         a.engine,
		Port:           a.Config.Port,
		APISecret:      a.Config.APISecret,
		SessionTimeout: a.Config.SessionTimeout,
		MDNS:           a.Config.MDNS,
		Gatherer:       a.registry,
		Logger:         a.Logger.With("component", "server"),
	}

	var bootstrap *certs.BootstrapServer
	if a.Config.TLS.Enabled {
		manager := certs.NewManager(a.Config.TLS.Dir, certs.WithLogger(a.Logger.With("component", "certs")))
		certFile, keyFile, err := manager.EnsureCertificates()
		if err != nil {
			return fmt.Errorf("agent: tls: %w", err)
		}
		srvConfig.TLSCertFile, srvConfig.TLSKeyFile = certFile, keyFile
		bootstrap = certs.NewBootstrapServer(manager, a.Config.TLS.BootstrapPort, a.Logger.With("component", "bootstrap"))
	}

	srv, err := server.New(srvConfig)
	if err != nil {
		return err
	}
	a.tracker.AddReporter(srv)

	g, ctx := errgroup.WithContext(ctx)
	if bootstrap != nil {
		if err := bootstrap.Start(); err != nil {
			return fmt.Errorf("agent: bootstrap server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			bootstrap.Stop()
			return nil
		})
	}
	g.Go(func() error { return srv.Run(ctx) })

	a.Logger.Info("agent started",
		"platform", a.Config.Platform,
		"port", a.Config.Port,
		"mock", a.Config.Mock,
		"tls", a.Config.TLS.Enabled)
	return g.Wait()
}

func (a *Agent) openSession() error {
	if a.Config.Mock {
		a.session = nfc.NewMockNTAG213(mockTagUID)
		a.Logger.Warn("serving an in-memory NTAG213, no reader is used")
		return nil
	}

	session, err := libnfc.Open(a.Config.Device, libnfc.WithLogger(a.Logger.With("component", "libnfc")))
	if err != nil {
		return fmt.Errorf("agent: open reader: %w", err)
	}
	a.session = session
	a.closers = append(a.closers, func(context.Context) error { return session.Close() })
	return nil
}

func (a *Agent) buildEngine() error {
	policy, err := a.Config.PlatformPolicy()
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	trackerOpts := []nfc.TrackerOption{
		nfc.WithTrackerLogger(a.Logger.With("component", "tracker")),
		nfc.WithReporter(nfc.NewPrometheusReporter(a.registry)),
	}
	if a.Config.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("agent: trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		a.closers = append(a.closers, provider.Shutdown)
		trackerOpts = append(trackerOpts, nfc.WithTracerProvider(provider))
	}
	a.tracker = nfc.NewTracker(trackerOpts...)

	a.engine = nfc.NewEngine(a.session,
		nfc.WithPolicy(policy),
		nfc.WithTracker(a.tracker),
		nfc.WithSealedLocks(a.Config.SealedLocks),
		nfc.WithLogger(a.Logger.With("component", "engine")),
	)
	return nil
}

// close releases what Run opened, newest first.
func (a *Agent) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("agent shutdown incomplete", "error", err)
		return
	}
	a.Logger.Info("agent stopped")
}
