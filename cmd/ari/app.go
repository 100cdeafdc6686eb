package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/almuete/ari/audio/pulse"
	"github.com/almuete/ari/config"
	"github.com/almuete/ari/credentials"
	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/session"
	"github.com/almuete/ari/telemetry"
	"github.com/almuete/ari/tools"
)

// app owns the engine and the process-wide exporters started for it.
type app struct {
	engine   *session.Engine
	shutdown []func(context.Context) error
}

// buildApp validates cfg and wires the engine with its collaborators.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	stopTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	a.shutdown = append(a.shutdown, stopTracing)

	if cfg.Metrics.Addr != "" {
		exp := metrics.NewExporter(cfg.Metrics.Addr)
		go func() {
			if err := exp.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		a.shutdown = append(a.shutdown, exp.Shutdown)
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	deps := session.Deps{
		Credentials: credentialSource(cfg),
		Dial:        session.WebsocketDialer(cfg.Endpoint, cfg.Session.Heartbeat),
		Microphone: &pulse.Microphone{
			Source:     cfg.Audio.Source,
			SampleRate: cfg.Audio.CaptureSampleRate,
		},
		Speaker: pulse.Speaker{},
		Tracer:  telemetry.Tracer(nil),
	}

	dispatcher, err := buildDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	if dispatcher != nil {
		deps.Tools = dispatcher
	}

	engine, err := session.NewEngine(session.FromConfig(cfg), deps)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	eff := engine.Config()
	logger.Info("session engine ready",
		"model", eff.Model,
		"voice", eff.Voice,
		"send_rate", eff.SendSampleRate,
		"receive_rate", eff.ReceiveSampleRate,
		"auto_reconnect", eff.AutoReconnect,
	)
	ok = true
	return a, nil
}

func credentialSource(cfg *config.Config) credentials.Source {
	if cfg.TokenEndpoint != "" {
		return credentials.NewFetcher(cfg.TokenEndpoint)
	}
	return credentials.StaticSource(cfg.Token)
}

// buildDispatcher returns nil when no tool backend is configured.
func buildDispatcher(cfg *config.Config) (*tools.Dispatcher, error) {
	if cfg.ToolsBaseURL == "" {
		return nil, nil
	}

	clientOpts := []tools.ClientOption{tools.WithTimeout(cfg.Tools.Timeout)}
	if cfg.Tools.RateLimit > 0 {
		clientOpts = append(clientOpts, tools.WithRateLimit(cfg.Tools.RateLimit, cfg.Tools.Burst))
	}
	client := tools.NewClient(cfg.ToolsBaseURL, clientOpts...)

	opts := []tools.Option{
		tools.WithConcurrency(cfg.Tools.Concurrency),
		tools.WithTracer(telemetry.Tracer(nil)),
	}
	if len(cfg.Tools.Enabled) > 0 {
		opts = append(opts, tools.WithEnabled(cfg.Tools.Enabled...))
	}
	d, err := tools.NewDispatcher(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure tools: %w", err)
	}
	return d, nil
}

// Close disconnects the engine and stops the exporters in reverse order.
func (a *app) Close(ctx context.Context) error {
	if a.engine != nil {
		a.engine.Disconnect()
	}
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.shutdown = nil
	return errors.Join(errs...)
}
