// Package api wires the TurnPipe modules together and exposes the HTTP
// surface: health, escalation listing, conversation inspection, a manual
// send endpoint, and the Twilio inbound webhook.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TurnPipe/internal/dedup"
	"github.com/BTreeMap/TurnPipe/internal/flow"
	"github.com/BTreeMap/TurnPipe/internal/genai"
	"github.com/BTreeMap/TurnPipe/internal/messaging"
	"github.com/BTreeMap/TurnPipe/internal/recovery"
	"github.com/BTreeMap/TurnPipe/internal/scheduler"
	"github.com/BTreeMap/TurnPipe/internal/store"
	"github.com/BTreeMap/TurnPipe/internal/turn"
	"github.com/BTreeMap/TurnPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TurnPipe/internal/whatsapp"
)

// Channel names accepted by WithChannel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

// Defaults for the API server and retention policy.
const (
	DefaultAddr          = ":8080"
	DefaultDedupTTL      = 60 * time.Second
	DefaultStateTTL      = 24 * time.Hour
	DefaultTurnTTL       = 24 * time.Hour
	DefaultEscalationTTL = 7 * 24 * time.Hour
	DefaultHistoryLimit  = 20
	DefaultSweepInterval = time.Hour
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	Channel        string
	RedisURL       string
	AttemptCeiling int
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannel selects the messaging channel ("whatsapp" or "twilio").
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// WithRedisURL points the conversation state store at Redis. Without it an
// in-process store is used, which does not survive restarts.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithAttemptCeiling overrides the qualification attempt ceiling.
func WithAttemptCeiling(n int) Option {
	return func(o *Opts) { o.AttemptCeiling = n }
}

// Server holds the wired modules and the HTTP surface.
type Server struct {
	addr       string
	msgService messaging.Service
	pipeline   *turn.Pipeline
	states     *flow.StateStore
	st         store.Store
	mux        *http.ServeMux
}

// Run bootstraps every module, starts the channel service, the turn pipeline,
// the retention sweeper, and the HTTP server, and blocks until a signal or a
// fatal error. The option slices mirror the per-module configuration built by
// the command-line front end.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	opts := Opts{
		Addr:           DefaultAddr,
		Channel:        ChannelWhatsApp,
		AttemptCeiling: flow.DefaultAttemptCeiling,
	}
	for _, opt := range apiOpts {
		opt(&opts)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	kv, err := buildKV(opts.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to initialize state backend: %w", err)
	}

	classifier, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	msgService, twilioSvc, err := buildMessagingService(opts.Channel, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}

	srv := assemble(st, kv, classifier, msgService, opts)
	if twilioSvc != nil {
		srv.mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.run(ctx)
}

// assemble wires the engine modules around the given backends. Split from Run
// so tests can build a server over in-memory parts.
func assemble(st store.Store, kv store.KV, classifier flow.Classifier, msgService messaging.Service, opts Opts) *Server {
	tracker := flow.NewProgressTracker(opts.AttemptCeiling)
	router := flow.NewInstrumentedRouter(flow.NewTurnRouter(classifier, tracker))
	registry := flow.NewDefaultRegistry(tracker)
	states := flow.NewStateStore(kv, DefaultStateTTL, DefaultHistoryLimit)
	guard := dedup.NewGuard(DefaultDedupTTL, dedup.WithRecorder(st))
	coord := recovery.NewCoordinator(st, recovery.DefaultHandlers(router, tracker, registry, msgService))
	pipeline := turn.NewPipeline(guard, states, router, registry, coord, msgService)

	srv := &Server{
		addr:       opts.Addr,
		msgService: msgService,
		pipeline:   pipeline,
		states:     states,
		st:         st,
		mux:        http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/send", s.sendHandler)
	s.mux.HandleFunc("/escalations", s.escalationsHandler)
	s.mux.HandleFunc("/conversations/", s.conversationHandler)
}

// run starts the channel service, pipeline, sweeper, and HTTP server, and
// shuts them down together when the context ends.
func (s *Server) run(ctx context.Context) error {
	if err := s.msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer s.msgService.Stop()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("TurnPipe API listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return s.pipeline.Run(gctx, s.msgService.Inbound())
	})

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("@every "+DefaultSweepInterval.String(), s.sweepExpired); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	err := g.Wait()
	slog.Info("TurnPipe API stopped")
	return err
}

// sweepExpired removes turn records and escalations past their retention.
func (s *Server) sweepExpired() {
	if err := s.st.SweepExpired(DefaultTurnTTL, DefaultEscalationTTL); err != nil {
		slog.Warn("Server.sweepExpired: sweep failed", "error", err)
	}
}

// buildStore picks the durable store backend from the configured DSN.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// buildKV picks the conversation state backend.
func buildKV(redisURL string) (store.KV, error) {
	if redisURL == "" {
		slog.Warn("No Redis URL provided, conversation state will not survive restarts")
		return store.NewMemoryKV(), nil
	}
	slog.Info("Using Redis conversation state backend")
	return store.NewRedisKV(redisURL)
}

// buildMessagingService constructs the selected channel service. The Twilio
// service is returned separately so its webhook can be mounted.
func buildMessagingService(channel string, waOpts []whatsapp.Option) (messaging.Service, *messaging.TwilioService, error) {
	switch channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client, os.Getenv("TWILIO_FROM_NUMBER"))
		return svc, svc, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging channel %q", channel)
	}
}
