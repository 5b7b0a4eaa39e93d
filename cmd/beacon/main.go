// Command beacon runs the tracking and automation engine against a recorded
// browser session, delivering events to the configured collector.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syntrixbase/beacon/internal/action"
	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/config"
	"github.com/syntrixbase/beacon/internal/engine"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/logging"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/preview"
	"github.com/syntrixbase/beacon/internal/queue"
	"github.com/syntrixbase/beacon/internal/retry"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/trigger"
	"github.com/syntrixbase/beacon/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", "configs", "Configuration directory")
	replayPath := flag.String("replay", "", "JSON-lines session recording to replay (- for stdin)")
	userAgent := flag.String("user-agent", "Mozilla/5.0 (X11; Linux x86_64)", "Browser user agent")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, *replayPath, *userAgent)
	stop()
	if err != nil {
		slog.Error("Beacon stopped with error", "error", err)
	}
	_ = logging.Shutdown()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, replayPath, userAgent string) error {
	logger := slog.Default()

	var m metrics.Metrics = &metrics.NoopMetrics{}
	var servers []*http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		pm, err := metrics.NewPrometheus(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		m = pm
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, serve(cfg.Metrics.Listen, mux, "metrics"))
	}

	store, err := openStorage(cfg.Storage, logger, m)
	if err != nil {
		return err
	}
	defer store.Close()

	sender, closeSender, err := newSender(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer closeSender()

	q := queue.New(sender, queue.Options{
		FlushDelay:   cfg.Queue.FlushDelay.Std(),
		MaxBatchSize: cfg.Queue.MaxBatchSize,
		Retry:        retry.FromConfig(cfg.Queue.Retry),
		Logger:       logger,
		Metrics:      m,
	})
	q.OnDrop(func(batch events.Batch, err error) {
		logger.Warn("Event batch dropped", "events", batch.Len(), "error", err)
	})

	e, err := engine.New(engine.Options{
		WebsiteID: cfg.Queue.WebsiteID,
		Store:     store,
		Queue:     q,
		Window:    browser.NewWindow(userAgent, nil),
		Webhooks: action.NewWebhookWorker(action.WebhookOptions{
			Timeout:       cfg.Webhook.Timeout.Std(),
			SigningSecret: cfg.Webhook.SigningSecret,
			Metrics:       m,
		}),
		Retry:         retry.FromConfig(cfg.Webhook.Retry),
		SessionExpiry: cfg.Identity.SessionExpiry.Std(),
		VisitorTTL:    cfg.Storage.VisitorTTL.Std(),
		ExitIntent: trigger.ExitIntentOptions{
			TopMargin:         cfg.Triggers.ExitIntent.TopMargin,
			MinUpwardVelocity: cfg.Triggers.ExitIntent.MinUpwardVelocity,
			MinDwell:          cfg.Triggers.ExitIntent.MinDwell.Std(),
		},
		DropOffWindow: cfg.Funnel.DropOffWindow.Std(),
		SweepInterval: cfg.Funnel.SweepInterval.Std(),
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Close(shutdownCtx); err != nil {
			logger.Warn("Engine did not shut down cleanly", "error", err)
		}
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
	}()

	if cfg.Preview.Enabled {
		ps := preview.NewServer(preview.Config{
			AllowedOrigins: cfg.Preview.AllowedOrigins,
			AllowDevOrigin: cfg.Preview.AllowDevOrigin,
		}, nil, logger)
		ps.Start(ctx)
		e.SetDebugHook(ps.Hook)
		servers = append(servers, serve(cfg.Preview.Listen, ps.Handler(), "preview"))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if err := loadDefinitions(ctx, e, cfg, client); err != nil {
		return err
	}
	e.Start()

	if replayPath == "" {
		logger.Info("No replay given, serving until interrupted")
		<-ctx.Done()
		return nil
	}
	return replayFile(ctx, e, replayPath, logger)
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger, m metrics.Metrics) (*storage.Adapter, error) {
	var durable storage.KV = storage.NewMemory()
	if !cfg.InMemory {
		kv, err := storage.OpenPebble(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open durable storage: %w", err)
		}
		durable = kv
	}
	return storage.NewAdapter(durable, storage.NewMemory(),
		storage.WithLogger(logger),
		storage.WithFaultHandler(func(op string, scope storage.Scope, _ string, _ error) {
			m.IncStorageFault(op, scope.String())
		}),
	), nil
}

func newSender(ctx context.Context, cfg config.QueueConfig) (queue.Sender, func(), error) {
	switch cfg.Transport {
	case "nats":
		nc, js, err := queue.ConnectJetStream(cfg.NatsURL)
		if err != nil {
			return nil, nil, err
		}
		sender, err := queue.NewNATSSender(ctx, js, queue.NATSOptions{
			StreamName:    cfg.StreamName,
			SubjectPrefix: cfg.SubjectPrefix,
			WebsiteID:     cfg.WebsiteID,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return sender, func() { drain(nc) }, nil
	default:
		return queue.NewHTTPSender(cfg.Endpoint, cfg.HTTPTimeout.Std()), func() {}, nil
	}
}

func drain(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}

func loadDefinitions(ctx context.Context, e *engine.Engine, cfg *config.Config, client *http.Client) error {
	if cfg.Workflows.Source != "" {
		n, err := e.LoadFrom(ctx, cfg.Workflows.Source, client)
		if err != nil {
			return fmt.Errorf("failed to load workflows: %w", err)
		}
		slog.Info("Workflows ready", "source", cfg.Workflows.Source, "count", n)
	}
	if cfg.Funnel.Source != "" {
		funnels, err := workflow.LoadFunnels(ctx, cfg.Funnel.Source, client, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to load funnels: %w", err)
		}
		slog.Info("Funnels ready", "source", cfg.Funnel.Source, "count", e.LoadFunnels(funnels))
	}
	return nil
}

func replayFile(ctx context.Context, host Host, path string, logger *slog.Logger) error {
	var in io.Reader = os.Stdin
	baseDir := "."
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open replay: %w", err)
		}
		defer f.Close()
		in = f
		baseDir = filepath.Dir(path)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	r := &replayer{host: host, baseDir: baseDir, sleep: sleepCtx}
	n, err := r.Run(ctx, scanner)
	logger.Info("Replay finished", "steps", n)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(addr string, h http.Handler, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "server", name, "error", err)
		}
	}()
	return srv
}
