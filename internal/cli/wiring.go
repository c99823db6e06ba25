package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agentrelay/internal/adapter/kafka"
	"github.com/Strob0t/agentrelay/internal/adapter/nats"
	"github.com/Strob0t/agentrelay/internal/adapter/natskv"
	relayotel "github.com/Strob0t/agentrelay/internal/adapter/otel"
	"github.com/Strob0t/agentrelay/internal/adapter/postgres"
	"github.com/Strob0t/agentrelay/internal/adapter/ristretto"
	"github.com/Strob0t/agentrelay/internal/adapter/sandboxhttp"
	"github.com/Strob0t/agentrelay/internal/adapter/tiered"
	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/port/cache"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
	"github.com/Strob0t/agentrelay/internal/resilience"
	"github.com/Strob0t/agentrelay/internal/service"
)

const serviceName = "agentrelay"

// app holds the connected infrastructure and the services built on it.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	queue   messagequeue.Queue
	sandbox *sandboxhttp.Client

	topics       *service.TopicService
	dispatcher   *service.DispatcherService
	tasks        *service.TaskService
	messages     *service.MessageService
	compensation *service.CompensationService
	files        *service.FileService
	forks        *service.ForkService
	engine       *service.Engine

	closers []func()
}

// newApp connects PostgreSQL and the broker and wires every service.
// With migrate set, pending migrations are applied first.
func newApp(ctx context.Context, cfg *config.Config, migrate bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	slog.Info("postgres connected")

	if migrate {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}
	store := postgres.NewStore(pool)

	queue, natsQueue, err := connectBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.queue = queue
	a.closers = append(a.closers, func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("broker drain failed", "error", err)
		}
	})

	topicCache, err := a.newCache(ctx, natsQueue, cfg.Cache.L2Bucket)
	if err != nil {
		return nil, err
	}
	sandboxCache, err := a.newCache(ctx, natsQueue, "")
	if err != nil {
		return nil, err
	}

	a.sandbox = sandboxhttp.NewClient(cfg.Sandbox.URL, cfg.Sandbox.Token, cfg.Sandbox.Timeout)
	a.sandbox.SetBreaker(resilience.NewBreaker("sandbox", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	a.sandbox.SetHTTPClient(relayotel.HTTPClient(&http.Client{Timeout: cfg.Sandbox.Timeout}))

	a.topics = service.NewTopicService(store, topicCache, cfg.Cache.L1TTL)
	a.dispatcher = service.NewDispatcherService(store, a.topics, queue, cfg.Dispatcher, cfg.Compensation)
	a.tasks = service.NewTaskService(store, a.topics, a.dispatcher, a.sandbox, sandboxCache, cfg.Cache.L1TTL)
	a.messages = service.NewMessageService(store, a.topics, queue, cfg.Delivery, cfg.Compensation.MessageProcessingTimeout)
	a.compensation = service.NewCompensationService(store, a.dispatcher, a.tasks, a.messages, cfg.Compensation)
	a.files = service.NewFileService(store, cfg.Files)
	a.forks = service.NewForkService(store, cfg.Fork)
	a.engine = service.NewEngine(queue, a.dispatcher, a.tasks, a.compensation, a.messages, cfg.Dispatcher.MaxConcurrent)
	return a, nil
}

// connectBroker opens the configured broker. The NATS queue is also
// returned on its own so its JetStream KV can back the L2 cache.
func connectBroker(ctx context.Context, cfg *config.Config) (messagequeue.Queue, *nats.Queue, error) {
	switch cfg.Broker.Kind {
	case "kafka":
		q, err := kafka.Connect(ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		return q, nil, nil
	case "nats", "":
		q, err := nats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

// newCache builds a ristretto L1, tiered over a NATS KV bucket when one is
// named and NATS is the broker.
func (a *app) newCache(ctx context.Context, nq *nats.Queue, bucket string) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	a.closers = append(a.closers, l1.Close)

	if bucket == "" || nq == nil {
		return l1, nil
	}
	kv, err := nq.KeyValue(ctx, bucket, a.cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("l2 cache: %w", err)
	}
	slog.Info("l2 cache enabled", "bucket", bucket)
	return tiered.New(l1, natskv.New(kv), a.cfg.Cache.L1TTL), nil
}

// setMetrics attaches m to every service that records measurements.
func (a *app) setMetrics(m *relayotel.Metrics) {
	a.dispatcher.SetMetrics(m)
	a.tasks.SetMetrics(m)
	a.messages.SetMetrics(m)
	a.compensation.SetMetrics(m)
	a.forks.SetMetrics(m)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for _, c := range slices.Backward(a.closers) {
		c()
	}
	a.closers = nil
}
