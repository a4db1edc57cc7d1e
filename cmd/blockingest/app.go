package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"blockingest/internal/application"
	"blockingest/internal/chain"
	"blockingest/internal/config"
	"blockingest/internal/domain"
	badgercheckpoint "blockingest/internal/infrastructure/badger"
	"blockingest/internal/infrastructure/ethclient"
	"blockingest/internal/infrastructure/ethrpc"
	"blockingest/internal/infrastructure/kafka"
	"blockingest/internal/infrastructure/logging"
	redischeckpoint "blockingest/internal/infrastructure/redis"
	"blockingest/internal/infrastructure/storage"
	"blockingest/internal/infrastructure/telemetry"
	"blockingest/internal/interfaces/httpapi"
	"blockingest/internal/streaming"
)

const (
	brokerWaitTimeout = time.Minute
	replicationFactor = 1
)

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *httpapi.Metrics
	supervisor *application.Supervisor
	closers    []func() error
}

func newApp(ctx context.Context, chainFile, service string) (*app, error) {
	cfg, err := config.LoadFromEnv(chainFile)
	if err != nil {
		return nil, err
	}
	logCloser, err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Service:    service,
		Version:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a := &app{cfg: cfg, logger: slog.Default()}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser.Close)
	}

	shutdownTracing, err := telemetry.InitTracer(ctx, service, version, cfg.OtelEndpoint)
	if err != nil {
		a.logger.Warn("tracing disabled", "error", err)
	} else {
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTracing(ctx)
		})
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics, err = httpapi.NewMetrics(a.registry)
	if err != nil {
		a.close()
		return nil, err
	}
	a.supervisor = application.NewSupervisor(a.logger, a.metrics, a.restartPolicy())
	a.logger.Info("starting", "service", service, "version", version, "commit", commit,
		"chains", len(cfg.Chains), "run_id", a.supervisor.ID())
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) fetchPolicy() application.RetryPolicy {
	return application.RetryPolicy{
		MaxAttempts:     a.cfg.Retry.FetchAttempts,
		InitialInterval: a.cfg.Retry.InitialInterval,
		MaxInterval:     a.cfg.Retry.MaxInterval,
	}
}

func (a *app) publishPolicy() application.RetryPolicy {
	return application.RetryPolicy{
		MaxAttempts:     a.cfg.Retry.PublishAttempts,
		InitialInterval: a.cfg.Retry.InitialInterval,
		MaxInterval:     a.cfg.Retry.MaxInterval,
	}
}

func (a *app) restartPolicy() application.RetryPolicy {
	return application.RetryPolicy{
		InitialInterval: a.cfg.Retry.InitialInterval,
		MaxInterval:     a.cfg.Retry.MaxInterval,
	}
}

func (a *app) clientID() string {
	return "blockingest-" + a.supervisor.ID()[:8]
}

func (a *app) tasks() []domain.IngestionTask {
	var tasks []domain.IngestionTask
	for _, c := range a.cfg.Chains {
		tasks = append(tasks, c.Tasks()...)
	}
	return tasks
}

func (a *app) run(ctx context.Context, produce, persist bool) error {
	store, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)

	waitCtx, cancel := context.WithTimeout(ctx, brokerWaitTimeout)
	err = kafka.WaitForBrokers(waitCtx, a.cfg.Kafka.Brokers, a.logger)
	cancel()
	if err != nil {
		return err
	}
	topics := streaming.TopicsForTasks(a.cfg.Kafka.TopicPrefix, a.tasks())
	settings := kafka.TopicSettings{ReplicationFactor: replicationFactor, MaxMessageBytes: a.cfg.Kafka.MaxMessageBytes}
	if err := kafka.EnsureTopics(ctx, a.cfg.Kafka.Brokers, settings, topics...); err != nil {
		return err
	}

	if produce {
		if err := a.addProducers(ctx, store); err != nil {
			return err
		}
	}
	if persist {
		if err := a.addPersisters(store, topics); err != nil {
			return err
		}
	}

	a.serve(ctx, store)
	err = a.supervisor.Run(ctx)
	a.logger.Info("shutdown complete", "run_id", a.supervisor.ID())
	return err
}

func (a *app) addProducers(ctx context.Context, watermark application.WatermarkSource) error {
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:         a.cfg.Kafka.Brokers,
		ClientID:        a.clientID(),
		WriteTimeout:    a.cfg.Kafka.WriteTimeout,
		MaxMessageBytes: a.cfg.Kafka.MaxMessageBytes,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, producer.Close)

	checkpoints, err := a.openCheckpoints(ctx)
	if err != nil {
		return err
	}

	for _, chainCfg := range a.cfg.Chains {
		adapter, err := newAdapter(ctx, chainCfg, a.cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}
		a.closers = append(a.closers, func() error {
			adapter.Close()
			return nil
		})
		for _, task := range chainCfg.Tasks() {
			topic := streaming.TopicForTask(a.cfg.Kafka.TopicPrefix, task)
			logger := logging.ForTask(a.logger, task)
			switch task.Mode {
			case domain.ModeHistorical:
				coordinator, err := application.NewBackfillCoordinator(adapter, producer, checkpoints, a.metrics, logger, application.BackfillConfig{
					Task:    task,
					Topic:   topic,
					Fetch:   a.fetchPolicy(),
					Publish: a.publishPolicy(),
				})
				if err != nil {
					return err
				}
				a.supervisor.Add(task.Name(), coordinator.Run)
			default:
				subscriber, err := application.NewSubscriber(adapter, producer, checkpoints, watermark, a.metrics, logger, application.SubscriberConfig{
					Task:      task,
					Topic:     topic,
					Fetch:     a.fetchPolicy(),
					Publish:   a.publishPolicy(),
					Reconnect: a.restartPolicy(),
				})
				if err != nil {
					return err
				}
				a.supervisor.Add(task.Name(), subscriber.Run)
			}
		}
	}
	return nil
}

func (a *app) addPersisters(store application.RowStore, topics []string) error {
	for _, topic := range topics {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:         a.cfg.Kafka.Brokers,
			GroupID:         persisterGroupID(a.cfg.Kafka.GroupID, topic),
			Topic:           topic,
			ClientID:        a.clientID(),
			MaxMessageBytes: a.cfg.Kafka.MaxMessageBytes,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, consumer.Close)

		persister, err := application.NewPersister(consumer, store, a.metrics, a.logger.With("topic", topic), application.PersisterConfig{
			Topic: topic,
			Retry: a.restartPolicy(),
		})
		if err != nil {
			return err
		}
		a.supervisor.Add("persist/"+topic, persister.Run)
	}
	return nil
}

func persisterGroupID(group, topic string) string {
	return group + "." + topic
}

// openCheckpoints returns nil when no checkpoint backend is configured; the
// realtime path then falls back to the row store watermark.
func (a *app) openCheckpoints(ctx context.Context) (application.CheckpointStore, error) {
	switch a.cfg.Checkpoint.Backend {
	case config.CheckpointRedis:
		store, err := redischeckpoint.NewCheckpointStore(ctx, redischeckpoint.Config{Addr: a.cfg.Checkpoint.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("redis checkpoints: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.CheckpointBadger:
		store, err := badgercheckpoint.Open(a.cfg.Checkpoint.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("badger checkpoints: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, nil
	}
}

func (a *app) serve(ctx context.Context, store httpapi.Pinger) {
	if a.cfg.HTTPAddr == "" {
		return
	}
	server, err := httpapi.NewServer(store, a.supervisor, a.registry, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}, a.logger)
	if err != nil {
		a.logger.Error("ops http server disabled", "error", err)
		return
	}
	go func() {
		if err := server.ListenAndServe(ctx, a.cfg.HTTPAddr); err != nil {
			a.logger.Error("ops http server failed", "error", err)
		}
	}()
}

func (a *app) migrate(ctx context.Context) error {
	store, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema is up to date", "driver", a.cfg.Database.Driver)
	return nil
}

func newAdapter(ctx context.Context, c config.ChainConfig, pollInterval time.Duration) (chain.Adapter, error) {
	switch c.AdapterType {
	case config.AdapterEVM:
		adapter, err := ethclient.New(ctx, ethclient.Config{
			ChainName:    c.Name,
			HTTPURL:      c.HTTPURL,
			WSURL:        c.WSURL,
			PollInterval: pollInterval,
		})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case config.AdapterEVMJSONRPC:
		client, err := ethrpc.NewClient(ethrpc.Config{
			ChainName:    c.Name,
			URL:          c.HTTPURL,
			PollInterval: pollInterval,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("%w: unknown adapter type %q", config.ErrConfig, c.AdapterType)
	}
}
