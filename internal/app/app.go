package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/cleanup"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/dispatcher"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/result"
	"github.com/shaiso/Conveyor/internal/tasks"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

// App — экземпляр движка: реестр задач, брокер, хранилище и диспетчер,
// собранные из одной config.Config.
//
// Глобального состояния нет: несколько App в одном процессе независимы.
type App struct {
	cfg config.Config

	registry   *tasks.Registry
	broker     broker.Broker
	store      backend.Store
	dispatcher *dispatcher.Dispatcher

	prometheus *prometheus.Registry
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Options — необязательные зависимости App.
type Options struct {
	// Tasks — реестр задач. Если nil — демонстрационные задачи и http.
	Tasks *tasks.Registry

	// Prometheus — реестр метрик. Если nil — собственный реестр App
	// с Go- и process-коллекторами.
	Prometheus *prometheus.Registry

	// HTTPClient — клиент задачи http (default: http.DefaultClient).
	HTTPClient *http.Client

	Logger *slog.Logger
}

// New подключается к брокеру и хранилищу по cfg.
//
// Для postgres:// применяются встроенные миграции.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := opts.Tasks
	if registry == nil {
		registry = tasks.NewRegistry()
		if err := tasks.RegisterDemo(registry); err != nil {
			return nil, fmt.Errorf("register demo tasks: %w", err)
		}
		if err := tasks.RegisterHTTP(registry, opts.HTTPClient, tasks.Policy{}); err != nil {
			return nil, fmt.Errorf("register http task: %w", err)
		}
	}

	promReg := opts.Prometheus
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := telemetry.NewMetrics(promReg)

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	b, err := OpenBroker(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	routes := make([]dispatcher.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, dispatcher.Route{Pattern: r.Pattern, Queue: r.Queue})
	}

	d := dispatcher.New(dispatcher.Config{
		Broker:       b,
		Store:        store,
		Registry:     registry,
		DefaultQueue: cfg.DefaultQueue,
		ChordPolicy:  cfg.ChordPolicy,
		Routes:       routes,
		Metrics:      metrics,
		Logger:       logger,
	})

	return &App{
		cfg:        cfg,
		registry:   registry,
		broker:     b,
		store:      store,
		dispatcher: d,
		prometheus: promReg,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// OpenStore открывает хранилище результатов по cfg.BackendURL.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Store, error) {
	scheme, err := config.Scheme(cfg.BackendURL)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case config.SchemeMemory:
		return backend.NewMemory(), nil

	case config.SchemeRedis, config.SchemeRediss:
		store, err := backend.NewRedis(ctx, backend.RedisConfig{
			URL:    cfg.BackendURL,
			TTL:    cfg.ResultExpires,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		return store, nil

	case config.SchemePostgres, config.SchemePostgreSQL:
		store, err := backend.NewPostgres(ctx, backend.PostgresConfig{URL: cfg.BackendURL, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres backend: %w", err)
		}
		logger.Info("database connected")
		return store, nil
	}
	return nil, fmt.Errorf("backend: %w: %s", config.ErrUnsupportedScheme, scheme)
}

// OpenBroker подключается к брокеру по cfg.BrokerURL.
func OpenBroker(cfg config.Config, logger *slog.Logger) (broker.Broker, error) {
	scheme, err := config.Scheme(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case config.SchemeMemory:
		return broker.NewMemory(), nil
	case config.SchemeAMQP, config.SchemeAMQPS:
		b, err := mq.Dial(cfg.BrokerURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("broker: %w: %s", config.ErrUnsupportedScheme, scheme)
}

// Config возвращает конфигурацию App.
func (a *App) Config() config.Config { return a.cfg }

// Tasks возвращает реестр задач.
func (a *App) Tasks() *tasks.Registry { return a.registry }

// Broker возвращает брокер.
func (a *App) Broker() broker.Broker { return a.broker }

// Store возвращает хранилище результатов.
func (a *App) Store() backend.Store { return a.store }

// Dispatcher возвращает диспетчер.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Gatherer возвращает реестр метрик для /metrics.
func (a *App) Gatherer() prometheus.Gatherer { return a.prometheus }

// Submit отправляет граф и возвращает результат его терминального invocation.
func (a *App) Submit(ctx context.Context, node canvas.Node, opts ...dispatcher.SubmitOption) (*result.AsyncResult, error) {
	id, err := a.dispatcher.Submit(ctx, node, opts...)
	if err != nil {
		if id != "" {
			// Записи уже переведены в FAILURE, результат можно прочитать.
			return a.AsyncResult(id), err
		}
		return nil, err
	}
	return a.AsyncResult(id), nil
}

// AsyncResult возвращает handle результата по id.
func (a *App) AsyncResult(id string) *result.AsyncResult {
	return result.New(a.store, id)
}

// RestoreGroup восстанавливает результат группы по её id.
func (a *App) RestoreGroup(ctx context.Context, id string) (*result.GroupResult, error) {
	return result.RestoreGroup(ctx, a.store, id)
}

// Revoke отменяет invocation или все члены группы.
func (a *App) Revoke(ctx context.Context, id string) ([]string, error) {
	return a.dispatcher.Revoke(ctx, id)
}

// Freeze присваивает id графу без отправки и возвращает его дерево.
func (a *App) Freeze(node canvas.Node) canvas.Description {
	node = canvas.Normalize(node)
	canvas.Freeze(node)
	return canvas.Describe(node)
}

// ParseWorkflow разбирает JSON-описание графа, проверяя имена задач по реестру.
func (a *App) ParseWorkflow(data []byte) (canvas.Node, error) {
	return canvas.ParseWorkflow(data, a.registry.Names())
}

// Purge удаляет записи, завершённые раньше olderThan назад.
func (a *App) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	return a.store.Purge(ctx, time.Now().Add(-olderThan))
}

// NewWorker создаёт воркер поверх компонентов App.
// Пустой id генерируется worker.NewID.
func (a *App) NewWorker(id string) (*worker.Worker, error) {
	queues := make([]worker.Queue, 0, len(a.cfg.Queues))
	for _, q := range a.cfg.Queues {
		queues = append(queues, worker.Queue{Name: q.Name, Concurrency: q.Concurrency})
	}

	return worker.New(worker.Config{
		Broker:     a.broker,
		Store:      a.store,
		Registry:   a.registry,
		Dispatcher: a.dispatcher,
		Queues:     queues,
		ID:         id,
		RevokePoll: a.cfg.RevokePoll,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
}

// NewCleaner создаёт очистку результатов по расписанию из конфигурации.
func (a *App) NewCleaner() (*cleanup.Cleaner, error) {
	return cleanup.New(cleanup.Config{
		Store:    a.store,
		Expires:  a.cfg.ResultExpires,
		Schedule: a.cfg.CleanupSchedule,
		Logger:   a.logger,
	})
}

// Checks возвращает проверки готовности для /readyz.
func (a *App) Checks() map[string]telemetry.Check {
	checks := map[string]telemetry.Check{
		"backend": a.store.Ping,
	}
	if h, ok := a.broker.(interface{ Healthy(context.Context) error }); ok {
		checks["broker"] = h.Healthy
	}
	return checks
}

// Close закрывает брокер и хранилище.
func (a *App) Close() error {
	return errors.Join(a.broker.Close(), a.store.Close())
}
