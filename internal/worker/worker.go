package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/dispatcher"
	"github.com/shaiso/Conveyor/internal/tasks"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency       = 4
	defaultBlockingSlots     = 1
	defaultRevokePoll        = 500 * time.Millisecond
	defaultWaitPoll          = 100 * time.Millisecond
	defaultExplicitRetries   = 3
	defaultShutdownGrace     = 30 * time.Second
	defaultConsumeBackoff    = time.Second
	defaultConsumeBackoffMax = 30 * time.Second
)

// Queue — очередь и размер её пула.
type Queue struct {
	Name string

	// Concurrency — сколько сообщений очереди выполняется одновременно.
	// Это же значение передаётся брокеру как prefetch.
	Concurrency int
}

// Worker выполняет invocation'ы из очередей брокера.
//
// Каждая очередь обслуживается своим потребителем и своим пулом слотов,
// поэтому блокирующие задачи не занимают слоты очереди по умолчанию.
// Несколько воркеров с разными id могут читать одни и те же очереди.
type Worker struct {
	id string

	broker     broker.Broker
	store      backend.Store
	registry   *tasks.Registry
	dispatcher *dispatcher.Dispatcher
	queues     []Queue

	revokePoll    time.Duration
	waitPoll      time.Duration
	shutdownGrace time.Duration

	metrics *telemetry.Metrics
	logger  *slog.Logger

	inflight atomic.Int64
	running  atomic.Bool
	wg       sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	Broker     broker.Broker
	Store      backend.Store
	Registry   *tasks.Registry
	Dispatcher *dispatcher.Dispatcher

	// Queues — обслуживаемые очереди. Если пусто — очередь по умолчанию
	// диспетчера и очереди всех блокирующих задач.
	Queues []Queue

	// ID — идентификатор воркера (default: worker@<hostname>-<uuid8>).
	ID string

	// RevokePoll — интервал проверки отмены выполняющегося invocation (default: 500ms).
	RevokePoll time.Duration

	// WaitPoll — интервал опроса в Call.Wait (default: 100ms).
	WaitPoll time.Duration

	// ShutdownGrace — сколько ждать выполняющиеся invocation'ы при остановке (default: 30s).
	ShutdownGrace time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Broker == nil || cfg.Store == nil || cfg.Registry == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: broker, store, registry and dispatcher are required", ErrInvalidConfig)
	}

	queues, err := resolveQueues(cfg.Queues, cfg.Dispatcher.DefaultQueue(), cfg.Registry.BlockingQueues())
	if err != nil {
		return nil, err
	}

	id := cfg.ID
	if id == "" {
		id = NewID()
	}

	revokePoll := cfg.RevokePoll
	if revokePoll <= 0 {
		revokePoll = defaultRevokePoll
	}

	waitPoll := cfg.WaitPoll
	if waitPoll <= 0 {
		waitPoll = defaultWaitPoll
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:            id,
		broker:        cfg.Broker,
		store:         cfg.Store,
		registry:      cfg.Registry,
		dispatcher:    cfg.Dispatcher,
		queues:        queues,
		revokePoll:    revokePoll,
		waitPoll:      waitPoll,
		shutdownGrace: grace,
		metrics:       cfg.Metrics,
		logger:        telemetry.WithWorker(logger, id),
	}, nil
}

// NewID генерирует id воркера вида worker@<hostname>-<uuid8>.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("worker@%s-%s", host, uuid.NewString()[:8])
}

// ID возвращает id воркера.
func (w *Worker) ID() string {
	return w.id
}

// Queues возвращает обслуживаемые очереди.
func (w *Worker) Queues() []Queue {
	return append([]Queue(nil), w.queues...)
}

// Inflight возвращает количество выполняющихся сейчас сообщений.
func (w *Worker) Inflight() int {
	return int(w.inflight.Load())
}

// Running сообщает, запущен ли воркер.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run обслуживает очереди до отмены ctx.
//
// После отмены новые сообщения не принимаются; выполняющиеся получают
// ShutdownGrace на завершение, после чего их контекст отменяется.
// Неподтверждённые late-ack сообщения будут доставлены повторно.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	w.registry.Seal()

	// execCtx переживает ctx на время ShutdownGrace.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	names := make([]string, len(w.queues))
	for i, q := range w.queues {
		names[i] = q.Name
	}
	w.logger.Info("starting worker",
		"queues", names,
		"tasks", w.registry.Count(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range w.queues {
		g.Go(func() error {
			return w.consume(gctx, execCtx, q)
		})
	}
	err := g.Wait()

	w.logger.Info("stopping worker...", "inflight", w.Inflight())
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.shutdownGrace):
		w.logger.Warn("shutdown grace expired, cancelling running tasks", "inflight", w.Inflight())
		cancelExec()
		<-done
	}

	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
		return nil
	}
	return err
}

// consume читает очередь, пока ctx не отменён, переподключаясь при ошибках.
func (w *Worker) consume(ctx, execCtx context.Context, q Queue) error {
	slots := make(chan struct{}, q.Concurrency)
	logger := telemetry.WithQueue(w.logger, q.Name)
	backoff := defaultConsumeBackoff

	for {
		err := w.broker.Consume(ctx, q.Name, q.Concurrency, func(_ context.Context, d broker.Delivery) {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// Сообщение вернётся в очередь при переподключении.
				_ = d.Nack(true)
				return
			}

			w.wg.Add(1)
			w.inflight.Add(1)
			go func() {
				defer func() {
					w.inflight.Add(-1)
					<-slots
					w.wg.Done()
				}()
				w.handle(execCtx, d)
			}()
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, broker.ErrClosed) {
			return err
		}

		logger.Warn("consumer stopped, restarting", "error", err, "delay", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, defaultConsumeBackoffMax)
	}
}

// resolveQueues проверяет список очередей и дополняет его значениями по умолчанию.
func resolveQueues(in []Queue, defaultQueue string, blocking []string) ([]Queue, error) {
	if len(in) == 0 {
		in = []Queue{{Name: defaultQueue, Concurrency: defaultConcurrency}}
		for _, name := range blocking {
			if name != defaultQueue {
				in = append(in, Queue{Name: name, Concurrency: defaultBlockingSlots})
			}
		}
	}

	seen := make(map[string]bool, len(in))
	out := make([]Queue, 0, len(in))
	for _, q := range in {
		if q.Name == "" {
			return nil, fmt.Errorf("%w: empty queue name", ErrInvalidConfig)
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("%w: duplicate queue %s", ErrInvalidConfig, q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency <= 0 {
			q.Concurrency = defaultConcurrency
		}
		out = append(out, q)
	}

	for _, name := range blocking {
		if name == defaultQueue {
			return nil, fmt.Errorf("%w: blocking queue %s is the default queue", ErrInvalidConfig, name)
		}
	}
	return out, nil
}
