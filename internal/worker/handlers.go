package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/dispatcher"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/tasks"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// handle обрабатывает одну доставку и подтверждает её согласно ack mode.
func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message()
	logger := telemetry.WithInvocationID(telemetry.WithTaskID(w.logger, msg.Task), msg.ID)
	w.metrics.Received(msg.Task, msg.Queue)

	def, resolveErr := w.registry.Resolve(msg.Task)
	mode := domain.AckLate
	if resolveErr == nil {
		mode = def.Policy.AckMode
	}
	if mode == domain.AckEarly {
		settle(d, false, logger)
	}

	requeue := w.process(ctx, d, msg, def, resolveErr, logger)
	if mode == domain.AckLate {
		settle(d, requeue, logger)
	}
}

// process проводит сообщение через жизненный цикл invocation.
// Возвращает true, если сообщение нужно вернуть в очередь.
func (w *Worker) process(ctx context.Context, d broker.Delivery, msg *broker.Message, def *tasks.Definition, resolveErr error, logger *slog.Logger) bool {
	rec, err := w.store.Get(ctx, msg.ID)
	if errors.Is(err, backend.ErrNotFound) {
		rec, err = w.adopt(ctx, msg)
	}
	if err != nil {
		logger.Error("failed to load record", "error", err)
		return true
	}

	switch {
	case rec.IsFinished():
		w.replay(ctx, msg, rec, logger)
		return false
	case rec.IsForwarded():
		logger.Debug("invocation already replaced", "forward_to", rec.ForwardTo)
		return false
	case rec.State == domain.StateStarted && !d.Redelivered():
		logger.Info("invocation already started, skipping", "owner", rec.Worker)
		w.metrics.Duplicate(msg.Task)
		return false
	}

	if resolveErr != nil {
		logger.Error("unknown task", "error", resolveErr)
		cause := domain.NewTaskError(domain.ErrorUnknownTask, resolveErr.Error())
		failed, err := w.store.Transition(ctx, msg.ID, domain.Transition{
			To:    domain.StateFailure,
			Error: cause,
		})
		return w.finish(ctx, msg, failed, err, 0, logger)
	}

	if !waitETA(ctx, msg.ETA) {
		logger.Info("stopped while waiting for eta")
		return true
	}

	start := domain.Transition{
		From:    []domain.State{domain.StatePending, domain.StateRetry},
		To:      domain.StateStarted,
		Worker:  domain.StringPtr(w.id),
		Retries: domain.IntPtr(msg.Retries),
		Queue:   domain.StringPtr(msg.Queue),
	}
	takeover := rec.State == domain.StateStarted
	if takeover {
		start.From = []domain.State{domain.StateStarted}
		start.Owner = rec.Worker
	}
	if args, err := json.Marshal(msg.Args); err == nil {
		start.Args = args
	}
	if len(msg.Kwargs) > 0 {
		if kwargs, err := json.Marshal(msg.Kwargs); err == nil {
			start.Kwargs = kwargs
		}
	}

	started, err := w.store.Transition(ctx, msg.ID, start)
	if errors.Is(err, backend.ErrInvalidState) {
		if started != nil && started.IsFinished() {
			w.replay(ctx, msg, started, logger)
		} else {
			logger.Info("invocation claimed by another worker", "state", stateOf(started))
			w.metrics.Duplicate(msg.Task)
		}
		return false
	}
	if err != nil {
		logger.Error("failed to start invocation", "error", err)
		return true
	}
	if takeover {
		logger.Warn("took over invocation after redelivery", "previous_owner", rec.Worker)
	}

	return w.execute(ctx, msg, def, logger)
}

// execute запускает обработчик и записывает исход.
func (w *Worker) execute(ctx context.Context, msg *broker.Message, def *tasks.Definition, logger *slog.Logger) bool {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if def.Policy.TimeLimit > 0 {
		var cancelLimit context.CancelFunc
		runCtx, cancelLimit = context.WithTimeoutCause(runCtx, def.Policy.TimeLimit, ErrTimeLimit)
		defer cancelLimit()
	}

	var revoked atomic.Bool
	stopWatch := w.watchRevoke(runCtx, msg.ID, &revoked, cancel)

	call := &tasks.Call{
		ID:      msg.ID,
		Task:    msg.Task,
		Args:    msg.Args,
		Kwargs:  msg.Kwargs,
		Retries: msg.Retries,
		Queue:   msg.Queue,
		Policy:  def.Policy,
		Logger:  logger,
	}
	call.Bind(w)

	logger.Info("task started", "retries", msg.Retries)
	startedAt := time.Now()
	value, herr := invoke(runCtx, def.Handler, call)
	elapsed := time.Since(startedAt)
	stopWatch()

	var replacement *tasks.Replacement
	switch {
	case revoked.Load():
		return w.revoked(ctx, msg, elapsed, logger)

	case herr != nil && errors.Is(context.Cause(runCtx), ErrTimeLimit):
		cause := domain.NewTaskError(domain.ErrorTimeLimit,
			fmt.Sprintf("time limit %s exceeded", def.Policy.TimeLimit))
		return w.fail(ctx, msg, cause, elapsed, logger)

	case herr != nil && ctx.Err() != nil:
		// Остановка воркера: запись остаётся STARTED, redelivery перехватит её.
		logger.Warn("task interrupted by shutdown", "error", herr)
		return true

	case errors.As(herr, &replacement):
		return w.replace(ctx, msg, replacement, logger)

	case herr == nil:
		data, err := json.Marshal(value)
		if err != nil {
			cause := domain.NewTaskError(domain.ErrorHandler,
				fmt.Sprintf("%v: %v", ErrResultNotSerializable, err))
			return w.fail(ctx, msg, cause, elapsed, logger)
		}
		rec, err := w.store.Transition(ctx, msg.ID, domain.Transition{
			From:  []domain.State{domain.StateStarted},
			Owner: w.id,
			To:    domain.StateSuccess,
			Value: data,
		})
		return w.finish(ctx, msg, rec, err, elapsed, logger)

	default:
		return w.retryOrFail(ctx, msg, def, herr, elapsed, logger)
	}
}

// retryOrFail планирует повтор, если политика позволяет, иначе пишет FAILURE.
//
// Явный Call.Retry без MaxRetries в политике допускает defaultExplicitRetries
// повторов. Permanent-ошибки не повторяются.
func (w *Worker) retryOrFail(ctx context.Context, msg *broker.Message, def *tasks.Definition, herr error, elapsed time.Duration, logger *slog.Logger) bool {
	policy := def.Policy.Retry
	var request *tasks.RetryRequest
	explicit := errors.As(herr, &request)
	if explicit && policy.MaxRetries == 0 {
		policy.MaxRetries = defaultExplicitRetries
	}

	cause := domain.NewTaskError(domain.ErrorHandler, herr.Error())
	if tasks.IsPermanent(herr) || !policy.CanRetry(msg.Retries) {
		return w.fail(ctx, msg, cause, elapsed, logger)
	}

	delay := policy.Delay(msg.Retries + 1)
	if explicit && request.Countdown > 0 {
		delay = request.Countdown
	}
	retries := msg.Retries + 1

	rec, err := w.store.Transition(ctx, msg.ID, domain.Transition{
		From:    []domain.State{domain.StateStarted},
		Owner:   w.id,
		To:      domain.StateRetry,
		Error:   cause,
		Retries: domain.IntPtr(retries),
	})
	if err != nil {
		return w.finish(ctx, msg, rec, err, elapsed, logger)
	}

	now := time.Now().UTC()
	eta := now.Add(delay)
	next := msg.Clone()
	next.Retries = retries
	next.ETA = &eta
	next.SentAt = now

	if err := w.dispatcher.Publish(ctx, next); err != nil {
		logger.Error("failed to publish retry", "error", err)
		failed, ferr := w.store.Transition(ctx, msg.ID, domain.Transition{
			From:  []domain.State{domain.StateRetry},
			To:    domain.StateFailure,
			Error: domain.NewTaskError(domain.ErrorBrokerUnavailable, err.Error()),
		})
		return w.finish(ctx, msg, failed, ferr, elapsed, logger)
	}

	w.metrics.Retried(msg.Task)
	logger.Warn("task failed, retry scheduled",
		"retries", retries,
		"delay", delay,
		"error", herr,
	)
	return false
}

// fail пишет FAILURE с cause для invocation, которым владеет воркер.
func (w *Worker) fail(ctx context.Context, msg *broker.Message, cause *domain.TaskError, elapsed time.Duration, logger *slog.Logger) bool {
	rec, err := w.store.Transition(ctx, msg.ID, domain.Transition{
		From:  []domain.State{domain.StateStarted},
		Owner: w.id,
		To:    domain.StateFailure,
		Error: cause,
	})
	return w.finish(ctx, msg, rec, err, elapsed, logger)
}

// finish обрабатывает результат терминального перехода и продвигает граф.
//
// ErrInvalidState означает, что запись изменилась без участия воркера
// (отмена или перехват); если она терминальна, продолжение выполняется
// по сохранённому исходу.
func (w *Worker) finish(ctx context.Context, msg *broker.Message, rec *domain.Record, err error, elapsed time.Duration, logger *slog.Logger) bool {
	if errors.Is(err, backend.ErrInvalidState) {
		if rec != nil && rec.IsFinished() {
			logger.Info("invocation finished elsewhere", "state", rec.State)
			w.complete(ctx, msg, rec, logger)
		} else {
			logger.Warn("invocation ownership lost", "state", stateOf(rec), "owner", ownerOf(rec))
		}
		return false
	}
	if err != nil {
		logger.Error("failed to store result", "error", err)
		return true
	}

	w.metrics.Finished(msg.Task, string(rec.State), elapsed)
	if rec.State == domain.StateSuccess {
		logger.Info("task succeeded", "duration", elapsed)
	} else {
		logger.Warn("task failed", "state", rec.State, "error", rec.Error, "duration", elapsed)
	}

	w.complete(ctx, msg, rec, logger)
	return false
}

// replace передаёт замену диспетчеру.
func (w *Worker) replace(ctx context.Context, msg *broker.Message, r *tasks.Replacement, logger *slog.Logger) bool {
	terminal, err := w.dispatcher.Replace(ctx, msg, r.Node, w.id)
	if err != nil {
		logger.Error("failed to replace invocation", "error", err)
		// Если запись всё ещё наша, замена не началась.
		cause := domain.NewTaskError(domain.ErrorHandler, fmt.Sprintf("replace: %v", err))
		return w.fail(ctx, msg, cause, 0, logger)
	}

	w.metrics.Replaced(msg.Task)
	logger.Info("task replaced", "forward_to", terminal)
	return false
}

// revoked завершает invocation, отменённый во время выполнения.
func (w *Worker) revoked(ctx context.Context, msg *broker.Message, elapsed time.Duration, logger *slog.Logger) bool {
	rec, err := w.store.Get(ctx, msg.ID)
	if err != nil {
		logger.Error("failed to load revoked record", "error", err)
		return true
	}
	w.metrics.Finished(msg.Task, string(rec.State), elapsed)
	logger.Info("task revoked during execution", "duration", elapsed)
	w.complete(ctx, msg, rec, logger)
	return false
}

// replay повторяет продолжение уже завершённого invocation.
//
// Так восстанавливается граф, если предыдущий воркер записал результат,
// но не успел вызвать Complete.
func (w *Worker) replay(ctx context.Context, msg *broker.Message, rec *domain.Record, logger *slog.Logger) {
	if rec.State == domain.StateRevoked && rec.StartedAt == nil {
		logger.Info("invocation revoked before execution")
		w.metrics.Finished(msg.Task, string(rec.State), 0)
	} else {
		logger.Info("duplicate delivery, replaying continuation", "state", rec.State)
		w.metrics.Duplicate(msg.Task)
	}
	w.complete(ctx, msg, rec, logger)
}

func (w *Worker) complete(ctx context.Context, msg *broker.Message, rec *domain.Record, logger *slog.Logger) {
	if err := w.dispatcher.Complete(ctx, dispatcher.OutcomeOf(rec), msg.Continuation()); err != nil {
		logger.Error("failed to continue workflow", "error", err)
	}
}

// adopt создаёт PENDING-запись для сообщения, опубликованного без неё.
func (w *Worker) adopt(ctx context.Context, msg *broker.Message) (*domain.Record, error) {
	r := domain.NewPendingRecord(msg.ID, msg.Task)
	r.ParentID = msg.ParentID
	r.RootID = msg.RootID
	if r.RootID == "" {
		r.RootID = msg.ID
	}
	r.GroupID = msg.GroupID
	r.Queue = msg.Queue

	if err := w.store.CreatePending(ctx, []*domain.Record{r}); err != nil {
		return nil, err
	}
	return w.store.Get(ctx, msg.ID)
}

// watchRevoke опрашивает запись и отменяет выполнение после REVOKED.
// Возвращённая функция останавливает опрос и ждёт его завершения.
func (w *Worker) watchRevoke(ctx context.Context, id string, revoked *atomic.Bool, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.revokePoll)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, err := w.store.Get(ctx, id)
				if err == nil && rec.State == domain.StateRevoked {
					revoked.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// --- Helpers ---

// invoke вызывает обработчик, превращая панику в ошибку.
func invoke(ctx context.Context, h tasks.Handler, call *tasks.Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, call)
}

// waitETA ждёт наступления eta. false — ctx отменён раньше.
func waitETA(ctx context.Context, eta *time.Time) bool {
	if eta == nil {
		return true
	}
	d := time.Until(*eta)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func settle(d broker.Delivery, requeue bool, logger *slog.Logger) {
	var err error
	if requeue {
		err = d.Nack(true)
	} else {
		err = d.Ack()
	}
	if err != nil {
		logger.Warn("failed to settle delivery", "requeue", requeue, "error", err)
	}
}

func stateOf(r *domain.Record) domain.State {
	if r == nil {
		return ""
	}
	return r.State
}

func ownerOf(r *domain.Record) string {
	if r == nil {
		return ""
	}
	return r.Worker
}
