package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Replace заменяет выполняющийся invocation графом node.
//
// Терминал node получает продолжение заменённого invocation как зеркало;
// запись заменённого возвращается в PENDING с forward_to на терминал.
// Результат заменённого появится, когда завершится терминал.
// owner — воркер, владеющий STARTED.
func (d *Dispatcher) Replace(ctx context.Context, msg *broker.Message, node canvas.Node, owner string) (string, error) {
	if node == nil {
		return "", ErrEmptyWorkflow
	}
	node = canvas.SingleTerminal(canvas.Normalize(node))
	terminal := canvas.Freeze(node)

	t := canvas.Terminal(node)
	if t == nil {
		return "", ErrEmptyWorkflow
	}
	t.Mirrors = append(t.Mirrors, msg.Continuation())

	rec, err := d.store.Transition(ctx, msg.ID, domain.Transition{
		From:      []domain.State{domain.StateStarted},
		Owner:     owner,
		To:        domain.StatePending,
		ForwardTo: domain.StringPtr(terminal),
	})
	if errors.Is(err, backend.ErrInvalidState) {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReplaceable, msg.ID, recordState(rec))
	}
	if err != nil {
		return "", fmt.Errorf("forward %s: %w", msg.ID, err)
	}

	d.logger.Info("invocation replaced",
		"invocation_id", msg.ID,
		"task", msg.Task,
		"forward_to", terminal,
	)

	if _, err := d.submit(ctx, node, &submission{root: rec.RootID}); err != nil {
		// Граф не отправлен: заменённый invocation завершается ошибкой сам.
		cause := domain.NewTaskError(domain.ErrorBrokerUnavailable, err.Error())
		failed, ferr := d.store.Transition(ctx, msg.ID, domain.Transition{
			From:  []domain.State{domain.StatePending},
			To:    domain.StateFailure,
			Error: cause,
		})
		if ferr == nil {
			ferr = d.Complete(ctx, OutcomeOf(failed), msg.Continuation())
		}
		return "", errors.Join(err, ferr)
	}
	return terminal, nil
}

// Revoke отменяет invocation или группу и возвращает id отменённых записей.
//
// Для группы отменяются все её invocation'ы, включая ранние этапы
// цепочек-членов. Отмена терминальной записи — no-op. Для записи, заменившей себя графом,
// отменяется цель forward_to; зеркало перенесёт REVOKED обратно.
// Выполняющийся invocation останавливается воркером кооперативно.
func (d *Dispatcher) Revoke(ctx context.Context, id string) ([]string, error) {
	var revoked []string
	err := d.revoke(ctx, id, &revoked, make(map[string]struct{}))
	return revoked, err
}

func (d *Dispatcher) revoke(ctx context.Context, id string, revoked *[]string, seen map[string]struct{}) error {
	if _, ok := seen[id]; ok {
		return nil
	}
	seen[id] = struct{}{}

	if g, err := d.store.GetGroup(ctx, id); err == nil {
		var errs []error
		// Сначала все invocation'ы членов по порядку, чтобы ранние этапы
		// цепочек не успели запуститься; затем терминалы (вложенные группы).
		for _, member := range g.Members {
			if err := d.revoke(ctx, member, revoked, seen); err != nil && !errors.Is(err, backend.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		for _, child := range g.Children {
			errs = append(errs, d.revoke(ctx, child, revoked, seen))
		}
		return errors.Join(errs...)
	} else if !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("revoke %s: %w", id, err)
	}

	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}
	if rec.IsForwarded() {
		return d.revoke(ctx, rec.ForwardTo, revoked, seen)
	}

	_, err = d.store.Transition(ctx, id, domain.Transition{
		To:    domain.StateRevoked,
		Error: domain.RevokedError(),
	})
	if errors.Is(err, backend.ErrInvalidState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke %s: %w", id, err)
	}

	d.logger.Info("invocation revoked", "invocation_id", id, "task", rec.Task)
	*revoked = append(*revoked, id)
	return nil
}
