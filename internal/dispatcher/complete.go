package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Outcome — терминальный исход invocation.
type Outcome struct {
	ID     string
	RootID string
	State  domain.State
	Value  json.RawMessage
	Error  *domain.TaskError
}

// OutcomeOf строит Outcome из терминальной записи.
func OutcomeOf(r *domain.Record) Outcome {
	return Outcome{
		ID:     r.ID,
		RootID: r.RootID,
		State:  r.State,
		Value:  r.Value,
		Error:  r.Error,
	}
}

// Complete продвигает граф после терминального перехода invocation.
//
//  1. SUCCESS и link — link запускается с результатом первым аргументом.
//  2. FAILURE/REVOKED и link — все листья link получают FAILURE (ChainAborted).
//  3. Член chord — часть записывается атомарно; последняя часть запускает body.
//  4. Mirrors — исход зеркалится в заменённые invocation'ы, затем
//     выполняется их собственное продолжение.
//
// Повторный вызов для того же исхода безопасен: части chord не
// засчитываются дважды, зеркала и прерывания применяются только к PENDING.
func (d *Dispatcher) Complete(ctx context.Context, out Outcome, cont canvas.Continuation) error {
	var errs []error

	if cont.Link != nil {
		if out.State == domain.StateSuccess {
			sub := &submission{root: out.RootID}
			if err := d.dispatch(ctx, canvas.Prepend(cont.Link, resultValue(out.Value)), nil, sub); err != nil {
				errs = append(errs, d.failLink(ctx, cont.Link, out, err))
			}
		} else {
			cause := domain.NewTaskError(domain.ErrorChainAborted,
				fmt.Sprintf("upstream %s finished with %s", out.ID, out.State), out.ID)
			errs = append(errs, d.abort(ctx, cont.Link, cause))
		}
	}

	if cont.Chord != "" {
		errs = append(errs, d.collect(ctx, cont.Chord, out))
	}

	for _, m := range cont.Mirrors {
		errs = append(errs, d.mirror(ctx, m, out))
	}

	return errors.Join(errs...)
}

// failLink помечает link как неотправленный после ошибки публикации.
func (d *Dispatcher) failLink(ctx context.Context, link canvas.Node, out Outcome, cause error) error {
	d.logger.Error("failed to dispatch continuation",
		"invocation_id", out.ID,
		"error", cause,
	)
	taskErr := domain.NewTaskError(domain.ErrorBrokerUnavailable, cause.Error(), out.ID)
	return errors.Join(cause, d.abort(ctx, link, taskErr))
}

// collect записывает часть chord и запускает body, если часть последняя.
func (d *Dispatcher) collect(ctx context.Context, chordID string, out Outcome) error {
	part := domain.ChordPart{State: out.State, Value: out.Value, Error: out.Error}

	remaining, last, err := d.store.ChordPart(ctx, chordID, out.ID, part)
	switch {
	case errors.Is(err, backend.ErrAlreadyExists):
		d.logger.Debug("chord part already collected", "chord_id", chordID, "invocation_id", out.ID)
		return nil
	case errors.Is(err, backend.ErrNotFound):
		d.logger.Warn("chord not found", "chord_id", chordID, "invocation_id", out.ID)
		return nil
	case err != nil:
		return fmt.Errorf("collect chord part %s/%s: %w", chordID, out.ID, err)
	}

	d.logger.Debug("chord part collected",
		"chord_id", chordID,
		"invocation_id", out.ID,
		"remaining", remaining,
	)
	if !last {
		return nil
	}
	return d.fire(ctx, chordID, out.RootID)
}

// fire запускает body chord по собранным частям.
func (d *Dispatcher) fire(ctx context.Context, chordID, root string) error {
	c, err := d.store.GetChord(ctx, chordID)
	if err != nil {
		return fmt.Errorf("load chord %s: %w", chordID, err)
	}
	body, err := canvas.Unmarshal(c.Body)
	if err != nil {
		return fmt.Errorf("decode chord body %s: %w", chordID, err)
	}
	if body == nil {
		return nil
	}

	if failed := c.Failed(); len(failed) > 0 && c.Policy != domain.ChordPolicyPropagate {
		d.metrics.ChordFired("failed")
		first := c.Parts[failed[0]]
		reason := string(first.State)
		if first.Error != nil {
			reason = first.Error.Error()
		}
		cause := domain.NewTaskError(domain.ErrorChord,
			fmt.Sprintf("dependency %s raised %s", failed[0], reason), failed...)

		d.logger.Info("chord header failed, body not invoked",
			"chord_id", chordID,
			"failed", len(failed),
		)
		return d.abort(ctx, body, cause)
	}

	values := make([]any, len(c.Children))
	for i, id := range c.Children {
		p := c.Parts[id]
		if p.State == domain.StateSuccess {
			values[i] = resultValue(p.Value)
			continue
		}
		values[i] = domain.ErrorMarker{ID: id, State: p.State, Error: p.Error}
	}

	d.metrics.ChordFired("fired")
	d.logger.Debug("chord fired", "chord_id", chordID, "parts", len(values))

	sub := &submission{root: root}
	if err := d.dispatch(ctx, canvas.Prepend(body, values), nil, sub); err != nil {
		return d.failLink(ctx, body, Outcome{ID: chordID, RootID: root}, err)
	}
	return nil
}

// mirror переносит исход в заменённый invocation и выполняет его продолжение.
func (d *Dispatcher) mirror(ctx context.Context, m canvas.Continuation, out Outcome) error {
	rec, err := d.store.Transition(ctx, m.ID, domain.Transition{
		From:  []domain.State{domain.StatePending},
		To:    out.State,
		Value: out.Value,
		Error: out.Error,
	})
	switch {
	case errors.Is(err, backend.ErrNotFound):
		d.logger.Warn("mirrored record not found", "invocation_id", m.ID)
		return nil
	case errors.Is(err, backend.ErrInvalidState):
		if rec == nil || !rec.State.IsTerminal() {
			d.logger.Warn("mirrored record in unexpected state", "invocation_id", m.ID, "state", recordState(rec))
			return nil
		}
		// Уже зеркалирован: повторяем продолжение с сохранённым исходом.
		return d.Complete(ctx, OutcomeOf(rec), m)
	case err != nil:
		return fmt.Errorf("mirror %s -> %s: %w", out.ID, m.ID, err)
	}

	d.metrics.Finished(rec.Task, string(rec.State), 0)
	mirrored := OutcomeOf(rec)
	return d.Complete(ctx, mirrored, m)
}

// abort переводит все PENDING-листья узла в FAILURE с cause и выполняет
// их продолжения (части chord, зеркала). Уже запущенные листья не меняются.
func (d *Dispatcher) abort(ctx context.Context, n canvas.Node, cause *domain.TaskError) error {
	var errs []error
	for _, leaf := range canvas.Leaves(n) {
		rec, err := d.store.Transition(ctx, leaf.ID, domain.Transition{
			From:  []domain.State{domain.StatePending},
			To:    domain.StateFailure,
			Error: cause,
		})
		if errors.Is(err, backend.ErrInvalidState) || errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", leaf.ID, err))
			continue
		}

		d.metrics.Finished(leaf.Task, string(domain.StateFailure), 0)
		d.logger.Debug("invocation aborted",
			"invocation_id", leaf.ID,
			"task", leaf.Task,
			"reason", cause.Type,
		)

		cont := canvas.Continuation{ID: leaf.ID, Link: leaf.Link, Chord: leaf.Chord, Mirrors: leaf.Mirrors}
		errs = append(errs, d.Complete(ctx, OutcomeOf(rec), cont))
	}
	return errors.Join(errs...)
}

// resultValue передаёт сохранённый JSON как есть; пустой результат — null.
func resultValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func recordState(r *domain.Record) string {
	if r == nil {
		return ""
	}
	return string(r.State)
}
