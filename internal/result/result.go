package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Default configuration values.
const (
	defaultPollInterval = 50 * time.Millisecond
	maxForwardDepth     = 64
)

// Status — снимок состояния invocation или группы.
type Status struct {
	ID     string            `json:"id"`
	State  domain.State      `json:"state"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Error  *domain.TaskError `json:"error,omitempty"`
	DoneAt *time.Time        `json:"done_at,omitempty"`

	// ForwardTo — терминал замены, через который разрешён результат.
	ForwardTo string `json:"forward_to,omitempty"`
}

// Ready — состояние терминальное.
func (s *Status) Ready() bool {
	return s.State.IsTerminal()
}

// Err возвращает ошибку терминального неуспешного состояния.
func (s *Status) Err() error {
	if s.State == domain.StateSuccess || !s.State.IsTerminal() {
		return nil
	}
	if s.Error != nil {
		return s.Error
	}
	return domain.NewTaskError(domain.ErrorHandler, fmt.Sprintf("%s finished with %s", s.ID, s.State))
}

// AsyncResult — ссылка на результат по id.
type AsyncResult struct {
	ID string

	// PollInterval — интервал опроса в Get. По умолчанию 50ms.
	PollInterval time.Duration

	store backend.Store
}

// New создаёт AsyncResult для id.
func New(store backend.Store, id string) *AsyncResult {
	return &AsyncResult{ID: id, PollInterval: defaultPollInterval, store: store}
}

// Status возвращает текущее состояние без ожидания.
//
// Для записи с forward_to возвращается состояние терминала замены
// (транзитивно); пока записи цели нет, состояние остаётся PENDING. Для id группы — агрегированное состояние детей.
func (r *AsyncResult) Status(ctx context.Context) (*Status, error) {
	rec, err := r.store.Get(ctx, r.ID)
	if errors.Is(err, backend.ErrNotFound) {
		g, gerr := r.store.GetGroup(ctx, r.ID)
		if gerr != nil {
			if errors.Is(gerr, backend.ErrNotFound) {
				return nil, err
			}
			return nil, gerr
		}
		return r.groupStatus(ctx, g)
	}
	if err != nil {
		return nil, err
	}

	st := statusOf(rec)
	seen := map[string]struct{}{rec.ID: {}}
	for depth := 0; rec.IsForwarded(); depth++ {
		target := rec.ForwardTo
		if _, loop := seen[target]; loop || depth >= maxForwardDepth {
			return nil, fmt.Errorf("%w: %s", ErrForwardLoop, r.ID)
		}
		seen[target] = struct{}{}

		next, err := r.store.Get(ctx, target)
		if errors.Is(err, backend.ErrNotFound) {
			// Граф замены ещё отправляется: записи цели появятся следом.
			st.ID = r.ID
			st.ForwardTo = target
			return st, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve forward %s -> %s: %w", r.ID, target, err)
		}
		rec = next
		st = statusOf(rec)
		st.ID = r.ID
		st.ForwardTo = target
	}
	return st, nil
}

// Ready проверяет, готов ли результат.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Ready(), nil
}

// Get ждёт терминального состояния и возвращает значение.
//
// FAILURE и REVOKED возвращаются как *domain.TaskError.
// timeout <= 0 — ждать до отмены ctx. По истечении timeout — ErrTimeout.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	st, err := r.Wait(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	return st.Value, nil
}

// Wait ждёт терминального состояния и возвращает его.
func (r *AsyncResult) Wait(ctx context.Context, timeout time.Duration) (*Status, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := r.Status(ctx)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			if ctx.Err() == nil {
				return nil, err
			}
		}
		if err == nil && st.Ready() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, r.ID, timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Parents возвращает предков по parent_id, начиная с ближайшего.
func (r *AsyncResult) Parents(ctx context.Context) ([]*domain.Record, error) {
	rec, err := r.store.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	var out []*domain.Record
	seen := map[string]struct{}{rec.ID: {}}
	for rec.ParentID != "" {
		if _, loop := seen[rec.ParentID]; loop {
			break
		}
		seen[rec.ParentID] = struct{}{}

		parent, err := r.store.Get(ctx, rec.ParentID)
		if errors.Is(err, backend.ErrNotFound) {
			// Родитель chord — группа, а не invocation.
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		rec = parent
	}
	return out, nil
}

// --- Helpers ---

func statusOf(rec *domain.Record) *Status {
	return &Status{
		ID:     rec.ID,
		State:  rec.State,
		Value:  rec.Value,
		Error:  rec.Error,
		DoneAt: rec.DoneAt,
	}
}
