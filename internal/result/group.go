package result

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/domain"
)

// GroupResult — результаты детей группы в порядке группы.
type GroupResult struct {
	ID       string
	Children []*AsyncResult
}

// RestoreGroup восстанавливает GroupResult по сохранённой записи группы.
func RestoreGroup(ctx context.Context, store backend.Store, id string) (*GroupResult, error) {
	g, err := store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore group %s: %w", id, err)
	}
	gr := &GroupResult{ID: g.ID, Children: make([]*AsyncResult, len(g.Children))}
	for i, child := range g.Children {
		gr.Children[i] = New(store, child)
	}
	return gr, nil
}

// Statuses возвращает состояния детей в порядке группы.
func (g *GroupResult) Statuses(ctx context.Context) ([]*Status, error) {
	out := make([]*Status, len(g.Children))
	for i, child := range g.Children {
		st, err := child.Status(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

// Completed возвращает количество завершённых детей.
func (g *GroupResult) Completed(ctx context.Context) (int, error) {
	statuses, err := g.Statuses(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range statuses {
		if st.Ready() {
			n++
		}
	}
	return n, nil
}

// Get ждёт всех детей и возвращает JSON-массив значений в порядке группы.
// Первая неуспешная дочерняя задача возвращается как ошибка.
func (g *GroupResult) Get(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	values := make([]json.RawMessage, len(g.Children))
	for i, child := range g.Children {
		st, err := child.Wait(ctx, 0)
		if err != nil {
			if ctx.Err() != nil && timeout > 0 {
				return nil, fmt.Errorf("%w: group %s after %s", ErrTimeout, g.ID, timeout)
			}
			return nil, err
		}
		if err := st.Err(); err != nil {
			return nil, err
		}
		values[i] = rawOrNull(st.Value)
	}
	return json.Marshal(values)
}

// groupStatus агрегирует состояния детей группы.
//
// Пока не готовы все дети, группа PENDING, а после старта хотя бы
// одного ребёнка — STARTED. Готовая группа SUCCESS, если все дети
// успешны, иначе принимает состояние и ошибку первого неуспешного.
func (r *AsyncResult) groupStatus(ctx context.Context, g *domain.GroupRecord) (*Status, error) {
	gr := &GroupResult{ID: g.ID, Children: make([]*AsyncResult, len(g.Children))}
	for i, child := range g.Children {
		gr.Children[i] = New(r.store, child)
	}
	statuses, err := gr.Statuses(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{ID: g.ID, State: domain.StatePending}
	for _, child := range statuses {
		if child.State != domain.StatePending {
			st.State = domain.StateStarted
		}
	}
	for _, child := range statuses {
		if !child.Ready() {
			return st, nil
		}
	}

	values := make([]json.RawMessage, len(statuses))
	for i, child := range statuses {
		if st.DoneAt == nil || (child.DoneAt != nil && child.DoneAt.After(*st.DoneAt)) {
			st.DoneAt = child.DoneAt
		}
		if child.State != domain.StateSuccess {
			st.State = child.State
			st.Error = child.Error
			if st.Error == nil {
				st.Error = domain.NewTaskError(domain.ErrorHandler, string(child.State), child.ID)
			}
			return st, nil
		}
		values[i] = rawOrNull(child.Value)
	}

	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	st.State = domain.StateSuccess
	st.Value = data
	return st, nil
}

func rawOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
