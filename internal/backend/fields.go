package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Поля hash-представления записи.
const (
	fieldTask      = "task"
	fieldState     = "state"
	fieldValue     = "value"
	fieldError     = "error"
	fieldParentID  = "parent_id"
	fieldRootID    = "root_id"
	fieldGroupID   = "group_id"
	fieldForwardTo = "forward_to"
	fieldWorker    = "worker"
	fieldRetries   = "retries"
	fieldQueue     = "queue"
	fieldArgs      = "args"
	fieldKwargs    = "kwargs"
	fieldCreatedAt = "created_at"
	fieldStartedAt = "started_at"
	fieldDoneAt    = "done_at"
)

// recordFields кодирует запись в пары поле/значение.
func recordFields(r *domain.Record) ([]any, error) {
	out := []any{
		fieldTask, r.Task,
		fieldState, string(r.State),
		fieldParentID, r.ParentID,
		fieldRootID, r.RootID,
		fieldGroupID, r.GroupID,
		fieldForwardTo, r.ForwardTo,
		fieldWorker, r.Worker,
		fieldRetries, strconv.Itoa(r.Retries),
		fieldQueue, r.Queue,
		fieldCreatedAt, formatTime(r.CreatedAt),
	}
	if r.Value != nil {
		out = append(out, fieldValue, string(r.Value))
	}
	if r.Error != nil {
		data, err := json.Marshal(r.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		out = append(out, fieldError, string(data))
	}
	if r.Args != nil {
		out = append(out, fieldArgs, string(r.Args))
	}
	if r.Kwargs != nil {
		out = append(out, fieldKwargs, string(r.Kwargs))
	}
	if r.StartedAt != nil {
		out = append(out, fieldStartedAt, formatTime(*r.StartedAt))
	}
	if r.DoneAt != nil {
		out = append(out, fieldDoneAt, formatTime(*r.DoneAt))
	}
	return out, nil
}

// transitionFields кодирует изменяемые поля перехода.
func transitionFields(t *domain.Transition) ([]any, error) {
	var out []any
	if t.Worker != nil {
		out = append(out, fieldWorker, *t.Worker)
	}
	if t.Value != nil {
		out = append(out, fieldValue, string(t.Value))
	}
	if t.Error != nil && t.To != domain.StateSuccess {
		data, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		out = append(out, fieldError, string(data))
	}
	if t.Retries != nil {
		out = append(out, fieldRetries, strconv.Itoa(*t.Retries))
	}
	if t.ForwardTo != nil {
		out = append(out, fieldForwardTo, *t.ForwardTo)
	}
	if t.Queue != nil {
		out = append(out, fieldQueue, *t.Queue)
	}
	if t.Args != nil {
		out = append(out, fieldArgs, string(t.Args))
	}
	if t.Kwargs != nil {
		out = append(out, fieldKwargs, string(t.Kwargs))
	}
	return out, nil
}

// recordFromFields декодирует запись из hash.
func recordFromFields(id string, f map[string]string) (*domain.Record, error) {
	r := &domain.Record{
		ID:        id,
		Task:      f[fieldTask],
		State:     domain.ParseState(f[fieldState]),
		ParentID:  f[fieldParentID],
		RootID:    f[fieldRootID],
		GroupID:   f[fieldGroupID],
		ForwardTo: f[fieldForwardTo],
		Worker:    f[fieldWorker],
		Queue:     f[fieldQueue],
	}

	if v, ok := f[fieldRetries]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse retries: %w", err)
		}
		r.Retries = n
	}
	if v, ok := f[fieldValue]; ok {
		r.Value = json.RawMessage(v)
	}
	if v, ok := f[fieldError]; ok && v != "" {
		var e domain.TaskError
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		r.Error = &e
	}
	if v, ok := f[fieldArgs]; ok {
		r.Args = json.RawMessage(v)
	}
	if v, ok := f[fieldKwargs]; ok {
		r.Kwargs = json.RawMessage(v)
	}

	var err error
	if r.CreatedAt, err = parseTime(f[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTimePtr(f[fieldStartedAt]); err != nil {
		return nil, err
	}
	if r.DoneAt, err = parseTimePtr(f[fieldDoneAt]); err != nil {
		return nil, err
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
