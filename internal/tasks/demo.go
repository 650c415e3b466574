package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
)

// MapReduceQueue — очередь блокирующего драйвера mapreduce.
const MapReduceQueue = "mapreduce"

// RegisterDemo регистрирует демонстрационные задачи.
func RegisterDemo(r *Registry) error {
	defs := []struct {
		name    string
		handler Handler
		policy  Policy
	}{
		{"echo", echoTask, Policy{AckMode: domain.AckEarly}},
		{"wait", waitTask, Policy{AckMode: domain.AckLate}},
		{"add", addTask, Policy{}},
		{"sum_all", sumAllTask, Policy{}},
		{"map", mapTask, Policy{}},
		{"reduce", sumAllTask, Policy{}},
		{"mapreduce", mapReduceTask, Policy{Queue: MapReduceQueue, Blocking: true}},
		{"mapreduce_replace", mapReduceReplaceTask, Policy{}},
		{"create_short_task", sleepTask(10 * time.Second), Policy{}},
		{"create_medium_task", sleepTask(20 * time.Second), Policy{}},
		{"create_long_task", sleepTask(30 * time.Second), Policy{}},
		{"fail", failTask, Policy{Retry: domain.RetryPolicy{
			MaxRetries:   2,
			Backoff:      "exponential",
			InitialDelay: 100 * time.Millisecond,
		}}},
	}

	for _, d := range defs {
		if err := r.Register(d.name, d.handler, d.policy); err != nil {
			return err
		}
	}
	return nil
}

func echoTask(_ context.Context, call *Call) (any, error) {
	msg, err := Arg[string](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	return fmt.Sprintf("echo() - message[%s]", msg), nil
}

func waitTask(ctx context.Context, call *Call) (any, error) {
	secs, err := Arg[float64](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	if err := sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wait() - Done, secs[%v]s", secs), nil
}

func addTask(_ context.Context, call *Call) (any, error) {
	x, err := Arg[float64](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	y, err := Arg[float64](call, 1)
	if err != nil {
		return nil, Permanent(err)
	}
	call.Log().Debug("add", "x", x, "y", y)
	return x + y, nil
}

// sumAllTask складывает список чисел из первого аргумента.
func sumAllTask(_ context.Context, call *Call) (any, error) {
	values, err := Arg[[]float64](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total, nil
}

// mapTask возвращает длину строки.
func mapTask(_ context.Context, call *Call) (any, error) {
	text, err := Arg[string](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	return len(text), nil
}

// mapReduceTask — драйвер, синхронно ждущий группу map.
// Работает в отдельной очереди, дети уходят в очередь по умолчанию.
func mapReduceTask(ctx context.Context, call *Call) (any, error) {
	data, err := Arg[[]string](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}

	group := mapGroup(data)
	id, err := call.Submit(ctx, group)
	if err != nil {
		return nil, err
	}

	raw, err := call.Wait(ctx, id)
	if err != nil {
		return nil, err
	}

	lengths, err := As[[]float64](raw)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, n := range lengths {
		total += n
	}
	return total, nil
}

// mapReduceReplaceTask заменяет себя chord(map..., reduce).
func mapReduceReplaceTask(_ context.Context, call *Call) (any, error) {
	data, err := Arg[[]string](call, 0)
	if err != nil {
		return nil, Permanent(err)
	}
	return nil, call.Replace(canvas.NewChord(mapGroup(data), canvas.S("reduce")))
}

func mapGroup(data []string) *canvas.Group {
	nodes := make([]canvas.Node, len(data))
	for i, s := range data {
		nodes[i] = canvas.S("map", s)
	}
	return canvas.NewGroup(nodes...)
}

func sleepTask(d time.Duration) Handler {
	return func(ctx context.Context, _ *Call) (any, error) {
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
		return true, nil
	}
}

// failTask всегда возвращает ошибку; используется для проверки retry.
func failTask(_ context.Context, call *Call) (any, error) {
	msg := "failed on purpose"
	if len(call.Args) > 0 {
		if s, err := Arg[string](call, 0); err == nil {
			msg = s
		}
	}
	return nil, errors.New(msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
