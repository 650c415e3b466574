package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/tasks"
)

// --- Harness ---

type handlerFunc func(args []any) (any, error)

// harness — минимальный воркер поверх Memory-брокера: забирает сообщения,
// выполняет обработчик, пишет результат и вызывает Complete.
type harness struct {
	t        *testing.T
	store    *backend.Memory
	broker   *broker.Memory
	d        *Dispatcher
	handlers map[string]handlerFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		store:  backend.NewMemory(),
		broker: broker.NewMemory(),
		handlers: map[string]handlerFunc{
			"add": func(args []any) (any, error) {
				sum := 0.0
				for _, a := range args {
					n, err := tasks.As[float64](a)
					if err != nil {
						return nil, err
					}
					sum += n
				}
				return sum, nil
			},
			"tsum": func(args []any) (any, error) {
				nums, err := tasks.As[[]float64](args[0])
				if err != nil {
					return nil, err
				}
				sum := 0.0
				for _, n := range nums {
					sum += n
				}
				return sum, nil
			},
			"echo": func(args []any) (any, error) { return args, nil },
			"fail": func([]any) (any, error) { return nil, errors.New("boom") },
			canvas.AccumulateTask: func(args []any) (any, error) {
				if len(args) == 1 {
					return args[0], nil
				}
				return args, nil
			},
		},
	}
	cfg.Broker = h.broker
	cfg.Store = h.store
	if cfg.PublishBackoff == 0 {
		cfg.PublishBackoff = time.Millisecond
	}
	h.d = New(cfg)
	return h
}

// execute выполняет одно сообщение как воркер "w".
func (h *harness) execute(msg *broker.Message) {
	h.t.Helper()
	ctx := context.Background()

	_, err := h.store.Transition(ctx, msg.ID, domain.Transition{
		From:   []domain.State{domain.StatePending},
		To:     domain.StateStarted,
		Worker: domain.StringPtr("w"),
	})
	if err != nil {
		rec, getErr := h.store.Get(ctx, msg.ID)
		if getErr == nil && rec.IsFinished() {
			if err := h.d.Complete(ctx, OutcomeOf(rec), msg.Continuation()); err != nil {
				h.t.Errorf("replay Complete(%s) error = %v", msg.ID, err)
			}
		}
		return
	}

	handler, ok := h.handlers[msg.Task]
	if !ok {
		h.t.Fatalf("no handler for %s", msg.Task)
	}

	t := domain.Transition{From: []domain.State{domain.StateStarted}, Owner: "w"}
	value, herr := handler(msg.Args)
	if herr != nil {
		t.To = domain.StateFailure
		t.Error = domain.NewTaskError(domain.ErrorHandler, herr.Error())
	} else {
		data, _ := json.Marshal(value)
		t.To = domain.StateSuccess
		t.Value = data
	}

	rec, err := h.store.Transition(ctx, msg.ID, t)
	if err != nil {
		h.t.Fatalf("finish %s error = %v", msg.ID, err)
	}
	if err := h.d.Complete(ctx, OutcomeOf(rec), msg.Continuation()); err != nil {
		h.t.Errorf("Complete(%s) error = %v", msg.ID, err)
	}
}

// run выполняет сообщения очередей, пока они не закончатся.
func (h *harness) run(queues ...string) {
	h.t.Helper()
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	for i := 0; i < 100; i++ {
		n := 0
		for _, q := range queues {
			for _, msg := range h.broker.Drain(q) {
				h.execute(msg)
				n++
			}
		}
		if n == 0 {
			return
		}
	}
	h.t.Fatal("workflow did not settle")
}

func (h *harness) record(id string) *domain.Record {
	h.t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get(%s) error = %v", id, err)
	}
	return rec
}

func (h *harness) value(id string) float64 {
	h.t.Helper()
	rec := h.record(id)
	if rec.State != domain.StateSuccess {
		h.t.Fatalf("%s state = %s (%v), want SUCCESS", id, rec.State, rec.Error)
	}
	var v float64
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		h.t.Fatalf("value of %s = %s: %v", id, rec.Value, err)
	}
	return v
}

// --- Submit ---

func TestSubmit_Signature(t *testing.T) {
	h := newHarness(t, Config{})
	sig := canvas.S("add", 2, 3)

	id, err := h.d.Submit(context.Background(), sig)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != sig.ID || id == "" {
		t.Errorf("Submit() = %q, want frozen id %q", id, sig.ID)
	}

	rec := h.record(id)
	if rec.State != domain.StatePending || rec.Queue != DefaultQueue || rec.RootID != id {
		t.Errorf("record = %+v", rec)
	}

	msgs := h.broker.Drain(DefaultQueue)
	if len(msgs) != 1 || msgs[0].ID != id || len(msgs[0].Args) != 2 {
		t.Fatalf("published = %+v", msgs)
	}
}

func TestSubmit_Empty(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.d.Submit(ctx, nil); !errors.Is(err, ErrEmptyWorkflow) {
		t.Errorf("Submit(nil) error = %v, want ErrEmptyWorkflow", err)
	}
	if _, err := h.d.Submit(ctx, canvas.NewChain()); !errors.Is(err, ErrEmptyWorkflow) {
		t.Errorf("Submit(empty chain) error = %v, want ErrEmptyWorkflow", err)
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	h := newHarness(t, Config{})
	sig := canvas.S("add", 1)
	sig.ID = "same"
	other := canvas.S("add", 2)
	other.ID = "same"

	_, err := h.d.Submit(context.Background(), canvas.NewGroup(sig, other))
	if !errors.Is(err, canvas.ErrDuplicateID) {
		t.Errorf("Submit() error = %v, want ErrDuplicateID", err)
	}
	if n := h.broker.Published(); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestQueueFor(t *testing.T) {
	reg := tasks.NewRegistry()
	reg.MustRegister("email", func(context.Context, *tasks.Call) (any, error) { return nil, nil },
		tasks.Policy{Queue: "email_service"})
	reg.MustRegister("ml_tasks.train", func(context.Context, *tasks.Call) (any, error) { return nil, nil },
		tasks.Policy{Queue: "cpu"})
	h := newHarness(t, Config{
		Registry:     reg,
		DefaultQueue: "interactive",
		Routes: []Route{
			{Pattern: "ml_tasks.*", Queue: "ml_service"},
			{Pattern: "ml_tasks.train", Queue: "unreachable"},
			{Pattern: "report_[ab]", Queue: "reports"},
		},
	})

	tests := []struct {
		name     string
		sig      *canvas.Signature
		override string
		want     string
	}{
		{"signature option wins", canvas.S("email").Set("ml_service"), "override", "ml_service"},
		{"override beats policy", canvas.S("email"), "override", "override"},
		{"policy queue", canvas.S("email"), "", "email_service"},
		{"route beats policy", canvas.S("ml_tasks.train"), "", "ml_service"},
		{"first route wins", canvas.S("ml_tasks.score"), "", "ml_service"},
		{"class route", canvas.S("report_b"), "", "reports"},
		{"route miss", canvas.S("report_c"), "", "interactive"},
		{"override beats route", canvas.S("ml_tasks.train"), "override", "override"},
		{"signature beats route", canvas.S("ml_tasks.train").Set("gpu"), "", "gpu"},
		{"default queue", canvas.S("unknown"), "", "interactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.d.QueueFor(tt.sig, tt.override); got != tt.want {
				t.Errorf("QueueFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSubmit_WithQueue(t *testing.T) {
	h := newHarness(t, Config{})
	g := canvas.NewGroup(canvas.S("echo", 1), canvas.S("echo", 2).Set("pinned"))

	if _, err := h.d.Submit(context.Background(), g, WithQueue("ml_service")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n := h.broker.Len("ml_service"); n != 1 {
		t.Errorf("ml_service has %d messages, want 1", n)
	}
	if n := h.broker.Len("pinned"); n != 1 {
		t.Errorf("pinned has %d messages, want 1", n)
	}
}

// --- Chain ---

func TestChain_AddThenAdd(t *testing.T) {
	h := newHarness(t, Config{})
	first := canvas.S("add", 2, 3)
	second := canvas.S("add", 10)

	id, err := h.d.Submit(context.Background(), canvas.NewChain(first, second))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != second.ID {
		t.Errorf("terminal id = %s, want %s", id, second.ID)
	}

	// Второй этап ждёт первого.
	if st := h.record(second.ID).State; st != domain.StatePending {
		t.Errorf("second state = %s, want PENDING", st)
	}
	msgs := h.broker.Drain(DefaultQueue)
	if len(msgs) != 1 || msgs[0].ID != first.ID {
		t.Fatalf("published = %d messages, want only the first stage", len(msgs))
	}
	h.execute(msgs[0])

	if got := h.value(first.ID); got != 5 {
		t.Errorf("first = %v, want 5", got)
	}
	if st := h.record(second.ID).State; st != domain.StatePending {
		t.Errorf("intermediate second state = %s, want PENDING", st)
	}

	next := h.broker.Drain(DefaultQueue)
	if len(next) != 1 || next[0].ID != second.ID {
		t.Fatalf("second stage not published")
	}
	var firstArg float64
	if err := json.Unmarshal(mustJSON(t, next[0].Args[0]), &firstArg); err != nil || firstArg != 5 {
		t.Errorf("second stage args = %v, want [5 10]", next[0].Args)
	}
	h.execute(next[0])

	if got := h.value(second.ID); got != 15 {
		t.Errorf("result = %v, want 15", got)
	}
	if p := h.record(second.ID).ParentID; p != first.ID {
		t.Errorf("ParentID = %s, want %s", p, first.ID)
	}
}

func TestChain_Immutable(t *testing.T) {
	h := newHarness(t, Config{})
	last := canvas.SI("add", 1, 1)

	if _, err := h.d.Submit(context.Background(), canvas.NewChain(canvas.S("add", 100), last)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	if got := h.value(last.ID); got != 2 {
		t.Errorf("immutable stage = %v, want 2", got)
	}
}

func TestChain_AbortOnFailure(t *testing.T) {
	h := newHarness(t, Config{})
	failing := canvas.S("fail")
	second := canvas.S("add", 1)
	third := canvas.S("add", 2)

	if _, err := h.d.Submit(context.Background(), canvas.NewChain(failing, second, third)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	if st := h.record(failing.ID).State; st != domain.StateFailure {
		t.Errorf("failing state = %s", st)
	}
	for _, id := range []string{second.ID, third.ID} {
		rec := h.record(id)
		if rec.State != domain.StateFailure || rec.Error == nil || rec.Error.Type != domain.ErrorChainAborted {
			t.Errorf("%s = %s %+v, want FAILURE ChainAborted", id, rec.State, rec.Error)
			continue
		}
		if len(rec.Error.Upstream) != 1 || rec.Error.Upstream[0] != failing.ID {
			t.Errorf("upstream = %v, want [%s]", rec.Error.Upstream, failing.ID)
		}
	}
	if n := h.broker.Published(); n != 1 {
		t.Errorf("published = %d, want 1 (aborted stages must not run)", n)
	}
}

func TestChain_GroupInMiddleBecomesChord(t *testing.T) {
	h := newHarness(t, Config{})
	last := canvas.S("tsum")
	wf := canvas.NewChain(
		canvas.S("add", 1, 1),
		canvas.NewGroup(canvas.S("add", 1), canvas.S("add", 2), canvas.S("add", 3)),
		last,
	)

	if _, err := h.d.Submit(context.Background(), wf); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	// 2 → [3, 4, 5] → 12
	if got := h.value(last.ID); got != 12 {
		t.Errorf("result = %v, want 12", got)
	}
}

// --- Group ---

func TestGroup_RecordOrder(t *testing.T) {
	h := newHarness(t, Config{})
	a, b, c := canvas.S("echo", "a"), canvas.S("echo", "b"), canvas.S("echo", "c")
	g := canvas.NewGroup(a, b, c)

	id, err := h.d.Submit(context.Background(), g)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != g.ID {
		t.Errorf("terminal id = %s, want group id", id)
	}

	rec, err := h.store.GetGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	want := []string{a.ID, b.ID, c.ID}
	for i := range want {
		if rec.Children[i] != want[i] {
			t.Errorf("Children[%d] = %s, want %s", i, rec.Children[i], want[i])
		}
	}
	if h.record(b.ID).GroupID != g.ID {
		t.Error("child GroupID not set")
	}
	if n := h.broker.Len(DefaultQueue); n != 3 {
		t.Errorf("published %d, want 3", n)
	}
}

// --- Chord ---

func TestChord_SumReversedCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	body := canvas.S("tsum")
	ch := canvas.NewChord(canvas.NewGroup(canvas.S("add", 2, 2), canvas.S("add", 2, 3)), body)

	id, err := h.d.Submit(context.Background(), ch)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != body.ID {
		t.Errorf("terminal id = %s, want body id", id)
	}

	header := h.broker.Drain(DefaultQueue)
	if len(header) != 2 {
		t.Fatalf("header messages = %d, want 2", len(header))
	}
	// Второй завершается раньше первого.
	h.execute(header[1])
	if n := h.broker.Len(DefaultQueue); n != 0 {
		t.Fatalf("body dispatched before header finished")
	}
	h.execute(header[0])

	bodyMsgs := h.broker.Drain(DefaultQueue)
	if len(bodyMsgs) != 1 {
		t.Fatalf("body messages = %d, want 1", len(bodyMsgs))
	}
	values, err := tasks.As[[]float64](bodyMsgs[0].Args[0])
	if err != nil || len(values) != 2 || values[0] != 4 || values[1] != 5 {
		t.Errorf("body args = %v, want [[4 5]] in header order", bodyMsgs[0].Args)
	}
	h.execute(bodyMsgs[0])

	if got := h.value(body.ID); got != 9 {
		t.Errorf("chord result = %v, want 9", got)
	}
}

func TestChord_SurvivesPurgeWhileWaiting(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first := canvas.S("add", 1, 1)
	body := canvas.S("tsum")
	if _, err := h.d.Submit(ctx, canvas.NewChord(canvas.NewGroup(first, canvas.S("add", 2, 2)), body)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	msgs := h.broker.Drain(DefaultQueue)
	if len(msgs) != 2 {
		t.Fatalf("header messages = %d, want 2", len(msgs))
	}
	h.execute(msgs[0])

	// Очистка с отсечкой в будущем: всё "устарело", но chord ещё ждёт.
	if _, err := h.store.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	h.execute(msgs[1])
	h.run()

	if got := h.value(body.ID); got != 6 {
		t.Errorf("body = %v, want 6", got)
	}
	if got := h.value(first.ID); got != 2 {
		t.Errorf("first header value = %v, want 2", got)
	}
}

func TestChord_ConcurrentCompletionFiresOnce(t *testing.T) {
	h := newHarness(t, Config{})
	const n = 20

	members := make([]canvas.Node, n)
	for i := range members {
		members[i] = canvas.S("add", i)
	}
	body := canvas.S("tsum")
	if _, err := h.d.Submit(context.Background(), canvas.NewChord(canvas.NewGroup(members...), body)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	header := h.broker.Drain(DefaultQueue)
	if len(header) != n {
		t.Fatalf("header messages = %d, want %d", len(header), n)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, msg := range header {
		// Каждое сообщение доставлено дважды.
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(m *broker.Message) {
				defer wg.Done()
				<-start
				h.execute(m)
			}(msg)
		}
	}
	close(start)
	wg.Wait()

	bodyMsgs := h.broker.Drain(DefaultQueue)
	if len(bodyMsgs) != 1 {
		t.Fatalf("body published %d times, want exactly once", len(bodyMsgs))
	}
	h.execute(bodyMsgs[0])

	if got := h.value(body.ID); got != float64(n*(n-1)/2) {
		t.Errorf("result = %v, want %d", got, n*(n-1)/2)
	}
}

func TestChord_FailPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	ok, bad := canvas.S("add", 1), canvas.S("fail")
	body := canvas.S("tsum")
	after := canvas.S("add", 1)
	wf := canvas.NewChain(canvas.NewChord(canvas.NewGroup(ok, bad), body), after)

	if _, err := h.d.Submit(context.Background(), wf); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	rec := h.record(body.ID)
	if rec.State != domain.StateFailure || rec.Error == nil || rec.Error.Type != domain.ErrorChord {
		t.Fatalf("body = %s %+v, want FAILURE ChordError", rec.State, rec.Error)
	}
	if len(rec.Error.Upstream) != 1 || rec.Error.Upstream[0] != bad.ID {
		t.Errorf("upstream = %v, want [%s]", rec.Error.Upstream, bad.ID)
	}
	if st := h.record(after.ID).State; st != domain.StateFailure {
		t.Errorf("continuation after chord = %s, want FAILURE", st)
	}
	if n := h.broker.Published(); n != 2 {
		t.Errorf("published %d, want 2 (body must not run)", n)
	}
}

func TestChord_PropagatePolicy(t *testing.T) {
	h := newHarness(t, Config{ChordPolicy: domain.ChordPolicyPropagate})
	ok, bad := canvas.S("add", 1, 2), canvas.S("fail")
	body := canvas.S("echo")

	if _, err := h.d.Submit(context.Background(), canvas.NewChord(canvas.NewGroup(ok, bad), body)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	rec := h.record(body.ID)
	if rec.State != domain.StateSuccess {
		t.Fatalf("body state = %s, want SUCCESS", rec.State)
	}

	// echo возвращает свои аргументы: [[3, {marker}]].
	var got [][]json.RawMessage
	if err := json.Unmarshal(rec.Value, &got); err != nil || len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("body value = %s", rec.Value)
	}
	var marker domain.ErrorMarker
	if err := json.Unmarshal(got[0][1], &marker); err != nil {
		t.Fatalf("marker = %s: %v", got[0][1], err)
	}
	if marker.ID != bad.ID || marker.State != domain.StateFailure || marker.Error == nil {
		t.Errorf("marker = %+v", marker)
	}
}

func TestChord_PerChordPolicyOverride(t *testing.T) {
	h := newHarness(t, Config{ChordPolicy: domain.ChordPolicyFail})
	body := canvas.S("echo")
	ch := canvas.NewChord(canvas.NewGroup(canvas.S("fail")), body).WithPolicy(domain.ChordPolicyPropagate)

	if _, err := h.d.Submit(context.Background(), ch); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	if st := h.record(body.ID).State; st != domain.StateSuccess {
		t.Errorf("body state = %s, want SUCCESS under propagate", st)
	}
}

func TestChord_EmptyHeader(t *testing.T) {
	h := newHarness(t, Config{})
	body := canvas.S("tsum")

	if _, err := h.d.Submit(context.Background(), canvas.NewChord(canvas.NewGroup(), body)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	if got := h.value(body.ID); got != 0 {
		t.Errorf("result = %v, want 0", got)
	}
}

func TestChord_GroupMemberIsAccumulated(t *testing.T) {
	h := newHarness(t, Config{})
	body := canvas.S("echo")
	inner := canvas.NewGroup(canvas.S("add", 1), canvas.S("add", 2))
	ch := canvas.NewChord(canvas.NewGroup(inner, canvas.S("add", 10)), body)

	if _, err := h.d.Submit(context.Background(), ch); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.run()

	// [[[1, 2], 10]]
	var got [][]json.RawMessage
	if err := json.Unmarshal(h.record(body.ID).Value, &got); err != nil || len(got[0]) != 2 {
		t.Fatalf("body value = %s", h.record(body.ID).Value)
	}
	nested, err := tasks.As[[]float64](got[0][0])
	if err != nil || len(nested) != 2 || nested[0] != 1 || nested[1] != 2 {
		t.Errorf("nested group result = %s", got[0][0])
	}
}

func TestComplete_DuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	g := canvas.NewGroup(canvas.S("add", 1), canvas.S("add", 2))
	if _, err := h.d.Submit(context.Background(), canvas.NewChord(g, canvas.S("tsum"))); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	header := h.broker.Drain(DefaultQueue)
	h.execute(header[0])
	// Redelivery первого члена: запись уже терминальна, продолжение повторяется.
	h.execute(header[0])

	chord, err := h.store.GetChord(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("GetChord() error = %v", err)
	}
	if chord.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", chord.Remaining)
	}
	if n := h.broker.Len(DefaultQueue); n != 0 {
		t.Errorf("body dispatched early")
	}
}

// --- Broker failures ---

func TestSubmit_BrokerUnavailable(t *testing.T) {
	h := newHarness(t, Config{PublishRetries: 2})
	h.broker.FailNext(100)
	first, second := canvas.S("add", 1), canvas.S("add", 2)

	_, err := h.d.Submit(context.Background(), canvas.NewChain(first, second))
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrPublishFailed wrapping ErrUnavailable", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		rec := h.record(id)
		if rec.State != domain.StateFailure || rec.Error == nil || rec.Error.Type != domain.ErrorBrokerUnavailable {
			t.Errorf("%s = %s %+v, want FAILURE BrokerUnavailable", id, rec.State, rec.Error)
		}
	}
}

func TestSubmit_BrokerRecovers(t *testing.T) {
	h := newHarness(t, Config{PublishRetries: 3})
	h.broker.FailNext(2)

	id, err := h.d.Submit(context.Background(), canvas.S("add", 1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if st := h.record(id).State; st != domain.StatePending {
		t.Errorf("state = %s, want PENDING", st)
	}
	if n := h.broker.Len(DefaultQueue); n != 1 {
		t.Errorf("published %d, want 1", n)
	}
}

// --- Replace ---

func TestReplace_ForwardsResult(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	x := canvas.S("placeholder")
	w := canvas.S("add", 100)

	if _, err := h.d.Submit(ctx, canvas.NewChain(x, w)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msgs := h.broker.Drain(DefaultQueue)
	if len(msgs) != 1 {
		t.Fatalf("published %d, want 1", len(msgs))
	}
	msg := msgs[0]

	if _, err := h.store.Transition(ctx, x.ID, domain.Transition{
		From: []domain.State{domain.StatePending}, To: domain.StateStarted, Worker: domain.StringPtr("w"),
	}); err != nil {
		t.Fatalf("start error = %v", err)
	}

	y, z := canvas.S("add", 1, 2), canvas.S("add", 3)
	terminal, err := h.d.Replace(ctx, msg, canvas.NewChain(y, z), "w")
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if terminal != z.ID {
		t.Errorf("Replace() = %s, want %s", terminal, z.ID)
	}

	rec := h.record(x.ID)
	if rec.State != domain.StatePending || rec.ForwardTo != z.ID {
		t.Errorf("replaced record = %s forward_to=%s", rec.State, rec.ForwardTo)
	}

	h.run()

	if got := h.value(z.ID); got != 6 {
		t.Errorf("Z = %v, want 6", got)
	}
	if got := h.value(x.ID); got != 6 {
		t.Errorf("X mirrored = %v, want 6", got)
	}
	// Продолжение X запускается с результатом замены.
	if got := h.value(w.ID); got != 106 {
		t.Errorf("W = %v, want 106", got)
	}
}

func TestReplace_RequiresOwnership(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	x := canvas.S("placeholder")
	if _, err := h.d.Submit(ctx, x); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msg := h.broker.Drain(DefaultQueue)[0]

	_, err := h.d.Replace(ctx, msg, canvas.S("add", 1), "w")
	if !errors.Is(err, ErrNotReplaceable) {
		t.Errorf("Replace() error = %v, want ErrNotReplaceable", err)
	}
}

func TestReplace_WithGroup(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	x := canvas.S("placeholder")
	if _, err := h.d.Submit(ctx, x); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msg := h.broker.Drain(DefaultQueue)[0]
	if _, err := h.store.Transition(ctx, x.ID, domain.Transition{
		To: domain.StateStarted, Worker: domain.StringPtr("w"),
	}); err != nil {
		t.Fatalf("start error = %v", err)
	}

	if _, err := h.d.Replace(ctx, msg, canvas.NewGroup(canvas.S("add", 1), canvas.S("add", 2)), "w"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	h.run()

	values, err := tasks.As[[]float64](h.record(x.ID).Value)
	if err != nil || len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Errorf("X value = %s, want [1,2]", h.record(x.ID).Value)
	}
}

// --- Revoke ---

func TestRevoke_Group(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := canvas.S("add", 1), canvas.S("add", 2)
	g := canvas.NewGroup(a, b)
	if _, err := h.d.Submit(ctx, g); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	revoked, err := h.d.Revoke(ctx, g.ID)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if len(revoked) != 2 {
		t.Errorf("revoked = %v, want 2 ids", revoked)
	}
	for _, id := range []string{a.ID, b.ID} {
		if st := h.record(id).State; st != domain.StateRevoked {
			t.Errorf("%s = %s, want REVOKED", id, st)
		}
	}

	// Повторная отмена — no-op.
	again, err := h.d.Revoke(ctx, g.ID)
	if err != nil || len(again) != 0 {
		t.Errorf("second Revoke() = %v, %v", again, err)
	}
}

func TestRevoke_GroupWithChainMember(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, second, solo := canvas.S("add", 1, 1), canvas.S("add", 2), canvas.S("add", 3, 3)
	g := canvas.NewGroup(canvas.NewChain(first, second), solo)
	if _, err := h.d.Submit(ctx, g); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	revoked, err := h.d.Revoke(ctx, g.ID)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if len(revoked) != 3 {
		t.Errorf("revoked = %v, want 3 ids", revoked)
	}

	h.run()

	for _, id := range []string{first.ID, second.ID, solo.ID} {
		if st := h.record(id).State; st != domain.StateRevoked {
			t.Errorf("%s = %s, want REVOKED", id, st)
		}
	}
	if h.store.History(first.ID)[0] != domain.StateRevoked {
		t.Errorf("first stage history = %v, want REVOKED without a run", h.store.History(first.ID))
	}
}

func TestRevoke_Missing(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.d.Revoke(context.Background(), "missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Revoke() error = %v, want ErrNotFound", err)
	}
}

func TestRevoke_ChainStageAbortsRest(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, second, third := canvas.S("add", 1), canvas.S("add", 2), canvas.S("add", 3)
	if _, err := h.d.Submit(ctx, canvas.NewChain(first, second, third)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := h.d.Revoke(ctx, second.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	// harness.execute для REVOKED-записи повторяет продолжение с исходом REVOKED.
	h.run()

	if st := h.record(second.ID).State; st != domain.StateRevoked {
		t.Errorf("second = %s, want REVOKED", st)
	}
	rec := h.record(third.ID)
	if rec.State != domain.StateFailure || rec.Error.Type != domain.ErrorChainAborted {
		t.Errorf("third = %s %+v, want FAILURE ChainAborted", rec.State, rec.Error)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return data
}

func ExampleDispatcher_Submit() {
	d := New(Config{Broker: broker.NewMemory(), Store: backend.NewMemory()})
	first, second := canvas.S("add", 2, 3), canvas.S("add", 10)

	id, err := d.Submit(context.Background(), canvas.NewChain(first, second))
	fmt.Println(id == second.ID, err)
	// Output: true <nil>
}
