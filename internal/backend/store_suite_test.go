package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// runStoreSuite прогоняет общий контракт Store на реализации.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateIsInsertIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("TransitionLifecycle", func(t *testing.T) { testTransitionLifecycle(t, newStore(t)) })
	t.Run("TransitionRetryKeepsError", func(t *testing.T) { testTransitionRetry(t, newStore(t)) })
	t.Run("TransitionMissing", func(t *testing.T) { testTransitionMissing(t, newStore(t)) })
	t.Run("ConcurrentStart", func(t *testing.T) { testConcurrentStart(t, newStore(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, newStore(t)) })
	t.Run("ChordParts", func(t *testing.T) { testChordParts(t, newStore(t)) })
	t.Run("ChordMissing", func(t *testing.T) { testChordMissing(t, newStore(t)) })
	t.Run("ConcurrentChordParts", func(t *testing.T) { testConcurrentChordParts(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("PurgeKeepsWaitingChord", func(t *testing.T) { testPurgeKeepsWaitingChord(t, newStore(t)) })
}

func newID() string { return uuid.NewString() }

func pending(id, task string) *domain.Record {
	r := domain.NewPendingRecord(id, task)
	r.Queue = "default"
	r.Args = json.RawMessage(`[2,3]`)
	return r
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	r := pending(id, "add")
	r.ParentID = "parent"
	r.RootID = "root"
	r.GroupID = "group"

	if err := s.CreatePending(ctx, []*domain.Record{r}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.StatePending {
		t.Errorf("State = %s, want PENDING", got.State)
	}
	if got.Task != "add" || got.Queue != "default" {
		t.Errorf("Task/Queue = %s/%s, want add/default", got.Task, got.Queue)
	}
	if got.ParentID != "parent" || got.RootID != "root" || got.GroupID != "group" {
		t.Errorf("links = %s/%s/%s", got.ParentID, got.RootID, got.GroupID)
	}
	var args []int
	if err := json.Unmarshal(got.Args, &args); err != nil || len(args) != 2 {
		t.Errorf("Args = %s, err = %v", got.Args, err)
	}
	if got.StartedAt != nil || got.DoneAt != nil {
		t.Error("pending record must not have timestamps")
	}
}

func testCreateIfAbsent(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()

	if err := s.CreatePending(ctx, []*domain.Record{pending(id, "first")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if _, err := s.Transition(ctx, id, domain.Transition{
		From: []domain.State{domain.StatePending}, To: domain.StateStarted, Worker: domain.StringPtr("w1"),
	}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := s.CreatePending(ctx, []*domain.Record{pending(id, "second")}); err != nil {
		t.Fatalf("CreatePending() second error = %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Task != "first" || got.State != domain.StateStarted {
		t.Errorf("record overwritten: task=%s state=%s", got.Task, got.State)
	}
}

func testGetMissing(t *testing.T, s Store) {
	_, err := s.Get(context.Background(), newID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func testTransitionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	if err := s.CreatePending(ctx, []*domain.Record{pending(id, "add")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}

	started, err := s.Transition(ctx, id, domain.Transition{
		From:   []domain.State{domain.StatePending, domain.StateRetry},
		To:     domain.StateStarted,
		Worker: domain.StringPtr("w1"),
	})
	if err != nil {
		t.Fatalf("start error = %v", err)
	}
	if started.State != domain.StateStarted || started.Worker != "w1" || started.StartedAt == nil {
		t.Errorf("started = %+v", started)
	}

	// Чужой воркер не может завершить задачу.
	cur, err := s.Transition(ctx, id, domain.Transition{
		From:  []domain.State{domain.StateStarted},
		Owner: "w2",
		To:    domain.StateSuccess,
		Value: json.RawMessage(`1`),
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("foreign owner error = %v, want ErrInvalidState", err)
	}
	if cur == nil || cur.State != domain.StateStarted {
		t.Errorf("current record = %+v, want STARTED", cur)
	}

	done, err := s.Transition(ctx, id, domain.Transition{
		From:  []domain.State{domain.StateStarted},
		Owner: "w1",
		To:    domain.StateSuccess,
		Value: json.RawMessage(`5`),
	})
	if err != nil {
		t.Fatalf("success error = %v", err)
	}
	if done.State != domain.StateSuccess || done.DoneAt == nil {
		t.Errorf("done = %+v", done)
	}
	var v int
	if err := json.Unmarshal(done.Value, &v); err != nil || v != 5 {
		t.Errorf("Value = %s, want 5", done.Value)
	}

	// Терминальное состояние не меняется переходом с пустым From.
	_, err = s.Transition(ctx, id, domain.Transition{To: domain.StateRevoked, Error: domain.RevokedError()})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("revoke terminal error = %v, want ErrInvalidState", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.StateSuccess {
		t.Errorf("final state = %s, want SUCCESS", got.State)
	}
}

func testTransitionRetry(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	if err := s.CreatePending(ctx, []*domain.Record{pending(id, "fail")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}

	steps := []domain.Transition{
		{From: []domain.State{domain.StatePending}, To: domain.StateStarted, Worker: domain.StringPtr("w1")},
		{
			From: []domain.State{domain.StateStarted}, Owner: "w1", To: domain.StateRetry,
			Error: domain.NewTaskError(domain.ErrorHandler, "boom"), Retries: domain.IntPtr(1),
		},
	}
	for i, st := range steps {
		if _, err := s.Transition(ctx, id, st); err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.StateRetry || got.Retries != 1 {
		t.Errorf("state/retries = %s/%d, want RETRY/1", got.State, got.Retries)
	}
	if got.Error == nil || got.Error.Type != domain.ErrorHandler || got.Error.Message != "boom" {
		t.Errorf("Error = %+v", got.Error)
	}

	if _, err := s.Transition(ctx, id, domain.Transition{
		From: []domain.State{domain.StateRetry}, To: domain.StateStarted, Worker: domain.StringPtr("w2"),
	}); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	done, err := s.Transition(ctx, id, domain.Transition{
		From: []domain.State{domain.StateStarted}, Owner: "w2", To: domain.StateSuccess, Value: json.RawMessage(`7`),
	})
	if err != nil {
		t.Fatalf("success error = %v", err)
	}
	if done.Error != nil {
		t.Errorf("SUCCESS must clear error, got %+v", done.Error)
	}
	if done.Worker != "w2" || done.Retries != 1 {
		t.Errorf("worker/retries = %s/%d", done.Worker, done.Retries)
	}
}

func testTransitionMissing(t *testing.T, s Store) {
	_, err := s.Transition(context.Background(), newID(), domain.Transition{To: domain.StateStarted})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition() error = %v, want ErrNotFound", err)
	}
}

func testConcurrentStart(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	if err := s.CreatePending(ctx, []*domain.Record{pending(id, "add")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}

	const n = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			_, err := s.Transition(ctx, id, domain.Transition{
				From: []domain.State{domain.StatePending}, To: domain.StateStarted, Worker: domain.StringPtr(worker),
			})
			if err == nil {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			} else if !errors.Is(err, ErrInvalidState) {
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("w%d", i))
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Worker != winners[0] {
		t.Errorf("Worker = %s, want %s", got.Worker, winners[0])
	}
}

func testGroups(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	g := &domain.GroupRecord{
		ID:        id,
		Children:  []string{"c", "a", "b"},
		Members:   []string{"c0", "c", "a", "b"},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatalf("SaveGroup() error = %v", err)
	}
	if err := s.SaveGroup(ctx, &domain.GroupRecord{ID: id, Children: []string{"x"}, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveGroup() second error = %v", err)
	}

	got, err := s.GetGroup(ctx, id)
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(got.Children) != len(want) {
		t.Fatalf("Children = %v, want %v", got.Children, want)
	}
	for i := range want {
		if got.Children[i] != want[i] {
			t.Errorf("Children[%d] = %s, want %s", i, got.Children[i], want[i])
		}
	}
	if len(got.Members) != 4 || got.Members[0] != "c0" {
		t.Errorf("Members = %v, want chain stage first", got.Members)
	}

	if _, err := s.GetGroup(ctx, newID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGroup(missing) error = %v, want ErrNotFound", err)
	}
}

func testChordParts(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	c := &domain.ChordRecord{
		ID:        id,
		Children:  []string{"a", "b"},
		Remaining: 2,
		Body:      json.RawMessage(`{"kind":"signature","task":"add"}`),
		Policy:    domain.ChordPolicyPropagate,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateChord(ctx, c); err != nil {
		t.Fatalf("CreateChord() error = %v", err)
	}
	// Повторное создание не сбрасывает счётчик.
	if err := s.CreateChord(ctx, c); err != nil {
		t.Fatalf("CreateChord() second error = %v", err)
	}

	// Части приходят в обратном порядке.
	remaining, last, err := s.ChordPart(ctx, id, "b", domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`5`)})
	if err != nil || remaining != 1 || last {
		t.Fatalf("part b = (%d, %v, %v), want (1, false, nil)", remaining, last, err)
	}
	remaining, last, err = s.ChordPart(ctx, id, "b", domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`5`)})
	if !errors.Is(err, ErrAlreadyExists) || last || remaining != 1 {
		t.Fatalf("duplicate part b = (%d, %v, %v), want (1, false, ErrAlreadyExists)", remaining, last, err)
	}
	remaining, last, err = s.ChordPart(ctx, id, "a", domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`4`)})
	if err != nil || remaining != 0 || !last {
		t.Fatalf("part a = (%d, %v, %v), want (0, true, nil)", remaining, last, err)
	}

	got, err := s.GetChord(ctx, id)
	if err != nil {
		t.Fatalf("GetChord() error = %v", err)
	}
	if got.Remaining != 0 || got.Policy != domain.ChordPolicyPropagate {
		t.Errorf("remaining/policy = %d/%s", got.Remaining, got.Policy)
	}
	ordered := got.Ordered()
	if len(ordered) != 2 {
		t.Fatalf("Ordered() = %d parts, want 2", len(ordered))
	}
	var first, second int
	_ = json.Unmarshal(ordered[0].Value, &first)
	_ = json.Unmarshal(ordered[1].Value, &second)
	if first != 4 || second != 5 {
		t.Errorf("ordered values = %d, %d; want 4, 5", first, second)
	}
	if len(got.Body) == 0 {
		t.Error("Body lost")
	}
}

func testChordMissing(t *testing.T, s Store) {
	ctx := context.Background()
	if _, _, err := s.ChordPart(ctx, newID(), "a", domain.ChordPart{State: domain.StateSuccess}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ChordPart(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetChord(ctx, newID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChord(missing) error = %v, want ErrNotFound", err)
	}
}

func testConcurrentChordParts(t *testing.T, s Store) {
	ctx := context.Background()
	id := newID()
	const n = 20

	children := make([]string, n)
	for i := range children {
		children[i] = fmt.Sprintf("child-%d", i)
	}
	if err := s.CreateChord(ctx, &domain.ChordRecord{
		ID: id, Children: children, Remaining: n, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChord() error = %v", err)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		lasts int
		dups  int
	)
	// Каждый ребёнок сообщает о себе дважды (redelivery).
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func(child string) {
			defer wg.Done()
			<-start
			_, last, err := s.ChordPart(ctx, id, child, domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`1`)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyExists):
				dups++
			case err != nil:
				t.Errorf("ChordPart() error = %v", err)
			case last:
				lasts++
			}
		}(children[i%n])
	}
	close(start)
	wg.Wait()

	if lasts != 1 {
		t.Errorf("last observed %d times, want exactly 1", lasts)
	}
	if dups != n {
		t.Errorf("duplicates = %d, want %d", dups, n)
	}
	got, err := s.GetChord(ctx, id)
	if err != nil {
		t.Fatalf("GetChord() error = %v", err)
	}
	if got.Remaining != 0 || len(got.Parts) != n {
		t.Errorf("remaining/parts = %d/%d, want 0/%d", got.Remaining, len(got.Parts), n)
	}
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()
	done, open := newID(), newID()
	if err := s.CreatePending(ctx, []*domain.Record{pending(done, "add"), pending(open, "add")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if _, err := s.Transition(ctx, done, domain.Transition{
		To: domain.StateFailure, Error: domain.NewTaskError(domain.ErrorHandler, "x"),
	}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if _, err := s.Purge(ctx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Purge(past) error = %v", err)
	}
	if _, err := s.Get(ctx, done); err != nil {
		t.Errorf("record purged too early: %v", err)
	}

	n, err := s.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n < 1 {
		t.Errorf("Purge() = %d, want >= 1", n)
	}
	if _, err := s.Get(ctx, done); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal record not purged: %v", err)
	}
	if _, err := s.Get(ctx, open); err != nil {
		t.Errorf("pending record purged: %v", err)
	}
}

func testPurgeKeepsWaitingChord(t *testing.T, s Store) {
	ctx := context.Background()
	chordID, first, second := newID(), newID(), newID()
	created := time.Now().UTC().Add(-2 * time.Hour)

	if err := s.CreatePending(ctx, []*domain.Record{pending(first, "add"), pending(second, "add")}); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if err := s.SaveGroup(ctx, &domain.GroupRecord{ID: chordID, Children: []string{first, second}, CreatedAt: created}); err != nil {
		t.Fatalf("SaveGroup() error = %v", err)
	}
	if err := s.CreateChord(ctx, &domain.ChordRecord{
		ID:        chordID,
		Children:  []string{first, second},
		Remaining: 2,
		Body:      json.RawMessage(`null`),
		Policy:    domain.ChordPolicyFail,
		CreatedAt: created,
	}); err != nil {
		t.Fatalf("CreateChord() error = %v", err)
	}

	finish := func(id string, value string) {
		t.Helper()
		if _, err := s.Transition(ctx, id, domain.Transition{To: domain.StateSuccess, Value: json.RawMessage(value)}); err != nil {
			t.Fatalf("Transition(%s) error = %v", id, err)
		}
	}

	finish(first, `2`)
	if _, _, err := s.ChordPart(ctx, chordID, first, domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`2`)}); err != nil {
		t.Fatalf("ChordPart(first) error = %v", err)
	}

	// Срок истёк для всего, но chord ещё ждёт второго ребёнка.
	if _, err := s.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	c, err := s.GetChord(ctx, chordID)
	if err != nil {
		t.Fatalf("waiting chord purged: %v", err)
	}
	if c.Remaining != 1 || c.DoneAt != nil {
		t.Errorf("remaining/done_at = %d/%v, want 1/nil", c.Remaining, c.DoneAt)
	}
	if _, err := s.Get(ctx, first); err != nil {
		t.Errorf("finished header child purged while chord waits: %v", err)
	}
	if _, err := s.GetGroup(ctx, chordID); err != nil {
		t.Errorf("group with a running child purged: %v", err)
	}

	finish(second, `4`)
	_, last, err := s.ChordPart(ctx, chordID, second, domain.ChordPart{State: domain.StateSuccess, Value: json.RawMessage(`4`)})
	if err != nil || !last {
		t.Fatalf("ChordPart(second) = last %v, error %v", last, err)
	}
	if c, err = s.GetChord(ctx, chordID); err != nil || c.DoneAt == nil {
		t.Fatalf("GetChord() = %+v, %v, want done_at set", c, err)
	}

	if _, err := s.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := s.GetChord(ctx, chordID); !errors.Is(err, ErrNotFound) {
		t.Errorf("fired chord not purged: %v", err)
	}
	if _, err := s.GetGroup(ctx, chordID); !errors.Is(err, ErrNotFound) {
		t.Errorf("finished group not purged: %v", err)
	}
	for _, id := range []string{first, second} {
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("record %s not purged: %v", id, err)
		}
	}
}
