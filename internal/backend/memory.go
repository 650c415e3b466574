package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Memory — хранилище в памяти процесса. Все операции под одним mutex.
type Memory struct {
	mu      sync.Mutex
	records map[string]*domain.Record
	groups  map[string]*domain.GroupRecord
	chords  map[string]*domain.ChordRecord

	// history — последовательность переходов по id (для тестов).
	history map[string][]domain.Transition
}

var _ Store = (*Memory)(nil)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*domain.Record),
		groups:  make(map[string]*domain.GroupRecord),
		chords:  make(map[string]*domain.ChordRecord),
		history: make(map[string][]domain.Transition),
	}
}

// CreatePending создаёт записи, которых ещё нет.
func (m *Memory) CreatePending(_ context.Context, records []*domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, exists := m.records[r.ID]; exists {
			continue
		}
		m.records[r.ID] = r.Clone()
	}
	return nil
}

// Get возвращает запись.
func (m *Memory) Get(_ context.Context, id string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// Transition условно меняет запись.
func (m *Memory) Transition(_ context.Context, id string, t domain.Transition) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if !t.Allows(r) {
		return r.Clone(), fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.State)
	}

	t.Apply(r, time.Now().UTC())
	m.history[id] = append(m.history[id], t)
	return r.Clone(), nil
}

// History возвращает целевые состояния всех успешных переходов записи.
func (m *Memory) History(id string) []domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.State, 0, len(m.history[id]))
	for _, t := range m.history[id] {
		out = append(out, t.To)
	}
	return out
}

// SaveGroup сохраняет группу, если её ещё нет.
func (m *Memory) SaveGroup(_ context.Context, g *domain.GroupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[g.ID]; exists {
		return nil
	}
	m.groups[g.ID] = g.Clone()
	return nil
}

// GetGroup возвращает группу.
func (m *Memory) GetGroup(_ context.Context, id string) (*domain.GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	return g.Clone(), nil
}

// CreateChord создаёт счётчик chord, если его ещё нет.
func (m *Memory) CreateChord(_ context.Context, c *domain.ChordRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.chords[c.ID]; exists {
		return nil
	}
	rec := c.Clone()
	if rec.Parts == nil {
		rec.Parts = make(map[string]domain.ChordPart)
	}
	m.chords[c.ID] = rec
	return nil
}

// ChordPart записывает часть ребёнка и уменьшает счётчик.
func (m *Memory) ChordPart(_ context.Context, chordID, childID string, part domain.ChordPart) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chords[chordID]
	if !ok {
		return 0, false, fmt.Errorf("%w: chord %s", ErrNotFound, chordID)
	}
	if _, dup := c.Parts[childID]; dup {
		return c.Remaining, false, fmt.Errorf("%w: chord %s part %s", ErrAlreadyExists, chordID, childID)
	}

	c.Parts[childID] = part
	c.Remaining--
	if c.Remaining == 0 {
		now := time.Now().UTC()
		c.DoneAt = &now
	}
	return c.Remaining, c.Remaining == 0, nil
}

// GetChord возвращает счётчик chord.
func (m *Memory) GetChord(_ context.Context, id string) (*domain.ChordRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chords[id]
	if !ok {
		return nil, fmt.Errorf("%w: chord %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// Purge удаляет устаревшие записи, группы и собранные chord.
func (m *Memory) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := make(map[string]struct{})
	for _, c := range m.chords {
		if !c.Fired() {
			for _, id := range c.Children {
				waiting[id] = struct{}{}
			}
		}
	}

	n := 0
	for id, g := range m.groups {
		if g.CreatedAt.Before(before) && m.groupFinished(g) {
			delete(m.groups, id)
			n++
		}
	}
	for id, c := range m.chords {
		if c.Fired() && c.DoneAt.Before(before) {
			delete(m.chords, id)
			n++
		}
	}
	for id, r := range m.records {
		if _, ok := waiting[id]; ok {
			continue
		}
		if r.DoneAt != nil && r.DoneAt.Before(before) {
			delete(m.records, id)
			delete(m.history, id)
			n++
		}
	}
	return n, nil
}

// groupFinished сообщает, что ни один ребёнок группы не ждёт выполнения.
// Удалённые записи считаются завершёнными.
func (m *Memory) groupFinished(g *domain.GroupRecord) bool {
	for _, id := range g.Children {
		if r, ok := m.records[id]; ok && !r.IsFinished() {
			return false
		}
	}
	return true
}

// Ping всегда успешен.
func (m *Memory) Ping(context.Context) error { return nil }

// Close ничего не делает.
func (m *Memory) Close() error { return nil }
