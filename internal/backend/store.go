package backend

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (повторная часть chord).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — условие перехода не выполнено.
	ErrInvalidState = errors.New("invalid state")
)

// Store — хранилище результатов, групп и счётчиков chord.
//
// Все операции, меняющие состояние, атомарны на стороне хранилища:
// Transition — compare-and-set по (state, worker), ChordPart —
// одна операция "записать часть, если её нет, и уменьшить счётчик".
type Store interface {
	// CreatePending создаёт записи, которых ещё нет. Существующие не меняются.
	CreatePending(ctx context.Context, records []*domain.Record) error

	// Get возвращает запись. ErrNotFound, если её нет.
	Get(ctx context.Context, id string) (*domain.Record, error)

	// Transition условно меняет запись.
	//
	// При успехе возвращает новую запись. Если условие не выполнено —
	// текущую запись и ErrInvalidState. ErrNotFound, если записи нет.
	Transition(ctx context.Context, id string, t domain.Transition) (*domain.Record, error)

	// SaveGroup сохраняет группу, если её ещё нет.
	SaveGroup(ctx context.Context, g *domain.GroupRecord) error

	// GetGroup возвращает группу. ErrNotFound, если её нет.
	GetGroup(ctx context.Context, id string) (*domain.GroupRecord, error)

	// CreateChord создаёт счётчик chord, если его ещё нет.
	CreateChord(ctx context.Context, c *domain.ChordRecord) error

	// ChordPart записывает часть ребёнка и уменьшает счётчик.
	//
	// last == true ровно у одного вызова — того, который довёл счётчик до нуля.
	// Повторная часть того же ребёнка — ErrAlreadyExists, счётчик не меняется.
	ChordPart(ctx context.Context, chordID, childID string, part domain.ChordPart) (remaining int, last bool, err error)

	// GetChord возвращает счётчик chord со всеми частями.
	GetChord(ctx context.Context, id string) (*domain.ChordRecord, error)

	// Purge удаляет устаревшие данные:
	//   - терминальные записи, завершённые до before, кроме детей
	//     ещё не собранных chord;
	//   - группы, созданные до before, все дети которых завершены;
	//   - chord, последняя часть которых собрана до before.
	Purge(ctx context.Context, before time.Time) (int, error)

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Close освобождает ресурсы.
	Close() error
}
