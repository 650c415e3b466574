package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/backend"
)

// DefaultSchedule — расписание по умолчанию.
const DefaultSchedule = "@hourly"

// cronParser — пятипольный cron и дескрипторы (@hourly, @every 10m).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cleaner удаляет устаревшие записи по расписанию.
type Cleaner struct {
	store    backend.Store
	expires  time.Duration
	spec     string
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger
}

// Config — конфигурация Cleaner.
type Config struct {
	Store backend.Store

	// Expires — возраст, после которого запись удаляется. 0 — очистка выключена.
	Expires time.Duration

	// Schedule — cron-выражение (default: @hourly).
	Schedule string

	// Now — источник времени (для тестов; default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт Cleaner.
func New(cfg Config) (*Cleaner, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}

	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cleaner{
		store:    cfg.Store,
		expires:  cfg.Expires,
		spec:     spec,
		schedule: schedule,
		now:      now,
		logger:   logger.With("component", "cleanup"),
	}, nil
}

// ParseSchedule разбирает cron-выражение.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return schedule, nil
}

// Enabled сообщает, включена ли очистка.
func (c *Cleaner) Enabled() bool {
	return c.expires > 0
}

// Next возвращает время следующего запуска после from.
func (c *Cleaner) Next(from time.Time) time.Time {
	return c.schedule.Next(from)
}

// Tick выполняет одну очистку и возвращает число удалённых записей.
func (c *Cleaner) Tick(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	before := c.now().Add(-c.expires)
	n, err := c.store.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", before.Format(time.RFC3339), err)
	}

	if n > 0 {
		c.logger.Info("expired results purged", "count", n, "before", before)
	} else {
		c.logger.Debug("nothing to purge", "before", before)
	}
	return n, nil
}

// Run запускает очистку по расписанию и блокируется до отмены ctx.
// Ошибки отдельных запусков логируются и не останавливают Cleaner.
func (c *Cleaner) Run(ctx context.Context) {
	if !c.Enabled() {
		c.logger.Info("result cleanup disabled")
		return
	}

	runner := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runner.Schedule(c.schedule, cron.FuncJob(func() {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("result cleanup failed", "error", err)
		}
	}))

	c.logger.Info("result cleanup scheduled",
		"schedule", c.spec,
		"expires", c.expires,
		"next", c.Next(c.now()),
	)
	runner.Start()

	<-ctx.Done()
	<-runner.Stop().Done()
}
