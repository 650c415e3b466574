package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/shaiso/Conveyor/internal/cleanup"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Default configuration values.
const (
	DefaultBrokerURL       = "memory://"
	DefaultBackendURL      = "memory://"
	DefaultQueue           = "default"
	DefaultResultExpires   = 24 * time.Hour
	DefaultPrefetch        = 4
	DefaultRevokePoll      = 500 * time.Millisecond
	DefaultCleanupSchedule = "@hourly"
	DefaultOpsAddr         = ":9090"
)

// Поддерживаемые схемы URL.
const (
	SchemeMemory     = "memory"
	SchemeAMQP       = "amqp"
	SchemeAMQPS      = "amqps"
	SchemeRedis      = "redis"
	SchemeRediss     = "rediss"
	SchemePostgres   = "postgres"
	SchemePostgreSQL = "postgresql"
)

// Queue — очередь воркера и её concurrency.
type Queue struct {
	Name        string
	Concurrency int
}

// Route — маршрут задач по шаблону имени (path.Match) в очередь.
type Route struct {
	Pattern string
	Queue   string
}

// Config — конфигурация приложения и воркера.
type Config struct {
	BrokerURL  string
	BackendURL string

	DefaultQueue string

	// ResultExpires — срок хранения завершённых записей. 0 — без очистки.
	ResultExpires time.Duration

	ChordPolicy domain.ChordPolicy

	// Queues — очереди воркера. Пусто — очередь по умолчанию и
	// очереди блокирующих задач.
	Queues []Queue

	// Routes — маршруты задач в очереди, первый подходящий побеждает.
	Routes []Route

	Prefetch   int
	RevokePoll time.Duration

	// CleanupSchedule — cron-выражение (5 полей или дескриптор @hourly).
	CleanupSchedule string

	OpsAddr string

	LogLevel  string
	LogFormat string
}

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() Config {
	return Config{
		BrokerURL:       DefaultBrokerURL,
		BackendURL:      DefaultBackendURL,
		DefaultQueue:    DefaultQueue,
		ResultExpires:   DefaultResultExpires,
		ChordPolicy:     domain.ChordPolicyFail,
		Prefetch:        DefaultPrefetch,
		RevokePoll:      DefaultRevokePoll,
		CleanupSchedule: DefaultCleanupSchedule,
		OpsAddr:         DefaultOpsAddr,
	}
}

// Load загружает .env-файлы и читает конфигурацию из окружения.
//
// Без аргументов читается ./.env, если он есть. Явно переданные файлы
// обязательны. Переменные окружения имеют приоритет над .env.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv собирает конфигурацию из getenv поверх значений по умолчанию.
// Ошибки разбора значений объединяются.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var errs []error

	setString(&cfg.BrokerURL, getenv("CONVEYOR_BROKER_URL"))
	setString(&cfg.BackendURL, getenv("CONVEYOR_BACKEND_URL"))
	setString(&cfg.DefaultQueue, getenv("CONVEYOR_DEFAULT_QUEUE"))
	setString(&cfg.CleanupSchedule, getenv("CONVEYOR_CLEANUP_SCHEDULE"))
	setString(&cfg.OpsAddr, getenv("CONVEYOR_OPS_ADDR"))
	cfg.LogLevel = getenv("LOG_LEVEL")
	cfg.LogFormat = getenv("LOG_FORMAT")

	if v := getenv("CONVEYOR_CHORD_POLICY"); v != "" {
		cfg.ChordPolicy = domain.ChordPolicy(strings.ToLower(v))
	}
	if err := setDuration(&cfg.ResultExpires, "CONVEYOR_RESULT_EXPIRES", getenv); err != nil {
		errs = append(errs, err)
	}
	if err := setDuration(&cfg.RevokePoll, "CONVEYOR_REVOKE_POLL", getenv); err != nil {
		errs = append(errs, err)
	}
	if v := getenv("CONVEYOR_PREFETCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: CONVEYOR_PREFETCH=%q: %v", ErrInvalidConfig, v, err))
		} else {
			cfg.Prefetch = n
		}
	}
	if v := getenv("CONVEYOR_QUEUES"); v != "" {
		queues, err := ParseQueues(v, cfg.Prefetch)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Queues = queues
	}
	if v := getenv("CONVEYOR_ROUTES"); v != "" {
		routes, err := ParseRoutes(v)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Routes = routes
	}

	return cfg, errors.Join(errs...)
}

// ParseRoutes разбирает список вида "ml_tasks.*:ml_service,email:mail".
func ParseRoutes(s string) ([]Route, error) {
	var out []Route
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		pattern, queue, ok := strings.Cut(item, ":")
		r := Route{Pattern: strings.TrimSpace(pattern), Queue: strings.TrimSpace(queue)}
		if !ok || r.Pattern == "" || r.Queue == "" {
			return nil, fmt.Errorf("%w: route %q: want pattern:queue", ErrInvalidConfig, item)
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: route %q: %v", ErrInvalidConfig, item, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseQueues разбирает список вида "default:8,mapreduce:1,email".
// Очередь без concurrency получает fallback.
func ParseQueues(s string, fallback int) ([]Queue, error) {
	var out []Queue
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		name, conc, hasConc := strings.Cut(item, ":")
		q := Queue{Name: strings.TrimSpace(name), Concurrency: fallback}
		if hasConc {
			n, err := strconv.Atoi(strings.TrimSpace(conc))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: queue %q: concurrency must be a positive integer", ErrInvalidConfig, item)
			}
			q.Concurrency = n
		}
		if q.Name == "" {
			return nil, fmt.Errorf("%w: queue %q: empty name", ErrInvalidConfig, item)
		}
		out = append(out, q)
	}
	return out, nil
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	var errs []error

	if err := checkScheme("CONVEYOR_BROKER_URL", c.BrokerURL, SchemeMemory, SchemeAMQP, SchemeAMQPS); err != nil {
		errs = append(errs, err)
	}
	if err := checkScheme("CONVEYOR_BACKEND_URL", c.BackendURL,
		SchemeMemory, SchemeRedis, SchemeRediss, SchemePostgres, SchemePostgreSQL); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultQueue == "" {
		errs = append(errs, fmt.Errorf("%w: default queue is empty", ErrInvalidConfig))
	}
	if c.ResultExpires < 0 {
		errs = append(errs, fmt.Errorf("%w: result expires must not be negative", ErrInvalidConfig))
	}
	if !c.ChordPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("%w: chord policy %q (want fail or propagate)", ErrInvalidConfig, c.ChordPolicy))
	}
	if c.Prefetch <= 0 {
		errs = append(errs, fmt.Errorf("%w: prefetch must be positive", ErrInvalidConfig))
	}
	if c.RevokePoll <= 0 {
		errs = append(errs, fmt.Errorf("%w: revoke poll must be positive", ErrInvalidConfig))
	}
	if c.CleanupSchedule != "" {
		if _, err := cleanup.ParseSchedule(c.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("%w: cleanup schedule: %w", ErrInvalidConfig, err))
		}
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if seen[q.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate queue %s", ErrInvalidConfig, q.Name))
		}
		seen[q.Name] = true
	}

	return errors.Join(errs...)
}

// Scheme возвращает схему URL в нижнем регистре.
func Scheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q has no scheme", ErrUnsupportedScheme, raw)
	}
	return strings.ToLower(u.Scheme), nil
}

// --- Helpers ---

func checkScheme(name, raw string, allowed ...string) error {
	scheme, err := Scheme(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range allowed {
		if scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: %s", name, ErrUnsupportedScheme, scheme)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name string, getenv func(string) string) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, v, err)
	}
	*dst = d
	return nil
}
