package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/shaiso/Conveyor/internal/backend"
	"github.com/shaiso/Conveyor/internal/broker"
	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/tasks"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	DefaultQueue          = "default"
	defaultPublishRetries = 3
	defaultPublishBackoff = 100 * time.Millisecond
)

// Dispatcher отправляет графы и продвигает их после завершения этапов.
type Dispatcher struct {
	broker   broker.Broker
	store    backend.Store
	registry *tasks.Registry
	metrics  *telemetry.Metrics

	defaultQueue string
	routes       []Route
	chordPolicy  domain.ChordPolicy
	retries      int
	backoff      domain.RetryPolicy

	logger *slog.Logger
}

// Route — маршрут задач по шаблону имени в очередь.
//
// Pattern — шаблон path.Match: "ml_tasks.*", "*.report", "email".
type Route struct {
	Pattern string
	Queue   string
}

// Match сообщает, подходит ли task под шаблон маршрута.
func (r Route) Match(task string) bool {
	ok, err := path.Match(r.Pattern, task)
	return err == nil && ok
}

// Config — конфигурация Dispatcher.
type Config struct {
	Broker broker.Broker
	Store  backend.Store

	// Registry — реестр для очередей по умолчанию из политик задач (опционально).
	Registry *tasks.Registry

	// DefaultQueue — очередь, если ни сигнатура, ни задача её не задают.
	DefaultQueue string

	// ChordPolicy — политика chord по умолчанию (default: fail).
	ChordPolicy domain.ChordPolicy

	// Routes — маршруты по имени задачи; побеждает первый подходящий.
	Routes []Route

	// PublishRetries — повторы публикации при недоступности брокера (default: 3).
	PublishRetries int

	// PublishBackoff — начальная задержка между повторами публикации (default: 100ms).
	PublishBackoff time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	queue := cfg.DefaultQueue
	if queue == "" {
		queue = DefaultQueue
	}

	policy := cfg.ChordPolicy
	if !policy.IsValid() {
		policy = domain.ChordPolicyFail
	}

	retries := cfg.PublishRetries
	if retries <= 0 {
		retries = defaultPublishRetries
	}

	backoff := cfg.PublishBackoff
	if backoff <= 0 {
		backoff = defaultPublishBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		broker:       cfg.Broker,
		store:        cfg.Store,
		registry:     cfg.Registry,
		metrics:      cfg.Metrics,
		defaultQueue: queue,
		routes:       cfg.Routes,
		chordPolicy:  policy,
		retries:      retries,
		backoff: domain.RetryPolicy{
			Backoff:      "exponential",
			InitialDelay: backoff,
			MaxDelay:     backoff * 20,
		},
		logger: logger,
	}
}

// Store возвращает хранилище результатов.
func (d *Dispatcher) Store() backend.Store {
	return d.store
}

// DefaultQueue возвращает очередь по умолчанию.
func (d *Dispatcher) DefaultQueue() string {
	return d.defaultQueue
}

// submission — параметры одной отправки графа.
type submission struct {
	root  string
	queue string
}

// SubmitOption — опция Submit.
type SubmitOption func(*submission)

// WithQueue задаёт очередь для invocation'ов, у которых очередь не указана явно.
func WithQueue(queue string) SubmitOption {
	return func(s *submission) {
		s.queue = queue
	}
}

// QueueFor возвращает очередь сигнатуры.
//
// Порядок: очередь сигнатуры, override при submit, первый подходящий
// маршрут, очередь из политики задачи, очередь по умолчанию.
func (d *Dispatcher) QueueFor(sig *canvas.Signature, override string) string {
	if sig.Options.Queue != "" {
		return sig.Options.Queue
	}
	if override != "" {
		return override
	}
	for _, r := range d.routes {
		if r.Match(sig.Task) {
			return r.Queue
		}
	}
	if d.registry != nil {
		if def, err := d.registry.Resolve(sig.Task); err == nil && def.Policy.Queue != "" {
			return def.Policy.Queue
		}
	}
	return d.defaultQueue
}

// Submit отправляет граф и возвращает его терминальный id.
//
// Граф замораживается на месте (id становятся видны вызывающему),
// для всех листьев создаются PENDING-записи, для всех групп — записи
// групп, затем публикуются листья, готовые к запуску. Если публикация
// не удалась после всех повторов, ещё не начатые записи отправки
// переводятся в FAILURE с BrokerUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, node canvas.Node, opts ...SubmitOption) (string, error) {
	sub := &submission{}
	for _, opt := range opts {
		opt(sub)
	}
	return d.submit(ctx, node, sub)
}

func (d *Dispatcher) submit(ctx context.Context, node canvas.Node, sub *submission) (string, error) {
	if node == nil {
		return "", ErrEmptyWorkflow
	}
	node = canvas.Normalize(node)
	terminal := canvas.Freeze(node)
	if terminal == "" || len(canvas.Leaves(node)) == 0 {
		return "", ErrEmptyWorkflow
	}
	if sub.root == "" {
		sub.root = terminal
	}

	work := canvas.Copy(node)
	if err := d.createRecords(ctx, work, sub); err != nil {
		return "", err
	}

	d.metrics.Submitted()
	d.logger.Debug("submitting workflow",
		"root_id", sub.root,
		"kind", node.Kind(),
		"leaves", len(canvas.Leaves(work)),
	)

	if err := d.dispatch(ctx, work, nil, sub); err != nil {
		cause := domain.NewTaskError(domain.ErrorBrokerUnavailable, err.Error())
		if abortErr := d.abort(ctx, work, cause); abortErr != nil {
			d.logger.Error("failed to mark unpublished records", "root_id", sub.root, "error", abortErr)
		}
		return terminal, fmt.Errorf("submit %s: %w", terminal, err)
	}
	return terminal, nil
}

// createRecords разрешает очереди листьев и записывает PENDING-записи и группы.
func (d *Dispatcher) createRecords(ctx context.Context, work canvas.Node, sub *submission) error {
	leaves := canvas.Leaves(work)
	seen := make(map[string]struct{}, len(leaves))
	records := make([]*domain.Record, 0, len(leaves))

	for _, sig := range leaves {
		if _, dup := seen[sig.ID]; dup {
			return fmt.Errorf("%w: %s", canvas.ErrDuplicateID, sig.ID)
		}
		seen[sig.ID] = struct{}{}

		sig.Options.Queue = d.QueueFor(sig, sub.queue)
		rec, err := d.pendingRecord(sig, sub.root)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	if err := d.store.CreatePending(ctx, records); err != nil {
		return fmt.Errorf("create records: %w", err)
	}

	now := time.Now().UTC()
	for _, g := range canvas.Groups(work) {
		children := make([]string, len(g.Nodes))
		for i, c := range g.Nodes {
			children[i] = canvas.TerminalID(c)
		}
		var members []string
		for _, sig := range canvas.Leaves(g) {
			members = append(members, sig.ID)
		}
		rec := &domain.GroupRecord{ID: g.ID, Children: children, Members: members, CreatedAt: now}
		if err := d.store.SaveGroup(ctx, rec); err != nil {
			return fmt.Errorf("save group %s: %w", g.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) pendingRecord(sig *canvas.Signature, root string) (*domain.Record, error) {
	rec := domain.NewPendingRecord(sig.ID, sig.Task)
	rec.ParentID = sig.ParentID
	rec.RootID = root
	rec.GroupID = sig.GroupID
	rec.Queue = sig.Options.Queue

	args := sig.Args
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args of %s: %w", sig.ID, err)
	}
	rec.Args = data

	if sig.Kwargs != nil {
		if rec.Kwargs, err = json.Marshal(sig.Kwargs); err != nil {
			return nil, fmt.Errorf("marshal kwargs of %s: %w", sig.ID, err)
		}
	}
	return rec, nil
}

// dispatch публикует готовые к запуску листья узла n. link — то,
// что должно запуститься после успешного завершения n.
func (d *Dispatcher) dispatch(ctx context.Context, n canvas.Node, link canvas.Node, sub *submission) error {
	switch v := n.(type) {
	case *canvas.Signature:
		v.Link = canvas.Then(v.Link, link)
		return d.publishSignature(ctx, v, sub)

	case *canvas.Chain:
		if len(v.Nodes) == 0 {
			return nil
		}
		next := link
		if len(v.Nodes) > 1 {
			next = canvas.Then(&canvas.Chain{Nodes: v.Nodes[1:]}, link)
		}
		return d.dispatch(ctx, v.Nodes[0], next, sub)

	case *canvas.Group:
		if link != nil {
			// Группа с продолжением — chord: продолжение ждёт всех детей.
			return d.dispatchChord(ctx, &canvas.Chord{Header: v, Body: link}, nil, sub)
		}
		var errs []error
		for _, child := range v.Nodes {
			if err := d.dispatch(ctx, child, nil, sub); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case *canvas.Chord:
		return d.dispatchChord(ctx, v, link, sub)
	}
	return fmt.Errorf("%w: %T", canvas.ErrInvalidNode, n)
}

// dispatchChord создаёт счётчик chord и публикует header.
// Body вместе с link сохраняется в счётчике и запускается при сборе всех частей.
func (d *Dispatcher) dispatchChord(ctx context.Context, c *canvas.Chord, link canvas.Node, sub *submission) error {
	if c.Header == nil {
		c.Header = &canvas.Group{}
	}
	if c.Body == nil {
		c.Body = canvas.Accumulate()
	}
	body := canvas.Then(c.Body, link)

	if err := d.ensureSingleTerminals(ctx, c, sub); err != nil {
		return err
	}

	var members []canvas.Node
	var children []string
	for _, m := range c.Header.Nodes {
		if t := canvas.Terminal(m); t != nil {
			members = append(members, m)
			children = append(children, t.ID)
		}
	}

	if len(members) == 0 {
		return d.dispatch(ctx, canvas.Prepend(body, []any{}), nil, sub)
	}

	encoded, err := canvas.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode chord body: %w", err)
	}
	policy := c.Policy
	if !policy.IsValid() {
		policy = d.chordPolicy
	}

	err = d.store.CreateChord(ctx, &domain.ChordRecord{
		ID:        c.Header.ID,
		Children:  children,
		Remaining: len(children),
		Body:      encoded,
		Policy:    policy,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create chord %s: %w", c.Header.ID, err)
	}

	var errs []error
	for _, m := range members {
		canvas.Terminal(m).Chord = c.Header.ID
		if err := d.dispatch(ctx, m, nil, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureSingleTerminals оборачивает члены header, оканчивающиеся группой,
// и создаёт записи для появившихся при этом invocation'ов.
func (d *Dispatcher) ensureSingleTerminals(ctx context.Context, c *canvas.Chord, sub *submission) error {
	for i, m := range c.Header.Nodes {
		c.Header.Nodes[i] = canvas.SingleTerminal(m)
	}

	var fresh []*canvas.Signature
	for _, sig := range canvas.Leaves(c) {
		if sig.ID == "" {
			fresh = append(fresh, sig)
		}
	}
	if c.Header.ID == "" || len(fresh) > 0 {
		canvas.Freeze(c.Header)
	}
	if len(fresh) == 0 {
		return nil
	}

	records := make([]*domain.Record, 0, len(fresh))
	for _, sig := range fresh {
		canvas.Freeze(sig)
		sig.Options.Queue = d.QueueFor(sig, sub.queue)
		rec, err := d.pendingRecord(sig, sub.root)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := d.store.CreatePending(ctx, records); err != nil {
		return fmt.Errorf("create records: %w", err)
	}
	return nil
}

func (d *Dispatcher) publishSignature(ctx context.Context, sig *canvas.Signature, sub *submission) error {
	queue := d.QueueFor(sig, sub.queue)
	msg := broker.FromSignature(sig, queue, sub.root, time.Now().UTC())
	return d.Publish(ctx, msg)
}

// Publish публикует сообщение с повторами при недоступности брокера.
func (d *Dispatcher) Publish(ctx context.Context, msg *broker.Message) error {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			d.metrics.PublishRetry()
			delay := d.backoff.Delay(attempt)
			d.logger.Warn("publish failed, retrying",
				"invocation_id", msg.ID,
				"queue", msg.Queue,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = d.broker.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPublishFailed, msg.ID, err)
}
