package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory — брокер в памяти процесса.
//
// Сообщения хранятся сериализованными, как в настоящем брокере:
// обработчик никогда не делит память с публикующим. Неподтверждённые
// доставки отслеживаются, RequeueUnacked имитирует падение воркера.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	timers  map[*time.Timer]struct{}
	nextTag uint64
	closed  bool

	// failNext — сколько следующих Publish вернут ErrUnavailable.
	failNext int

	published int
}

type memEntry struct {
	tag         uint64
	data        []byte
	redelivered bool
}

type memQueue struct {
	ready   []memEntry
	unacked map[uint64]memEntry
	wake    chan struct{}
}

// NewMemory создаёт пустой брокер.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (b *Memory) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			unacked: make(map[uint64]memEntry),
			wake:    make(chan struct{}),
		}
		b.queues[name] = q
	}
	return q
}

// broadcast будит всех ждущих потребителей очереди. Вызывать под b.mu.
func (q *memQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Publish публикует сообщение. Сообщение с ETA в будущем
// становится доступным к его наступлению.
func (b *Memory) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.failNext > 0 {
		b.failNext--
		return fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	b.published++

	if msg.ETA != nil {
		if d := time.Until(*msg.ETA); d > 0 {
			var timer *time.Timer
			timer = time.AfterFunc(d, func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				delete(b.timers, timer)
				if !b.closed {
					b.enqueue(msg.Queue, data, false)
				}
			})
			b.timers[timer] = struct{}{}
			return nil
		}
	}

	b.enqueue(msg.Queue, data, false)
	return nil
}

// enqueue кладёт сообщение в очередь. Вызывать под b.mu.
func (b *Memory) enqueue(queue string, data []byte, redelivered bool) {
	b.nextTag++
	q := b.queue(queue)
	q.ready = append(q.ready, memEntry{tag: b.nextTag, data: data, redelivered: redelivered})
	q.broadcast()
}

// Consume читает очередь до отмены ctx.
func (b *Memory) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		q := b.queue(queue)
		if len(q.ready) == 0 || len(q.unacked) >= prefetch {
			wake := q.wake
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
				continue
			}
		}

		entry := q.ready[0]
		q.ready = q.ready[1:]
		q.unacked[entry.tag] = entry
		b.mu.Unlock()

		msg, err := Decode(entry.data)
		if err != nil {
			// Невалидное сообщение не может быть обработано никогда.
			b.settle(queue, entry.tag, false)
			continue
		}

		h(ctx, &memDelivery{broker: b, queue: queue, entry: entry, msg: msg})
	}
}

// settle убирает доставку из неподтверждённых; requeue возвращает её в очередь.
func (b *Memory) settle(queue string, tag uint64, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	entry, ok := q.unacked[tag]
	if !ok {
		return
	}
	delete(q.unacked, tag)
	if requeue && !b.closed {
		b.enqueue(queue, entry.data, true)
		return
	}
	q.broadcast()
}

// RequeueUnacked возвращает все неподтверждённые доставки в их очереди
// с флагом redelivered. Последующие Ack старых доставок ничего не делают.
func (b *Memory) RequeueUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for name, q := range b.queues {
		for tag, entry := range q.unacked {
			delete(q.unacked, tag)
			b.enqueue(name, entry.data, true)
			n++
		}
	}
	return n
}

// FailNext заставляет следующие n вызовов Publish вернуть ErrUnavailable.
func (b *Memory) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Len возвращает количество готовых к доставке сообщений в очереди.
func (b *Memory) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).ready)
}

// Unacked возвращает количество неподтверждённых доставок очереди.
func (b *Memory) Unacked(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).unacked)
}

// Published возвращает количество успешных Publish.
func (b *Memory) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Drain забирает все готовые сообщения очереди без доставки.
func (b *Memory) Drain(queue string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	out := make([]*Message, 0, len(q.ready))
	for _, e := range q.ready {
		if msg, err := Decode(e.data); err == nil {
			out = append(out, msg)
		}
	}
	q.ready = nil
	return out
}

// Close закрывает брокер и останавливает отложенные публикации.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	for _, q := range b.queues {
		q.broadcast()
	}
	return nil
}

type memDelivery struct {
	broker *Memory
	queue  string
	entry  memEntry
	msg    *Message
}

func (d *memDelivery) Message() *Message { return d.msg }

func (d *memDelivery) Ack() error {
	d.broker.settle(d.queue, d.entry.tag, false)
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	d.broker.settle(d.queue, d.entry.tag, requeue)
	return nil
}

func (d *memDelivery) Redelivered() bool { return d.entry.redelivered }
