package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Exchanges — имена обменников.
const (
	ExchangeTasks Exchange = "conveyor.tasks"
	ExchangeDLQ   Exchange = "conveyor.dlq"
)

// Границы delay-очередей: 1s, 2s, 4s ... 2^17s (~36h).
const (
	minDelayBucket      = time.Second
	maxDelayBucketShift = 17
)

// DelayBucket возвращает наибольшую delay-очередь, не превышающую d.
// 0 — задержка меньше секунды, сообщение публикуется сразу и воркер
// ждёт остаток сам.
//
// У каждой delay-очереди один TTL на всю очередь, поэтому сообщения
// истекают в порядке поступления. Сообщение, вернувшееся раньше ETA,
// consumer перекладывает в следующую корзину.
func DelayBucket(d time.Duration) time.Duration {
	if d < minDelayBucket {
		return 0
	}
	b := minDelayBucket
	for i := 0; i < maxDelayBucketShift && b*2 <= d; i++ {
		b *= 2
	}
	return b
}

// DelayedQueue возвращает имя delay-очереди queue для корзины bucket.
//
// У очереди нет consumer'ов: сообщение лежит в ней bucket и через
// dead-letter возвращается в основную очередь.
func DelayedQueue(queue string, bucket time.Duration) string {
	return fmt.Sprintf("%s.delay.%ds", queue, int64(bucket/time.Second))
}

// DeadLetterQueue возвращает имя DLQ для queue.
func DeadLetterQueue(queue string) string {
	return "dlq." + queue
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueue создаёт очередь задач вместе с DLQ.
//
//	conveyor.tasks --[queue]--> queue --(reject)--> conveyor.dlq --[queue]--> dlq.queue
func declareQueue(ch *amqp.Channel, queue string) error {
	queues := []struct {
		name string
		args amqp.Table
	}{
		{queue, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": queue,
		}},
		{DeadLetterQueue(queue), nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	bindings := []struct {
		queue    string
		key      string
		exchange Exchange
	}{
		{queue, queue, ExchangeTasks},
		{DeadLetterQueue(queue), queue, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			b.queue,            // queue name
			b.key,              // routing key
			string(b.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// declareDelayQueue создаёт delay-очередь корзины bucket.
//
//	queue.delay.Ns --(ttl N)--> conveyor.tasks --[queue]--> queue
func declareDelayQueue(ch *amqp.Channel, queue string, bucket time.Duration) error {
	name := DelayedQueue(queue, bucket)
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-message-ttl":             bucket.Milliseconds(),
			"x-dead-letter-exchange":    string(ExchangeTasks),
			"x-dead-letter-routing-key": queue,
		},
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(queues ...string) string {
	s := "\n  Conveyor RabbitMQ Topology:\n\n    conveyor.tasks (direct)\n"
	for _, q := range queues {
		s += fmt.Sprintf("    ├── %s [routing: %s]  DLQ: %s\n", q, q, DeadLetterQueue(q))
		s += fmt.Sprintf("    │   └── %s.delay.{1s..%ds} (TTL → %s, on demand)\n",
			q, int64(minDelayBucket<<maxDelayBucketShift/time.Second), q)
	}
	s += "    conveyor.dlq (direct)\n"
	return s
}
