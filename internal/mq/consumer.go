package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/broker"
)

// Delivery — доставленное сообщение с методами ack/nack.
type Delivery struct {
	msg  *broker.Message
	raw  amqp.Delivery
	once sync.Once
}

// Message возвращает распарсенное сообщение.
func (d *Delivery) Message() *broker.Message {
	return d.msg
}

// Ack подтверждает успешную обработку сообщения.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		err = d.raw.Ack(false)
	})
	return err
}

// Nack отклоняет сообщение.
// requeue=true — вернуть в очередь, false — отправить в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() {
		err = d.raw.Nack(false, requeue)
	})
	return err
}

// Redelivered — сообщение уже доставлялось другому consumer'у.
func (d *Delivery) Redelivered() bool {
	return d.raw.Redelivered
}

// Consumer потребляет сообщения из одной очереди RabbitMQ.
type Consumer struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
	queue     string
	handler   broker.Handler
	prefetch  int
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Handler — обработчик сообщений.
	Handler broker.Handler

	// Prefetch — количество неподтверждённых сообщений на consumer.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, publisher *Publisher, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:      conn,
		publisher: publisher,
		logger:    logger,
		queue:     cfg.Queue,
		handler:   cfg.Handler,
		prefetch:  prefetch,
	}
}

// Start запускает потребление сообщений и блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Запоминаем канал уведомления до попытки, чтобы не пропустить reconnect
		reconnected := c.conn.ReconnectNotify()

		// Получаем канал доставки
		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-reconnected:
				c.publisher.ResetTopology()
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue, "prefetch", c.prefetch)

		// Обрабатываем сообщения
		err = c.processDeliveries(ctx, deliveries)
		ch.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue, "error", err)

		// Канал закрыт, ждём переподключения
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.publisher.ResetTopology()
		}
	}
}

// setupConsume открывает канал consumer'а и начинает потребление.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	if err := c.publisher.Declare(c.queue); err != nil {
		return nil, nil, err
	}

	ch, err := c.conn.NewChannel()
	if err != nil {
		return nil, nil, err
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery декодирует сообщение и передаёт его обработчику.
// Ack/nack — ответственность обработчика.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	msg, err := broker.Decode(raw.Body)
	if err != nil {
		c.logger.Error("failed to decode message",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение — отправляем в DLQ
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", msg.ID,
		"task", msg.Task,
		"redelivered", raw.Redelivered,
	)

	if c.redelay(ctx, msg, raw) {
		return
	}

	c.handler(ctx, &Delivery{msg: msg, raw: raw})
}

// redelay перекладывает сообщение, вернувшееся из delay-очереди раньше ETA,
// в следующую корзину. Остаток меньше секунды ждёт воркер.
func (c *Consumer) redelay(ctx context.Context, msg *broker.Message, raw amqp.Delivery) bool {
	if msg.ETA == nil || DelayBucket(time.Until(*msg.ETA)) == 0 {
		return false
	}
	if msg.Queue == "" {
		msg.Queue = c.queue
	}
	if err := c.publisher.Publish(ctx, msg); err != nil {
		c.logger.Warn("failed to re-delay message, handing over to worker",
			"queue", c.queue,
			"message_id", msg.ID,
			"error", err,
		)
		return false
	}
	if err := raw.Ack(false); err != nil {
		c.logger.Warn("failed to ack re-delayed message", "message_id", msg.ID, "error", err)
	}
	return true
}
