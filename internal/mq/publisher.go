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

// Publisher публикует сообщения задач в RabbitMQ.
//
// Очереди объявляются лениво при первой публикации или подписке.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger

	// mu сериализует публикацию на общем канале и объявление топологии.
	mu         sync.Mutex
	declared   map[string]bool
	delays     map[string]bool
	setup      bool
	generation uint64
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		logger:   logger,
		declared: make(map[string]bool),
		delays:   make(map[string]bool),
	}
}

// Declare объявляет очередь и её служебные очереди.
func (p *Publisher) Declare(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.declareLocked(queue)
}

func (p *Publisher) declareLocked(queue string) error {
	if gen := p.conn.Generation(); gen != p.generation {
		// Новое соединение: топологию объявляем заново.
		p.declared = make(map[string]bool)
		p.delays = make(map[string]bool)
		p.setup = false
		p.generation = gen
	}
	if p.declared[queue] {
		return nil
	}
	return p.conn.WithPublishChannel(func(ch *amqp.Channel) error {
		if !p.setup {
			if err := declareExchanges(ch); err != nil {
				return err
			}
			p.setup = true
		}
		if err := declareQueue(ch, queue); err != nil {
			return err
		}
		p.declared[queue] = true
		return nil
	})
}

// ResetTopology сбрасывает кэш объявленных очередей (после reconnect
// брокер мог потерять не-durable состояние).
func (p *Publisher) ResetTopology() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declared = make(map[string]bool)
	p.delays = make(map[string]bool)
	p.setup = false
}

func (p *Publisher) declareDelayLocked(queue string, bucket time.Duration) error {
	name := DelayedQueue(queue, bucket)
	if p.delays[name] {
		return nil
	}
	return p.conn.WithPublishChannel(func(ch *amqp.Channel) error {
		if err := declareDelayQueue(ch, queue, bucket); err != nil {
			return err
		}
		p.delays[name] = true
		return nil
	})
}

// Publish публикует сообщение.
//
// Сообщение с ETA дальше секунды уходит в delay-очередь корзины
// DelayBucket(ETA - now).
func (p *Publisher) Publish(ctx context.Context, msg *broker.Message) error {
	body, err := broker.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declareLocked(msg.Queue); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	exchange := string(ExchangeTasks)
	routingKey := msg.Queue
	if msg.ETA != nil {
		if bucket := DelayBucket(time.Until(*msg.ETA)); bucket > 0 {
			if err := p.declareDelayLocked(msg.Queue, bucket); err != nil {
				return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
			}
			// Публикуем в default exchange прямо в delay-очередь
			exchange = ""
			routingKey = DelayedQueue(msg.Queue, bucket)
		}
	}

	return p.conn.WithPublishChannel(func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.SentAt,
				Type:         msg.Task,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("%w: publish to %s/%s: %v", broker.ErrUnavailable, exchange, routingKey, err)
		}

		// Публикация считается успешной только после ack брокера.
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("%w: wait confirm for %s: %v", broker.ErrUnavailable, msg.ID, err)
		}
		if !acked {
			return fmt.Errorf("%w: %w: %s", broker.ErrUnavailable, ErrNacked, msg.ID)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"task", msg.Task,
		)
		return nil
	})
}
