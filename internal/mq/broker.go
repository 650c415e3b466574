package mq

import (
	"context"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/broker"
)

// Broker — broker.Broker поверх RabbitMQ.
type Broker struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// Dial подключается к RabbitMQ с параметрами по умолчанию.
func Dial(url string, logger *slog.Logger) (*Broker, error) {
	return DialConfig(ConnectionConfig{URL: url, Logger: logger})
}

// DialConfig подключается к RabbitMQ.
func DialConfig(cfg ConnectionConfig) (*Broker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "amqp")
	cfg.Logger = logger

	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}

	return &Broker{
		conn:      conn,
		publisher: NewPublisher(conn, logger),
		logger:    logger,
	}, nil
}

// Publish публикует сообщение в очередь msg.Queue.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	return b.publisher.Publish(ctx, msg)
}

// Consume потребляет очередь до отмены ctx.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, h broker.Handler) error {
	c := NewConsumer(b.conn, b.publisher, b.logger, ConsumerConfig{
		Queue:    queue,
		Handler:  h,
		Prefetch: prefetch,
	})
	return c.Start(ctx)
}

// Healthy сообщает, установлено ли соединение.
func (b *Broker) Healthy(context.Context) error {
	if !b.conn.IsConnected() {
		return broker.ErrUnavailable
	}
	return nil
}

// Close закрывает соединение.
func (b *Broker) Close() error {
	return b.conn.Close()
}
