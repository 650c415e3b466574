package broker

import (
	"context"
	"errors"
)

// Ошибки брокера.
var (
	// ErrClosed — брокер закрыт.
	ErrClosed = errors.New("broker closed")

	// ErrUnavailable — брокер временно недоступен.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrMalformed — сообщение не декодируется.
	ErrMalformed = errors.New("malformed message")
)

// Delivery — одно доставленное сообщение.
type Delivery interface {
	// Message возвращает декодированное сообщение.
	Message() *Message

	// Ack подтверждает обработку. Повторный Ack — no-op.
	Ack() error

	// Nack отклоняет сообщение; requeue возвращает его в очередь.
	Nack(requeue bool) error

	// Redelivered — сообщение уже доставлялось и не было подтверждено.
	Redelivered() bool
}

// Handler обрабатывает доставку.
//
// Вызывается последовательно из цикла Consume; обработчик, которому
// нужен параллелизм, сам передаёт доставку в свой пул.
type Handler func(ctx context.Context, d Delivery)

// Broker — очередь сообщений с at-least-once доставкой.
type Broker interface {
	// Publish публикует сообщение в очередь msg.Queue.
	Publish(ctx context.Context, msg *Message) error

	// Consume читает очередь до отмены ctx.
	// prefetch ограничивает количество неподтверждённых доставок.
	Consume(ctx context.Context, queue string, prefetch int, h Handler) error

	// Close закрывает брокер.
	Close() error
}
