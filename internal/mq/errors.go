package mq

import "errors"

var (
	// ErrNotConnected — соединение с RabbitMQ сейчас не установлено.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrNacked — брокер не подтвердил публикацию.
	ErrNacked = errors.New("amqp: publish not confirmed")
)
