package mq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default configuration values.
const (
	defaultHeartbeat    = 10 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
	defaultConnName     = "conveyor"
)

// ConnectionConfig — параметры подключения к RabbitMQ.
type ConnectionConfig struct {
	URL string

	// Name — connection_name в management UI (default: conveyor).
	Name string

	// Heartbeat — интервал AMQP heartbeat (default: 10s).
	Heartbeat time.Duration

	// ReconnectMin, ReconnectMax — границы экспоненциальной задержки
	// переподключения (default: 1s и 30s).
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger
}

// Connection держит AMQP-соединение и канал публикации в confirm-режиме.
//
// При разрыве соединение восстанавливается в фоне; каждое успешное
// подключение увеличивает Generation и будит ждущих ReconnectNotify.
// Consumer'ы открывают собственные каналы через NewChannel.
type Connection struct {
	cfg    ConnectionConfig
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	pub         *amqp.Channel
	generation  uint64
	reconnected chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection подключается к RabbitMQ и запускает восстановление соединения.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = defaultConnName
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}

	c := &Connection{
		cfg:         cfg,
		logger:      cfg.Logger,
		reconnected: make(chan struct{}),
		done:        make(chan struct{}),
	}

	if err := c.dial(); err != nil {
		return nil, err
	}

	go c.supervise()
	return c, nil
}

// dial открывает соединение и канал публикации.
func (c *Connection) dial() error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": c.cfg.Name},
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pub = pub
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ", "connection_name", c.cfg.Name, "generation", gen)
	return nil
}

// supervise ждёт разрыва соединения и переподключается.
func (c *Connection) supervise() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.done:
			return
		case err := <-lost:
			c.logger.Warn("connection lost", "error", err)
		}

		if !c.redial() {
			return
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()
	}
}

// redial повторяет dial с экспоненциальной задержкой.
// Возвращает false, если соединение закрыли во время ожидания.
func (c *Connection) redial() bool {
	delay := c.cfg.ReconnectMin
	for {
		c.logger.Info("attempting to reconnect", "delay", delay)
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		err := c.dial()
		if err == nil {
			return true
		}
		c.logger.Warn("reconnect failed", "error", err)
		delay = min(delay*2, c.cfg.ReconnectMax)
	}
}

// Generation возвращает номер текущего подключения (1 — первое).
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// WithPublishChannel выполняет fn с каналом публикации.
func (c *Connection) WithPublishChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.pub
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}
	return fn(ch)
}

// NewChannel открывает отдельный канал (для consumer'а со своим QoS).
func (c *Connection) NewChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// ReconnectNotify возвращает канал, который закроется при следующем переподключении.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// IsConnected сообщает, открыто ли соединение.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close закрывает соединение и останавливает переподключение. Идемпотентен.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		defer c.mu.Unlock()

		var errs []error
		if c.pub != nil && !c.pub.IsClosed() {
			errs = append(errs, c.pub.Close())
		}
		if c.conn != nil && !c.conn.IsClosed() {
			errs = append(errs, c.conn.Close())
		}
		err = errors.Join(errs...)
		c.logger.Info("connection closed", "connection_name", c.cfg.Name)
	})
	return err
}
