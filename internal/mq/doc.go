// Package mq — реализация broker.Broker поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect и канал публикации с publisher confirms
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений, ETA через delay-очереди
//   - consumer.go   — потребление с ручным ack
//   - broker.go     — адаптер к интерфейсу broker.Broker
//
// Publish возвращает управление только после ack брокера, поэтому
// успешная публикация не теряется при разрыве соединения.
//
// Для каждой очереди задач q объявляются:
//   - q          — основная очередь, binding conveyor.tasks/q, DLX conveyor.dlq
//   - dlq.q      — отклонённые сообщения (невалидный JSON)
//
// Для ETA лениво объявляются delay-очереди q.delay.Ns с TTL на всю
// очередь (N = 1, 2, 4 ... 131072). Сообщение ложится в наибольшую
// корзину, не превышающую остаток до ETA, и по TTL возвращается в q.
// Если до ETA ещё не меньше секунды, consumer перекладывает его в
// следующую корзину; остаток меньше секунды ждёт воркер. Общий TTL
// очереди не даёт сообщению с далёким ETA задерживать соседей.
//
// Флаг redelivered берётся из AMQP: RabbitMQ выставляет его, когда
// сообщение возвращается в очередь после закрытия канала без ack.
package mq
