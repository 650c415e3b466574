// Package broker определяет очередь сообщений и конверт invocation.
//
// Broker гарантирует at-least-once доставку: сообщение, не подтверждённое
// до закрытия канала consumer'а, доставляется снова с Redelivered() == true.
//
// Реализации:
//   - Memory (memory.go) — в памяти процесса, для тестов и локального запуска;
//   - mq.Broker — RabbitMQ.
package broker
