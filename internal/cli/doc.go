// Package cli реализует команды conveyor поверх app.App.
//
// # Обзор
//
// CLI работает с теми же брокером и хранилищем, что и воркеры: адреса
// берутся из config.Load и флагов --broker-url / --backend-url.
// С memory:// состояние живёт только внутри процесса, поэтому
// submit --local запускает встроенный воркер и ждёт результат.
//
// # Ключевые компоненты
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor result status ID --json | jq .
//
// ## Commands
//
//   - submit: отправка JSON-графа или демо (--demo chain), --wait, --local
//   - freeze: dry run, дерево id без отправки
//   - result: status, get, parents
//   - group: восстановление группы и состояния её членов
//   - revoke: отмена invocation или группы
//   - purge: ручная очистка устаревших результатов
//   - tasks: зарегистрированные задачи и их политики
//
// Каждая команда создаётся фабрикой (NewSubmitCmd и т.д.), принимающей
// AppFunc и OutputFunc — замыкания для ленивого создания App и Output
// после парсинга PersistentFlags.
package cli
