// Package backend — Result Store: записи invocation, группы и счётчики chord.
//
// Реализации интерфейса Store:
//   - Memory — в памяти процесса (тесты, локальный запуск);
//   - Redis — hash на запись, Lua-скрипты для переходов и частей chord;
//   - Postgres — таблицы task_results, task_groups, task_chords (migrations/).
//
// Все реализации проходят один и тот же набор тестов (store_suite_test.go).
package backend
