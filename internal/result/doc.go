// Package result — клиентская сторона чтения результатов.
//
// AsyncResult читает запись invocation из backend.Store:
//
//	r := result.New(store, id)
//	st, err := r.Status(ctx)       // состояние без ожидания
//	value, err := r.Get(ctx, 10*time.Second)
//
// Записи, заменённые графом (forward_to), разрешаются транзитивно
// до терминала замены. Если по id нет записи invocation, id читается
// как группа: состояние агрегируется по детям в порядке группы.
//
// RestoreGroup восстанавливает GroupResult по id группы.
package result
