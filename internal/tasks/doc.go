// Package tasks содержит реестр задач и API, доступный обработчикам.
//
// Задача — это имя, обработчик и политика выполнения:
//
//	registry := tasks.NewRegistry()
//	registry.MustRegister("add", func(ctx context.Context, call *tasks.Call) (any, error) {
//	    x, err := tasks.Arg[float64](call, 0)
//	    ...
//	}, tasks.Policy{Retry: domain.RetryPolicy{MaxRetries: 3}})
//
// Обработчик завершается одним из способов:
//   - значение — SUCCESS;
//   - call.Replace(node) — invocation заменяет себя графом;
//   - call.Retry(err, countdown) — явный повтор;
//   - ошибка — повтор по политике, затем FAILURE;
//   - tasks.Permanent(err) — FAILURE без повторов.
//
// # Синхронное ожидание
//
// call.Wait доступен только задачам с Policy.Blocking. Такая задача
// обязана жить в отдельной очереди, а её под-графы не могут попадать
// в эту очередь (ErrSubWaitDeadlock), поэтому ожидающие драйверы
// не занимают слоты, нужные их детям. Предпочтительная альтернатива —
// call.Replace.
//
// # Файлы пакета
//
//   - task.go     — Handler, Policy, Call, Replacement, helpers аргументов
//   - registry.go — Registry и встроенная задача accumulate
//   - demo.go     — демонстрационные задачи (add, echo, mapreduce, ...)
package tasks
