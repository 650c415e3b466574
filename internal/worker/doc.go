// Package worker выполняет invocation'ы из очередей брокера.
//
// # Обзор
//
// Worker — stateless компонент: состояние invocation'ов хранится
// в backend.Store, сообщения — в брокере. Несколько воркеров
// масштабируются горизонтально и читают одни и те же очереди.
//
//	w, err := worker.New(worker.Config{
//	    Broker:     b,
//	    Store:      store,
//	    Registry:   registry,
//	    Dispatcher: d,
//	    Queues:     []worker.Queue{{Name: "default", Concurrency: 8}, {Name: "mapreduce", Concurrency: 1}},
//	    Logger:     logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = w.Run(ctx) // до отмены ctx
//
// Каждая очередь читается отдельным потребителем со своим пулом слотов
// (prefetch равен concurrency). Блокирующие задачи (Policy.Blocking)
// живут в собственных очередях и не занимают слоты очереди по умолчанию.
//
// # Обработка сообщения
//
//  1. early ack — подтверждение сразу после получения;
//  2. задача не зарегистрирована — FAILURE (UnknownTask) без повторов;
//  3. запись терминальна — дубликат: продолжение графа повторяется, ack;
//  4. запись заменена (forward_to) — ack;
//  5. STARTED другим воркером — перехват только при redelivery, иначе ack;
//  6. ожидание ETA;
//  7. CAS PENDING|RETRY → STARTED с владельцем-воркером;
//  8. выполнение с лимитом времени и опросом отмены;
//  9. исход: SUCCESS, RETRY с повторной публикацией, FAILURE, замена
//     графом или REVOKED; затем dispatcher.Complete;
//  10. late ack.
//
// Паника обработчика считается ошибкой обработчика.
//
// # Повторы
//
// Ошибка обработчика повторяется, пока retries < Policy.Retry.MaxRetries:
// запись переходит в RETRY, сообщение публикуется заново с retries+1
// и ETA = now + backoff. Permanent-ошибки не повторяются.
// Call.Retry без лимита в политике допускает 3 повтора.
package worker
