// Package app собирает движок из конфигурации.
//
// App владеет реестром задач, брокером, хранилищем результатов и
// диспетчером и выдаёт над ними клиентский API (Submit, AsyncResult,
// RestoreGroup, Revoke) и фабрики воркера и очистки.
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	res, err := a.Submit(ctx, canvas.NewChain(canvas.S("add", 2, 3), canvas.S("add", 10)))
//	value, err := res.Get(ctx, 10*time.Second) // 15
//
// Схема CONVEYOR_BROKER_URL выбирает транспорт (memory:// или amqp://),
// схема CONVEYOR_BACKEND_URL — хранилище (memory://, redis://, postgres://).
package app
