// Package cleanup периодически удаляет устаревшие результаты.
//
// Cleaner по cron-расписанию вызывает Store.Purge для записей,
// завершённых раньше, чем now - Expires. Purge идемпотентен, поэтому
// Cleaner может работать в каждом воркере без выбора лидера.
//
// Использование:
//
//	c, err := cleanup.New(cleanup.Config{
//	    Store:    store,
//	    Expires:  24 * time.Hour,
//	    Schedule: "@hourly",
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	go c.Run(ctx)
package cleanup
