package cleanup

import "errors"

var (
	// ErrInvalidSchedule — cron-выражение не разбирается.
	ErrInvalidSchedule = errors.New("invalid cleanup schedule")

	// ErrNoStore — не передано хранилище.
	ErrNoStore = errors.New("cleanup: store is required")
)
