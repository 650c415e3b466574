package domain

import "time"

// AckMode — момент подтверждения сообщения брокеру.
type AckMode string

const (
	// AckLate — ack после выполнения. Гарантирует at-least-once,
	// но требует идемпотентных обработчиков: падение после записи
	// результата и до ack приводит к повторной доставке.
	AckLate AckMode = "late"

	// AckEarly — ack до выполнения. Падение воркера теряет работу.
	AckEarly AckMode = "early"
)

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxRetries — сколько повторов допускается после первой попытки.
	MaxRetries int `json:"max_retries"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelay — начальная задержка.
	InitialDelay time.Duration `json:"initial_delay,omitempty"`

	// MaxDelay — максимальная задержка.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// CanRetry проверяет, можно ли сделать ещё один повтор.
// retries — количество уже сделанных повторов.
func (p *RetryPolicy) CanRetry(retries int) bool {
	if p == nil {
		return false
	}
	return retries < p.MaxRetries
}

// Delay вычисляет задержку перед повтором номер attempt (начиная с 1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil {
		return time.Second
	}

	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// "fixed" или неизвестный — используем initialDelay
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
