package config

import "errors"

var (
	// ErrInvalidConfig — некорректное значение конфигурации.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrUnsupportedScheme — схема URL брокера или хранилища не поддерживается.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)
