package steering

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParams   = errors.New("invalid agent params")
	ErrInvalidObstacle = errors.New("invalid obstacle")
)

// ConfigError reports a rejected construction parameter. Validation happens
// once at construction; nothing inside a tick returns an error.
type ConfigError struct {
	Kind  error
	Field string
	Value float64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s=%v", e.Kind, e.Field, e.Value)
}

func (e *ConfigError) Unwrap() error { return e.Kind }
