package stage

import (
	"fmt"
	"strconv"
	"strings"

	"vectorflow/internal/services"
)

// OptionalString returns a string parameter or "" when it is unset.
func OptionalString(task *Task, key string) (string, error) {
	raw, ok := task.Parameters[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case fmt.Stringer:
		return strings.TrimSpace(v.String()), nil
	default:
		return "", services.Wrap(services.ErrValidation, stageName(task), "read parameter",
			fmt.Sprintf("parameter %q must be a string, got %T", key, raw), nil)
	}
}

// IntParameter returns an integer parameter, accepting the numeric shapes
// produced by JSON, YAML and TOML decoders. fallback is returned when unset.
func IntParameter(task *Task, key string, fallback int) (int, error) {
	raw, ok := task.Parameters[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return 0, services.Wrap(services.ErrValidation, stageName(task), "read parameter",
		fmt.Sprintf("parameter %q must be an integer, got %v", key, raw), nil)
}

func terminal(task *Task, message string) error {
	return services.Terminal(stageName(task), "execute", message, nil)
}

func transient(task *Task, message string) error {
	return services.Transient(stageName(task), "execute", message, nil)
}

func stageName(task *Task) string {
	if task == nil || task.Stage.Name == "" {
		return "stage"
	}
	return task.Stage.Name
}
