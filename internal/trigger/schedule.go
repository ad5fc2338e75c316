package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Schedule decides when the next run should occur after the given time.
type Schedule interface {
	Next(after time.Time) time.Time
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression, a six-field expression
// with leading seconds, or a descriptor such as "@hourly" or "@every 10m".
// Schedules are evaluated in UTC unless the expression carries CRON_TZ.
func ParseSchedule(expr string) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, services.Wrap(services.ErrValidation, "trigger", "parse schedule", "schedule is empty", nil)
	}
	if !strings.HasPrefix(trimmed, "CRON_TZ=") && !strings.HasPrefix(trimmed, "TZ=") {
		trimmed = "CRON_TZ=UTC " + trimmed
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "trigger", "parse schedule", fmt.Sprintf("invalid schedule %q", expr), err)
	}
	return sched, nil
}

// ValidateDefinitions checks the schedule expression of every schedule
// trigger.
func ValidateDefinitions(defs []pipeline.Definition) error {
	var errs []error
	for _, def := range defs {
		for _, trig := range def.Triggers {
			if trig.Type != pipeline.TriggerSchedule {
				continue
			}
			if _, err := ParseSchedule(trig.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %s trigger %s: %w", def.Name, trig.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// sameMinute reports whether a and b fall in the same UTC minute.
func sameMinute(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return a.UTC().Truncate(time.Minute).Equal(b.UTC().Truncate(time.Minute))
}
