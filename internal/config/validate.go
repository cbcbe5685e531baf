package config

import (
	"fmt"
	"strings"

	"tradepipe/internal/task"
)

// Validate rejects configs that would misbehave at runtime: unknown queue
// names, negative ceilings, malformed durations, unknown storage drivers.
// Used directly at boot and as the Watch() validator for hot reloads.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.retention", cfg.Scheduler.Retention); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval); err != nil {
		return err
	}
	if cfg.Scheduler.GlobalCeiling < 0 {
		return fmt.Errorf("scheduler.global_ceiling: must be >= 0")
	}
	for name, qc := range cfg.Scheduler.Queues {
		if !task.Queue(name).Valid() {
			return fmt.Errorf("scheduler.queues: unknown queue %q", name)
		}
		if qc.Ceiling < 0 {
			return fmt.Errorf("scheduler.queues.%s.ceiling: must be >= 0", name)
		}
	}

	if cfg.Diag != nil {
		for _, f := range []struct{ path, raw string }{
			{"diag.read_timeout", cfg.Diag.ReadTimeout},
			{"diag.write_timeout", cfg.Diag.WriteTimeout},
			{"diag.idle_timeout", cfg.Diag.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"runner.default_timeout", cfg.Runner.DefaultTimeout},
		{"runner.analysis_timeout", cfg.Runner.AnalysisTimeout},
		{"runner.grace_period", cfg.Runner.GracePeriod},
		{"bridge.poll", cfg.Bridge.Poll},
		{"bridge.call_timeout", cfg.Bridge.CallTimeout},
		{"bridge.join_timeout", cfg.Bridge.JoinTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
