package config

// Config is the root configuration document. It accepts JSON or YAML; both
// are decoded strictly (unknown fields are rejected).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner,omitempty"`
	Bridge    BridgeConfig    `json:"bridge,omitempty"`

	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	Diag         *DiagConfig        `json:"diag,omitempty"`
}

// DiagConfig controls the optional diagnostics HTTP server (healthz, statusz,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"` // trace|debug|info|warn|error
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls task persistence. A nil section or empty driver
// keeps tasks in memory only.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tradepipe.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "", "memory", "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the admission loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - global_ceiling: 8
//   - retention: "168h"
//   - sweep_interval: "1h"
type SchedulerConfig struct {
	Enabled       bool                   `json:"enabled"`
	TickInterval  string                 `json:"tick_interval,omitempty"`
	GlobalCeiling int                    `json:"global_ceiling,omitempty"`
	Queues        map[string]QueueConfig `json:"queues,omitempty"`
	Retention     string                 `json:"retention,omitempty"`
	SweepInterval string                 `json:"sweep_interval,omitempty"`
}

// QueueConfig is one queue's admission settings. Bridged queues are excluded
// from the loop and run on a dedicated bridge worker instead.
type QueueConfig struct {
	Ceiling int  `json:"ceiling,omitempty"`
	Bridged bool `json:"bridged,omitempty"`
}

// RunnerConfig bounds handler execution.
type RunnerConfig struct {
	DefaultTimeout  string `json:"default_timeout,omitempty"`  // default "5m"
	AnalysisTimeout string `json:"analysis_timeout,omitempty"` // default "15m"
	GracePeriod     string `json:"grace_period,omitempty"`     // default "5s"
}

// BridgeConfig controls the bridged-queue workers.
type BridgeConfig struct {
	Poll        string `json:"poll,omitempty"`         // default "2s"
	CallTimeout string `json:"call_timeout,omitempty"` // default "10s"
	JoinTimeout string `json:"join_timeout,omitempty"` // default "30s"
}

// OrchestratorConfig controls the reactive rule layer.
//
// Enabled is a pointer so an omitted section defaults to on while an explicit
// false turns the rule loop off.
type OrchestratorConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// OrchestratorEnabled resolves the pointer against its default.
func (c *Config) OrchestratorEnabled() bool {
	if c.Orchestrator.Enabled == nil {
		return true
	}
	return *c.Orchestrator.Enabled
}

// Default returns the configuration used when no file is present: scheduler
// on, in-memory storage, analysis bridged with a single slot.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickInterval:  "1s",
			GlobalCeiling: 8,
			Queues: map[string]QueueConfig{
				"sync":     {Ceiling: 2},
				"market":   {Ceiling: 4},
				"analysis": {Ceiling: 1, Bridged: true},
				"report":   {Ceiling: 2},
			},
		},
	}
}
