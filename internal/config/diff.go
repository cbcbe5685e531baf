package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tradepipe/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means in-memory.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.global_ceiling", newCfg.Scheduler.GlobalCeiling),
			logx.Int("scheduler.queues", len(newCfg.Scheduler.Queues)),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.default_timeout", strings.TrimSpace(newCfg.Runner.DefaultTimeout)),
			logx.String("runner.analysis_timeout", strings.TrimSpace(newCfg.Runner.AnalysisTimeout)),
			logx.String("runner.grace_period", strings.TrimSpace(newCfg.Runner.GracePeriod)),
		)
	}

	if oldCfg.Bridge != newCfg.Bridge {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.String("bridge.poll", strings.TrimSpace(newCfg.Bridge.Poll)),
			logx.String("bridge.call_timeout", strings.TrimSpace(newCfg.Bridge.CallTimeout)),
		)
	}

	if oldCfg.OrchestratorEnabled() != newCfg.OrchestratorEnabled() {
		changed = append(changed, "orchestrator")
		attrs = append(attrs, logx.Bool("orchestrator.enabled", newCfg.OrchestratorEnabled()))
	}

	// Diag (never log the token).
	oD, nD := oldCfg.Diag, newCfg.Diag
	if oD == nil {
		oD = &DiagConfig{}
	}
	if nD == nil {
		nD = &DiagConfig{}
	}
	if oD.Enabled != nD.Enabled ||
		strings.TrimSpace(oD.Addr) != strings.TrimSpace(nD.Addr) ||
		(strings.TrimSpace(oD.Token) != "") != (strings.TrimSpace(nD.Token) != "") ||
		oD.AllowInsecure != nD.AllowInsecure {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nD.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(nD.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
