package config

import (
	"fmt"
	"reflect"
	"strings"

	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// SummarizeConfigChange compares two configs section by section and returns
// human-readable change lines plus structured log fields. Used on live reload
// so operators can see what a config edit actually changed.
//
// Restart-required sections (storage, http binding, worker topology) are
// reported in the third return value; the daemon applies the rest in place.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changes []string, fields []logx.Field, restartRequired []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changes = append(changes, fmt.Sprintf("logging: level=%s console=%v file=%v",
			newCfg.Logging.Level, newCfg.Logging.Console, newCfg.Logging.File.Enabled))
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
	}

	if oldCfg.Storage != newCfg.Storage {
		changes = append(changes, fmt.Sprintf("storage: driver=%s path=%s",
			newCfg.Storage.Driver, newCfg.Storage.Path))
		restartRequired = append(restartRequired, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		parts := []string{fmt.Sprintf("workers=%d", newCfg.Scheduler.Workers)}
		if oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers {
			restartRequired = append(restartRequired, "scheduler.workers")
		}
		if !reflect.DeepEqual(oldCfg.Scheduler.Queues, newCfg.Scheduler.Queues) {
			parts = append(parts, "queues="+strings.Join(newCfg.Scheduler.Queues, ","))
			restartRequired = append(restartRequired, "scheduler.queues")
		}
		if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
			parts = append(parts, "timezone="+newCfg.Scheduler.Timezone)
			restartRequired = append(restartRequired, "scheduler.timezone")
		}
		changes = append(changes, "scheduler: "+strings.Join(parts, " "))
		fields = append(fields, logx.Int("scheduler.workers", newCfg.Scheduler.Workers))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changes = append(changes, fmt.Sprintf("http: enabled=%v addr=%s",
			newCfg.HTTP.Enabled, newCfg.HTTP.Addr))
		if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr {
			restartRequired = append(restartRequired, "http")
		}
	}

	// Pprof reconfigures itself in place; never restart-required.
	if oldCfg.Pprof != newCfg.Pprof {
		changes = append(changes, fmt.Sprintf("pprof: enabled=%v addr=%s",
			newCfg.Pprof.Enabled, newCfg.Pprof.Addr))
	}

	return changes, fields, restartRequired
}
