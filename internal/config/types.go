package config

// Config is the daemon's file configuration. YAML and JSON are both
// accepted; unknown keys are rejected so typos surface at load time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the record store backing all scheduler state.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedd.db" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"SCHEDD_STORAGE_DRIVER"`
	Path        string `json:"path" env:"SCHEDD_STORAGE_PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite busy handler bound
}

// SchedulerConfig controls the execution runtime.
type SchedulerConfig struct {
	// TenantID scopes this daemon's definitions, queues and workers.
	TenantID string `json:"tenant_id,omitempty" env:"SCHEDD_TENANT"`

	Workers int      `json:"workers" env:"SCHEDD_WORKERS"`
	Queues  []string `json:"queues,omitempty"`

	PollInterval         string `json:"poll_interval,omitempty"`
	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`
	HousekeepingInterval string `json:"housekeeping_interval,omitempty"`
	StaleWorkerAfter     string `json:"stale_worker_after,omitempty"`

	// DefaultTimeout bounds executions whose definition carries no timeout.
	// Use "0s" for the built-in default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// Timezone for recurrence evaluation, e.g. "Europe/Paris". Empty means
	// the process-local zone.
	Timezone string `json:"timezone,omitempty" env:"SCHEDD_TZ"`
}

// HTTPConfig controls the operational HTTP API.
//
// Prefer binding to localhost; the API carries no authentication layer.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" env:"SCHEDD_HTTP_ADDR"` // default: "127.0.0.1:8321"

	// SubmitRatePerSec caps POST /v1/jobs; 0 disables the limiter.
	SubmitRatePerSec float64 `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst      int     `json:"submit_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the profiling listener. It applies live on reload.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
