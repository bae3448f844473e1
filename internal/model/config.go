package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Worker   WorkerConfig   `yaml:"worker"`
	Executor ExecutorConfig `yaml:"executor"`
	Exemplar ExemplarConfig `yaml:"exemplar"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// WorkerConfig configures the external generative worker.
type WorkerConfig struct {
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url,omitempty"`
	APIKeyEnv       string  `yaml:"api_key_env"`
	PaceIntervalSec float64 `yaml:"pace_interval_sec"`
}

// ExecutorConfig bounds one story invocation.
type ExecutorConfig struct {
	MaxSteps           int     `yaml:"max_steps"`
	LoopGuardEnabled   bool    `yaml:"loop_guard_enabled"`
	LoopGuardWindow    int     `yaml:"loop_guard_window"`
	LoopGuardThreshold int     `yaml:"loop_guard_threshold"`
	RetryAttempts      int     `yaml:"retry_attempts"`
	RetryBaseSec       float64 `yaml:"retry_base_sec"`
	MaxEventBytes      int     `yaml:"max_event_bytes"`
}

// ExemplarConfig configures the prior-art retrieval gate. An empty URL
// disables retrieval entirely.
type ExemplarConfig struct {
	URL        string             `yaml:"url,omitempty"`
	Scheme     string             `yaml:"scheme,omitempty"`
	TopK       int                `yaml:"top_k"`
	MinScore   float64            `yaml:"min_score"`
	TypeFloors map[string]float64 `yaml:"type_floors,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Worker.Model == "" {
		c.Worker.Model = "gpt-4o-mini"
	}
	if c.Worker.APIKeyEnv == "" {
		c.Worker.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Executor.MaxSteps <= 0 {
		c.Executor.MaxSteps = 40
	}
	if c.Executor.LoopGuardWindow <= 0 {
		c.Executor.LoopGuardWindow = 4
	}
	if c.Executor.LoopGuardThreshold <= 0 {
		c.Executor.LoopGuardThreshold = c.Executor.LoopGuardWindow
	}
	if c.Executor.RetryAttempts <= 0 {
		c.Executor.RetryAttempts = 3
	}
	if c.Executor.RetryBaseSec <= 0 {
		c.Executor.RetryBaseSec = 2
	}
	if c.Executor.MaxEventBytes <= 0 {
		c.Executor.MaxEventBytes = 16 * 1024
	}
	if c.Exemplar.Scheme == "" {
		c.Exemplar.Scheme = "http"
	}
	if c.Exemplar.TopK <= 0 {
		c.Exemplar.TopK = 3
	}
	if c.Exemplar.MinScore <= 0 {
		c.Exemplar.MinScore = 0.75
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
