package model

// StoryResult is the recorded outcome of one story invocation.
type StoryResult struct {
	StoryID    string      `yaml:"story_id"`
	Status     StoryStatus `yaml:"status"`
	Summary    string      `yaml:"summary,omitempty"`
	Error      string      `yaml:"error,omitempty"`
	EventCount int         `yaml:"event_count"`
	Attempts   int         `yaml:"attempts"`
	StartedAt  string      `yaml:"started_at"`
	FinishedAt string      `yaml:"finished_at"`
}

// RunState is the execution-side record of a run, persisted separately from
// the backlog so the scheduler never rewrites rank or dependency fields.
type RunState struct {
	SchemaVersion int                    `yaml:"schema_version"`
	FileType      string                 `yaml:"file_type"`
	RunID         string                 `yaml:"run_id"`
	Status        RunStatus              `yaml:"status"`
	EpicOrder     []string               `yaml:"epic_order,omitempty"`
	StoryOrder    map[string][]string    `yaml:"story_order,omitempty"`
	StoryStates   map[string]StoryStatus `yaml:"story_states"`
	StoryResults  map[string]StoryResult `yaml:"story_results"`
	CreatedAt     string                 `yaml:"created_at"`
	UpdatedAt     string                 `yaml:"updated_at"`
}
