// Package model defines the data structures for Foreman's backlog,
// configuration, and execution state.
package model

// Epic is the top-level planning unit of a run. Epics within a run form a
// sibling group ordered by Rank with explicit DependsOn edges.
type Epic struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Rank        int      `yaml:"rank"`
	DependsOn   []string `yaml:"depends_on"`
}

// Story is a unit of implementable work inside one Epic. Stories of the same
// Epic form a sibling group; DependsOn references resolve only within it.
type Story struct {
	ID          string   `yaml:"id"`
	EpicID      string   `yaml:"epic_id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Rank        int      `yaml:"rank"`
	DependsOn   []string `yaml:"depends_on"`
	Acceptance  []string `yaml:"acceptance,omitempty"`
	Tests       []string `yaml:"tests,omitempty"`
	Tasks       []Task   `yaml:"tasks,omitempty"`
}

// Task is an ordered implementation hint inside one Story. Tasks implicitly
// depend only on earlier tasks of the same story.
type Task struct {
	ID      string `yaml:"id"`
	StoryID string `yaml:"story_id"`
	Title   string `yaml:"title"`
	Rank    int    `yaml:"rank"`
}

// Run is a single planning pass: one requirement, one generated backlog.
type Run struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	RunID         string `yaml:"run_id"`
	Title         string `yaml:"title,omitempty"`
	Requirement   string `yaml:"requirement"`
	Vision        string `yaml:"vision,omitempty"`
	Solution      string `yaml:"solution,omitempty"`
	Epics         []Epic  `yaml:"epics"`
	Stories       []Story `yaml:"stories"`
	CreatedAt     string  `yaml:"created_at"`
	UpdatedAt     string  `yaml:"updated_at"`
}

// StoriesOf returns the stories owned by the given epic, in declaration order.
func (r *Run) StoriesOf(epicID string) []Story {
	var out []Story
	for _, s := range r.Stories {
		if s.EpicID == epicID {
			out = append(out, s)
		}
	}
	return out
}

// WorkRef is the scheduling view of a WorkItem: the only fields the validator
// and sequencer ever read. The scheduler never writes these back.
type WorkRef struct {
	ID        string
	Title     string
	Rank      int
	DependsOn []string
}

// EpicRefs projects a run's epics into scheduling references.
func (r *Run) EpicRefs() []WorkRef {
	refs := make([]WorkRef, 0, len(r.Epics))
	for _, e := range r.Epics {
		refs = append(refs, WorkRef{ID: e.ID, Title: e.Title, Rank: e.Rank, DependsOn: e.DependsOn})
	}
	return refs
}

// StoryRefs projects the stories of one epic into scheduling references.
func (r *Run) StoryRefs(epicID string) []WorkRef {
	stories := r.StoriesOf(epicID)
	refs := make([]WorkRef, 0, len(stories))
	for _, s := range stories {
		refs = append(refs, WorkRef{ID: s.ID, Title: s.Title, Rank: s.Rank, DependsOn: s.DependsOn})
	}
	return refs
}
