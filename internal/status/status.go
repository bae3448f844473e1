// Package status renders run progress for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/foreman/internal/daemon"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/uds"
)

type RunStatus struct {
	Serve   bool           `json:"serve_running"`
	Summary daemon.Summary `json:"summary"`
	Stories []StoryLine    `json:"stories,omitempty"`
}

// StoryLine is one row of the per-story breakdown.
type StoryLine struct {
	ID      string `json:"id"`
	Epic    string `json:"epic"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Run prints the status of one run. An empty runID resolves to the latest
// run. State is read directly from the store; the serve daemon is only
// pinged for liveness.
func Run(foremanDir, runID string, jsonOutput bool) error {
	st := store.New(foremanDir)

	serve := checkServe(filepath.Join(foremanDir, uds.DefaultSocketName))

	if runID == "" {
		latest, err := st.LatestRun()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if latest == "" {
			if jsonOutput {
				fmt.Println("{}")
				return nil
			}
			fmt.Println("No runs. Plan one with: foreman plan \"<requirement>\"")
			return nil
		}
		runID = latest
	}

	run, err := st.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	state, err := st.LoadState(runID)
	if err != nil {
		return fmt.Errorf("load state %s: %w", runID, err)
	}

	status := RunStatus{
		Serve:   serve,
		Summary: daemon.Summarize(state),
		Stories: storyLines(run, state),
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(run, status)
	return nil
}

func checkServe(sockPath string) bool {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand("ping", nil)
	return err == nil && resp.Success
}

// storyLines walks stories in execution order when the sequencer has run,
// falling back to declaration order for a freshly planned run.
func storyLines(run *model.Run, state *model.RunState) []StoryLine {
	epicTitles := make(map[string]string, len(run.Epics))
	for _, e := range run.Epics {
		epicTitles[e.ID] = e.Title
	}
	storyByID := make(map[string]model.Story, len(run.Stories))
	for _, s := range run.Stories {
		storyByID[s.ID] = s
	}

	var ordered []model.Story
	if len(state.EpicOrder) > 0 {
		for _, epicID := range state.EpicOrder {
			for _, storyID := range state.StoryOrder[epicID] {
				if s, ok := storyByID[storyID]; ok {
					ordered = append(ordered, s)
				}
			}
		}
	}
	if len(ordered) == 0 {
		ordered = run.Stories
	}

	lines := make([]StoryLine, 0, len(ordered))
	for _, s := range ordered {
		line := StoryLine{
			ID:     s.ID,
			Epic:   epicTitles[s.EpicID],
			Title:  s.Title,
			Status: string(state.StoryStates[s.ID]),
		}
		if res, ok := state.StoryResults[s.ID]; ok {
			line.Summary = res.Summary
			line.Error = res.Error
		}
		lines = append(lines, line)
	}
	return lines
}

func printStatus(run *model.Run, s RunStatus) {
	fmt.Printf("Run:    %s\n", s.Summary.RunID)
	fmt.Printf("Title:  %s\n", run.Title)
	fmt.Printf("Status: %s\n", s.Summary.Status)
	if s.Serve {
		fmt.Println("Serve:  running")
	} else {
		fmt.Println("Serve:  stopped")
	}

	if len(s.Stories) > 0 {
		fmt.Println("\nStories:")
		fmt.Printf("  %-28s  %-20s  %-14s  %s\n", "STORY", "EPIC", "STATUS", "SUMMARY")
		for _, line := range s.Stories {
			summary := line.Summary
			if line.Error != "" {
				summary = line.Error
			}
			if len(summary) > 60 {
				summary = summary[:60] + "..."
			}
			fmt.Printf("  %-28s  %-20s  %-14s  %s\n", line.Title, line.Epic, line.Status, summary)
		}
	}

	if len(s.Summary.Failed) > 0 {
		fmt.Printf("\nFailed stories: %d\n", len(s.Summary.Failed))
	}
}
