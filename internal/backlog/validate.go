// Package backlog validates and sequences dependency-graphed sibling groups
// of work items (epics of a run, stories of an epic).
//
// The validator is strict: it asserts rank consistency and dependency
// resolution before anything is persisted, and fails loud on the first
// malformed group. The sequencer is deliberately permissive: it always
// produces a total order, even from incomplete or cyclic dependency data.
package backlog

import (
	"fmt"

	"github.com/msageha/foreman/internal/model"
)

// ValidateGroup asserts that a full sibling group is well-formed. It is a
// pure predicate: no reordering, no rank repair, no mutation. Rank assignment
// is an upstream responsibility.
//
// Dependency references resolve by sibling ID or exact title.
func ValidateGroup(items []model.WorkRef) *ValidationErrors {
	errs := &ValidationErrors{}
	if len(items) == 0 {
		return nil
	}

	byID := make(map[string]int, len(items))
	byTitle := make(map[string]int, len(items))
	minRank := items[0].Rank
	for i, item := range items {
		byID[item.ID] = i
		if item.Title != "" {
			byTitle[item.Title] = i
		}
		if item.Rank < minRank {
			minRank = item.Rank
		}
	}

	rankSeen := make(map[int]string, len(items))
	for i, item := range items {
		prefix := fmt.Sprintf("items[%d]", i)

		if item.Rank <= 0 {
			errs.Add(KindInvalidRank, prefix+".rank",
				fmt.Sprintf("rank must be a positive integer, got %d", item.Rank))
		}

		if prev, dup := rankSeen[item.Rank]; dup {
			errs.Add(KindDuplicateRank, prefix+".rank",
				fmt.Sprintf("rank %d already used by %q", item.Rank, prev))
		} else {
			rankSeen[item.Rank] = item.ID
		}

		// An item that is not first must say what it waits on. Silence is a
		// construction error, not a default.
		if item.Rank > minRank && len(item.DependsOn) == 0 {
			errs.Add(KindMissingDependency, prefix+".depends_on",
				fmt.Sprintf("item %q has rank %d but declares no dependency", item.ID, item.Rank))
		}

		for j, dep := range item.DependsOn {
			depPath := fmt.Sprintf("%s.depends_on[%d]", prefix, j)

			idx, ok := byID[dep]
			if !ok {
				idx, ok = byTitle[dep]
			}
			if !ok {
				errs.Add(KindUnknownDependency, depPath,
					fmt.Sprintf("references unknown sibling %q", dep))
				continue
			}
			if idx == i {
				errs.Add(KindSelfDependency, depPath,
					fmt.Sprintf("item %q depends on itself", item.ID))
				continue
			}
			if items[idx].Rank >= item.Rank {
				errs.Add(KindRankViolation, depPath,
					fmt.Sprintf("dependency %q has rank %d, must be lower than %d",
						dep, items[idx].Rank, item.Rank))
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
