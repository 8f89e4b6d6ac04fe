package orchestrator

import (
	"sort"
	"strings"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/worker"
)

// BuildGroups partitions tasks into waves that can run in parallel. A task
// joins the earliest wave in which all of its dependencies are already
// scheduled. Unknown dependencies are a validation error; unschedulable
// remainders are a dependency cycle.
func BuildGroups(tasks []worker.Task) ([][]string, error) {
	known := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		known[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := known[dep]; !ok {
				return nil, cerrors.New(cerrors.Validation, "task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	scheduled := make(map[string]struct{}, len(tasks))
	remaining := append([]worker.Task(nil), tasks...)
	var groups [][]string

	for len(remaining) > 0 {
		var wave []string
		var next []worker.Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := scheduled[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t.ID)
			} else {
				next = append(next, t)
			}
		}
		if len(wave) == 0 {
			ids := make([]string, len(next))
			for i, t := range next {
				ids[i] = t.ID
			}
			sort.Strings(ids)
			return nil, cerrors.New(cerrors.DependencyCycle,
				"dependency cycle among tasks %s", strings.Join(ids, ", "))
		}
		sort.Strings(wave)
		for _, id := range wave {
			scheduled[id] = struct{}{}
		}
		groups = append(groups, wave)
		remaining = next
	}
	return groups, nil
}
