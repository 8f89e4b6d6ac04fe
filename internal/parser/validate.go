package parser

import (
	cerrors "cockpit/internal/errors"
)

// Per-phase validation tables. Required keys must be present; enumerated
// fields must hold one of the allowed values; progress_percent must sit in
// [0,100].

var requiredFields = map[string][]string{
	PhaseAnalysis:     {"summary", "recommended_splits"},
	PhaseTaskList:     {"tasks"},
	PhaseProgress:     {"task_id", "status"},
	PhaseCompletion:   {"task_id", "status"},
	PhaseAggregation:  {"status"},
	PhaseVerification: {"status"},
}

var allowedStatus = map[string]map[string]struct{}{
	PhaseCompletion: {
		"success": {}, "partial": {}, "failed": {}, "timeout": {},
	},
	PhaseAggregation: {
		"success": {}, "needs_input": {}, "failed": {},
	},
	PhaseVerification: {
		"passed": {}, "passed_with_warnings": {}, "failed": {},
	},
}

// Validate checks phase data against the validation table for that phase.
func Validate(phase string, data map[string]any) error {
	required, ok := requiredFields[phase]
	if !ok {
		return cerrors.New(cerrors.ParseFailed, "unknown phase %q", phase)
	}
	for _, field := range required {
		if _, present := data[field]; !present {
			return cerrors.New(cerrors.ParseFailed, "phase %s missing required field %q", phase, field)
		}
	}

	if allowed, ok := allowedStatus[phase]; ok {
		status, _ := data["status"].(string)
		if _, valid := allowed[status]; !valid {
			return cerrors.New(cerrors.ParseFailed, "phase %s has invalid status %q", phase, status)
		}
	}

	if phase == PhaseTaskList {
		tasks, ok := data["tasks"].([]any)
		if !ok {
			return cerrors.New(cerrors.ParseFailed, "task_list tasks must be an array")
		}
		for i, raw := range tasks {
			task, ok := raw.(map[string]any)
			if !ok {
				return cerrors.New(cerrors.ParseFailed, "task %d is not an object", i)
			}
			for _, field := range []string{"id", "title", "description"} {
				if _, present := task[field]; !present {
					return cerrors.New(cerrors.ParseFailed, "task %d missing required field %q", i, field)
				}
			}
		}
	}

	if phase == PhaseProgress {
		if raw, present := data["progress_percent"]; present {
			pct, ok := toFloat(raw)
			if !ok || pct < 0 || pct > 100 {
				return cerrors.New(cerrors.ParseFailed, "progress_percent must be within [0,100]")
			}
		}
	}

	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
