package parser

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "cockpit/internal/errors"
)

func TestParseRecoversMalformedJSON(t *testing.T) {
	p := New("", "")
	text := "pre <<<ORCHESTRATOR_RESPONSE>>>\n{phase:'analysis', data:{summary:\"ok\", recommended_splits:3,},}\n<<<END_ORCHESTRATOR_RESPONSE>>> post"

	resp, err := p.Parse(text)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.Found)
	assert.Equal(t, "analysis", resp.Phase)
	assert.Equal(t, "ok", resp.Data["summary"])
	assert.Equal(t, float64(3), resp.Data["recommended_splits"])
	assert.Equal(t, "pre ", resp.BeforeText)
	assert.Equal(t, " post", resp.AfterText)
}

func TestParseNoDelimiters(t *testing.T) {
	p := New("", "")
	resp, err := p.Parse("plain assistant chatter without any markers")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestParseRejectsUnknownPhase(t *testing.T) {
	p := New("", "")
	text := DefaultStartDelimiter + `{"phase":"mystery","data":{}}` + DefaultEndDelimiter
	_, err := p.Parse(text)
	require.Error(t, err)
	assert.Equal(t, cerrors.ParseFailed, cerrors.KindOf(err))
}

func TestParseRoundTrip(t *testing.T) {
	// Anything the engine serializes must parse back identically.
	cases := []struct {
		phase string
		data  map[string]any
	}{
		{PhaseAnalysis, map[string]any{"summary": "layered service", "recommended_splits": float64(4), "key_files": []any{"main.go"}}},
		{PhaseTaskList, map[string]any{"tasks": []any{map[string]any{"id": "t1", "title": "a", "description": "b"}}}},
		{PhaseProgress, map[string]any{"task_id": "t1", "status": "running", "progress_percent": float64(40)}},
		{PhaseCompletion, map[string]any{"task_id": "t1", "status": "success", "output_files": []any{"x.go"}}},
		{PhaseAggregation, map[string]any{"status": "success", "merged_output": "done"}},
		{PhaseVerification, map[string]any{"status": "passed"}},
	}

	p := New("", "")
	for _, tc := range cases {
		t.Run(tc.phase, func(t *testing.T) {
			body, err := json.Marshal(map[string]any{"phase": tc.phase, "data": tc.data})
			require.NoError(t, err)
			text := fmt.Sprintf("%s%s%s", DefaultStartDelimiter, body, DefaultEndDelimiter)

			resp, err := p.Parse(text)
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.phase, resp.Phase)
			assert.Equal(t, tc.data, resp.Data)
		})
	}
}

func TestParseMultiple(t *testing.T) {
	p := New("", "")
	text := DefaultStartDelimiter + `{"phase":"progress","data":{"task_id":"t1","status":"running"}}` + DefaultEndDelimiter +
		" noise " +
		DefaultStartDelimiter + `{"phase":"completion","data":{"task_id":"t1","status":"success"}}` + DefaultEndDelimiter

	responses := p.ParseMultiple(text)
	require.Len(t, responses, 2)
	assert.Equal(t, PhaseProgress, responses[0].Phase)
	assert.Equal(t, PhaseCompletion, responses[1].Phase)
}

func TestValidateTable(t *testing.T) {
	cases := []struct {
		name    string
		phase   string
		data    map[string]any
		wantErr bool
	}{
		{"analysis ok", PhaseAnalysis, map[string]any{"summary": "s", "recommended_splits": float64(2)}, false},
		{"analysis missing splits", PhaseAnalysis, map[string]any{"summary": "s"}, true},
		{"completion bad status", PhaseCompletion, map[string]any{"task_id": "t", "status": "done"}, true},
		{"progress out of range", PhaseProgress, map[string]any{"task_id": "t", "status": "running", "progress_percent": float64(120)}, true},
		{"aggregation needs_input", PhaseAggregation, map[string]any{"status": "needs_input"}, false},
		{"verification warnings", PhaseVerification, map[string]any{"status": "passed_with_warnings"}, false},
		{"task missing description", PhaseTaskList, map[string]any{"tasks": []any{map[string]any{"id": "a", "title": "b"}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.phase, tc.data)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectFallback(t *testing.T) {
	fb := DetectFallback("I have finished the task and the task is complete now")
	assert.Equal(t, PhaseCompletion, fb.Phase)
	assert.LessOrEqual(t, fb.Confidence, 0.9)
	assert.Greater(t, fb.Confidence, 0.0)

	none := DetectFallback("nothing interesting here")
	assert.Equal(t, "", none.Phase)
	assert.Zero(t, none.Confidence)
}
