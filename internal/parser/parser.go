package parser

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	cerrors "cockpit/internal/errors"
)

// Default delimiter pair wrapping structured replies inside free-form
// assistant output.
const (
	DefaultStartDelimiter = "<<<ORCHESTRATOR_RESPONSE>>>"
	DefaultEndDelimiter   = "<<<END_ORCHESTRATOR_RESPONSE>>>"
)

// Phases an orchestrated conversation can reply with.
const (
	PhaseAnalysis     = "analysis"
	PhaseTaskList     = "task_list"
	PhaseProgress     = "progress"
	PhaseCompletion   = "completion"
	PhaseAggregation  = "aggregation"
	PhaseVerification = "verification"
)

// Response is one structured reply extracted from a transcript fragment.
type Response struct {
	Found      bool           `json:"found"`
	Phase      string         `json:"phase"`
	Data       map[string]any `json:"data"`
	BeforeText string         `json:"beforeText,omitempty"`
	AfterText  string         `json:"afterText,omitempty"`
}

// Fallback is a keyword-based guess used when no delimited reply is present.
type Fallback struct {
	Phase      string  `json:"phase"`
	Confidence float64 `json:"confidence"`
}

// Parser extracts and validates delimited JSON replies.
type Parser struct {
	start string
	end   string
}

// New creates a parser for the given delimiter pair. Empty strings select the
// defaults.
func New(start, end string) *Parser {
	if start == "" {
		start = DefaultStartDelimiter
	}
	if end == "" {
		end = DefaultEndDelimiter
	}
	return &Parser{start: start, end: end}
}

// envelope is the shape enclosed between the delimiters.
type envelope struct {
	Phase string         `json:"phase"`
	Data  map[string]any `json:"data"`
}

// Parse locates the first delimited reply in text. The enclosed content is
// parsed with a repair pass that forgives comments, single quotes, unquoted
// keys and trailing commas. Returns (nil, nil) when no delimiter pair exists.
func (p *Parser) Parse(text string) (*Response, error) {
	startIdx := strings.Index(text, p.start)
	if startIdx < 0 {
		return nil, nil
	}
	rest := text[startIdx+len(p.start):]
	endIdx := strings.Index(rest, p.end)
	if endIdx < 0 {
		return nil, nil
	}

	body := rest[:endIdx]
	after := rest[endIdx+len(p.end):]

	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if err := Validate(env.Phase, env.Data); err != nil {
		return nil, err
	}
	return &Response{
		Found:      true,
		Phase:      env.Phase,
		Data:       env.Data,
		BeforeText: text[:startIdx],
		AfterText:  after,
	}, nil
}

// ParseMultiple scans text for every delimiter pair in order. Fragments that
// fail to parse are skipped.
func (p *Parser) ParseMultiple(text string) []*Response {
	var out []*Response
	remaining := text
	for {
		startIdx := strings.Index(remaining, p.start)
		if startIdx < 0 {
			return out
		}
		rest := remaining[startIdx+len(p.start):]
		endIdx := strings.Index(rest, p.end)
		if endIdx < 0 {
			return out
		}
		body := rest[:endIdx]
		if env, err := decodeEnvelope(body); err == nil {
			if Validate(env.Phase, env.Data) == nil {
				out = append(out, &Response{Found: true, Phase: env.Phase, Data: env.Data})
			}
		}
		remaining = rest[endIdx+len(p.end):]
	}
}

func decodeEnvelope(body string) (*envelope, error) {
	body = strings.TrimPrefix(strings.TrimSpace(body), "\ufeff")
	if body == "" {
		return nil, cerrors.New(cerrors.ParseFailed, "empty delimited body")
	}

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err == nil {
		return checkEnvelope(&env)
	}

	repaired, err := jsonrepair.JSONRepair(body)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ParseFailed, err, "repair delimited JSON")
	}
	if err := json.Unmarshal([]byte(repaired), &env); err != nil {
		return nil, cerrors.Wrap(cerrors.ParseFailed, err, "parse repaired JSON")
	}
	return checkEnvelope(&env)
}

func checkEnvelope(env *envelope) (*envelope, error) {
	if env.Phase == "" {
		return nil, cerrors.New(cerrors.ParseFailed, "delimited reply has no phase")
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env, nil
}

// fallbackKeywords maps phases to transcript keywords, strongest first.
var fallbackKeywords = []struct {
	phase      string
	keywords   []string
	confidence float64
}{
	{PhaseCompletion, []string{"task complete", "task completed", "finished the task"}, 0.8},
	{PhaseAnalysis, []string{"analysis complete", "analyzed the codebase", "recommended split"}, 0.7},
	{PhaseTaskList, []string{"task breakdown", "task list", "subtasks:"}, 0.7},
	{PhaseAggregation, []string{"merged output", "aggregated results", "conflict"}, 0.6},
	{PhaseVerification, []string{"verification passed", "all checks passed", "verification failed"}, 0.6},
	{PhaseProgress, []string{"progress", "working on", "currently"}, 0.5},
}

// DetectFallback guesses the phase of a free-text fragment by keyword. The
// returned confidence never exceeds 0.9; zero confidence means no guess.
func DetectFallback(text string) Fallback {
	lower := strings.ToLower(text)
	for _, entry := range fallbackKeywords {
		matches := 0
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		conf := entry.confidence
		if matches > 1 {
			conf += 0.1
		}
		if conf > 0.9 {
			conf = 0.9
		}
		return Fallback{Phase: entry.phase, Confidence: conf}
	}
	return Fallback{}
}
