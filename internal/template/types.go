package template

// Config is the concurrency and retry block of a resolved template.
type Config struct {
	MaxWorkers     int  `json:"maxWorkers"`
	WorkerTimeout  int  `json:"workerTimeout"`
	PollInterval   int  `json:"pollInterval"`
	SpawnDelay     int  `json:"spawnDelay"`
	MaxRetries     int  `json:"maxRetries"`
	RetryOnError   bool `json:"retryOnError"`
	RetryOnTimeout bool `json:"retryOnTimeout"`
	MinTasks       int  `json:"minTasks"`
	MaxTasks       int  `json:"maxTasks"`
}

// Phase is one per-phase enable/timeout block.
type Phase struct {
	Enabled    bool `json:"enabled"`
	Timeout    int  `json:"timeout"`
	Validation bool `json:"validation"`
}

// Prompt is a system+user prompt pair.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Delimiters is the marker pair wrapping structured replies.
type Delimiters struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Template is the typed view of a resolved template document.
type Template struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Extends    string            `json:"extends,omitempty"`
	Config     Config            `json:"config"`
	Phases     map[string]Phase  `json:"phases"`
	Prompts    map[string]Prompt `json:"prompts"`
	Worker     Prompt            `json:"worker"`
	Delimiters Delimiters        `json:"delimiters"`
	Variables  map[string]string `json:"variables,omitempty"`
	System     bool              `json:"system"`
}
