package domain

// FileDescription is supplied by the file-description provider for each uploaded file.
type FileDescription struct {
	FileID        string `json:"file_id" validate:"required"`
	Filename      string `json:"filename" validate:"required"`
	Kind          string `json:"kind,omitempty"` // case_template, history_case, aw_template
	Size          int64  `json:"size"`
	ExtractedText string `json:"extracted_text,omitempty"`
}

// AnalysisResult summarises the uploaded files.
type AnalysisResult struct {
	TemplateInfo string   `json:"template_info"`
	HistoryInfo  string   `json:"history_info"`
	Suggestions  []string `json:"suggestions"`
	Source       Source   `json:"source"`
}

// Source records which handler produced a reply.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// ChatReply is the result of one chat turn.
type ChatReply struct {
	Reply                string   `json:"reply"`
	RemoteConversationID string   `json:"remote_conversation_id,omitempty"`
	ReadyToGenerate      bool     `json:"ready_to_generate"`
	Suggestions          []string `json:"suggestions,omitempty"`
	Source               Source   `json:"source"`
}

// Usage is token accounting reported with a finished message.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Component is one executable element of a test case section.
type Component struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// CaseSection groups components under a named precondition, step or expectation.
type CaseSection struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Expanded   bool        `json:"expanded" yaml:"expanded"`
	Components []Component `json:"components" yaml:"components"`
}

// TestCase is one generated test case.
type TestCase struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Preconditions   []CaseSection `json:"preconditions" yaml:"preconditions"`
	Steps           []CaseSection `json:"steps" yaml:"steps"`
	ExpectedResults []CaseSection `json:"expectedResults" yaml:"expected_results"`
}
