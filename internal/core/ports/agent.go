package ports

import (
	"context"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

// ResponseMode selects blocking or streaming delivery from the upstream.
type ResponseMode string

const (
	ResponseModeBlocking  ResponseMode = "blocking"
	ResponseModeStreaming ResponseMode = "streaming"
)

// AgentRequest is one call to the upstream agent service.
type AgentRequest struct {
	Query          string
	Inputs         map[string]any
	ConversationID string
	User           string
	Files          []domain.FileDescription
}

// AgentResponse is a blocking reply from the upstream.
type AgentResponse struct {
	MessageID      string
	ConversationID string
	Answer         string
	Usage          domain.Usage
	Metadata       map[string]any
}

// StreamResult wraps an event or a terminal error from a streaming call.
type StreamResult struct {
	Event domain.StreamEvent
	Err   error
}

// AgentClient talks to the upstream agent service.
type AgentClient interface {
	// Send performs a blocking call.
	Send(ctx context.Context, req *AgentRequest) (*AgentResponse, error)

	// Stream opens a streaming call. The returned error covers connection setup and
	// the response status; failures after that arrive as a StreamResult with Err set.
	// The channel is closed when the stream ends or ctx is canceled.
	Stream(ctx context.Context, req *AgentRequest) (<-chan StreamResult, error)

	// Ping probes upstream health.
	Ping(ctx context.Context) error

	// Endpoint returns the upstream base URL for audit logs.
	Endpoint() string

	// Close releases pooled connections.
	Close() error
}

// LocalResponder produces synthetic replies when the upstream is unavailable or disabled.
type LocalResponder interface {
	AnalyzeFiles(ctx context.Context, files []domain.FileDescription) (*domain.AnalysisResult, error)
	Chat(ctx context.Context, session *domain.Session, message string) (*domain.ChatReply, error)

	// Generate emits staged progress followed by a result. The channel is closed at the end.
	Generate(ctx context.Context, session *domain.Session) <-chan domain.StreamEvent
}

// AnalysisTemplates holds the canned text used for local file analysis.
type AnalysisTemplates struct {
	TemplateInfo string   `yaml:"template_info"`
	HistoryInfo  string   `yaml:"history_info"`
	AWSuggestion string   `yaml:"aw_suggestion"`
	Suggestions  []string `yaml:"suggestions"`
}

// GenerationStage is one step of staged local progress.
type GenerationStage struct {
	Stage   string `yaml:"stage"`
	Message string `yaml:"message"`
	Percent int    `yaml:"percent"`
}

// FallbackContent is a pure data source for the local responder.
type FallbackContent interface {
	Analysis() AnalysisTemplates
	ChatReplies() []string
	ReadyReply() string
	ChatSuggestions() []string

	// TriggerPhrases are matched case-insensitively against a user message to
	// decide the caller is ready to generate.
	TriggerPhrases() []string
	Stages() []GenerationStage
	TestCases() []domain.TestCase
}

// ConfigProvider loads and manages configuration.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}
