package local

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
)

//go:embed content.yaml
var defaultContent []byte

// Content is the canned data behind the local responder. It implements
// ports.FallbackContent and is read-only after parsing.
type Content struct {
	AnalysisText    ports.AnalysisTemplates `yaml:"analysis"`
	Replies         []string                `yaml:"chat_replies"`
	Ready           string                  `yaml:"ready_reply"`
	Suggestions     []string                `yaml:"chat_suggestions"`
	Triggers        []string                `yaml:"trigger_phrases"`
	GenerationSteps []ports.GenerationStage `yaml:"stages"`
	Cases           []domain.TestCase       `yaml:"test_cases"`
}

var _ ports.FallbackContent = (*Content)(nil)

// DefaultContent parses the embedded tables.
func DefaultContent() (*Content, error) {
	return ParseContent(defaultContent)
}

// ParseContent parses YAML content tables. At least one chat reply is required.
func ParseContent(data []byte) (*Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse local content: %w", err)
	}
	if len(c.Replies) == 0 {
		return nil, fmt.Errorf("parse local content: no chat replies")
	}
	return &c, nil
}

func (c *Content) Analysis() ports.AnalysisTemplates {
	out := c.AnalysisText
	out.Suggestions = append([]string(nil), c.AnalysisText.Suggestions...)
	return out
}

func (c *Content) ChatReplies() []string { return append([]string(nil), c.Replies...) }

func (c *Content) ReadyReply() string { return c.Ready }

func (c *Content) ChatSuggestions() []string { return append([]string(nil), c.Suggestions...) }

func (c *Content) TriggerPhrases() []string { return append([]string(nil), c.Triggers...) }

func (c *Content) Stages() []ports.GenerationStage {
	return append([]ports.GenerationStage(nil), c.GenerationSteps...)
}

// TestCases returns a copy; params maps are shared and must not be modified.
func (c *Content) TestCases() []domain.TestCase {
	return append([]domain.TestCase(nil), c.Cases...)
}
