// Package local produces synthetic replies when the upstream agent is disabled
// or unavailable. Replies are paced to look like a live agent and carry
// estimated token usage.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/tokens"
)

// File kinds recognised by AnalyzeFiles.
const (
	KindCaseTemplate = "case_template"
	KindHistoryCase  = "history_case"
	KindAWTemplate   = "aw_template"
)

// Responder implements ports.LocalResponder over a FallbackContent source.
type Responder struct {
	content ports.FallbackContent
	counter *tokens.Counter
	logger  *slog.Logger

	typingMin  time.Duration
	typingMax  time.Duration
	stageDelay time.Duration

	intn  func(n int) int
	sleep func(ctx context.Context, d time.Duration) error
}

var _ ports.LocalResponder = (*Responder)(nil)

// Option configures a Responder.
type Option func(*Responder)

// WithPacing sets the typing delay range and the delay between generation stages.
func WithPacing(cfg config.LocalConfig) Option {
	return func(r *Responder) {
		r.typingMin = cfg.TypingDelayMin
		r.typingMax = cfg.TypingDelayMax
		r.stageDelay = cfg.StageDelay
	}
}

// WithRand overrides the random source used for scenario counts and delays.
func WithRand(intn func(n int) int) Option {
	return func(r *Responder) {
		r.intn = intn
	}
}

// WithTokenCounter sets the counter used for usage estimates.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(r *Responder) {
		r.counter = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) {
		r.logger = logger
	}
}

// NewResponder creates a responder. Without WithPacing it replies immediately.
func NewResponder(content ports.FallbackContent, opts ...Option) *Responder {
	r := &Responder{
		content: content,
		counter: tokens.NewCounter(),
		logger:  slog.Default(),
		intn:    rand.IntN,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AnalyzeFiles summarises the uploaded files by kind.
func (r *Responder) AnalyzeFiles(ctx context.Context, files []domain.FileDescription) (*domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tpl := r.content.Analysis()
	kinds := make(map[string]int)
	for _, f := range files {
		kinds[f.Kind]++
	}

	result := &domain.AnalysisResult{
		Suggestions: []string{},
		Source:      domain.SourceLocal,
	}
	if kinds[KindCaseTemplate] > 0 {
		result.TemplateInfo = fmt.Sprintf(tpl.TemplateInfo, r.between(15, 30))
	}
	if kinds[KindHistoryCase] > 0 {
		result.HistoryInfo = fmt.Sprintf(tpl.HistoryInfo, r.between(40, 80))
	}
	if kinds[KindAWTemplate] > 0 && tpl.AWSuggestion != "" {
		result.Suggestions = append(result.Suggestions, tpl.AWSuggestion)
	}
	result.Suggestions = append(result.Suggestions, tpl.Suggestions...)

	r.logger.Debug("local file analysis", slog.Int("files", len(files)))
	return result, nil
}

// Chat answers one turn. A trigger phrase yields the ready reply; otherwise the
// canned replies are cycled by the number of user turns already in the session.
func (r *Responder) Chat(ctx context.Context, session *domain.Session, message string) (*domain.ChatReply, error) {
	if r.IsTrigger(message) {
		return &domain.ChatReply{
			Reply:           r.content.ReadyReply(),
			ReadyToGenerate: true,
			Source:          domain.SourceLocal,
		}, nil
	}

	if err := r.sleep(ctx, r.typingDelay()); err != nil {
		return nil, err
	}

	replies := r.content.ChatReplies()
	turns := 0
	if session != nil {
		turns = session.UserTurns()
	}
	return &domain.ChatReply{
		Reply:       replies[turns%len(replies)],
		Suggestions: r.content.ChatSuggestions(),
		Source:      domain.SourceLocal,
	}, nil
}

// IsTrigger reports whether message asks to start generation.
func (r *Responder) IsTrigger(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range r.content.TriggerPhrases() {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Generate emits the configured stages, then a Result with the canned test cases
// and a MessageEnd carrying estimated usage. The channel is closed when done or
// when ctx is canceled.
func (r *Responder) Generate(ctx context.Context, session *domain.Session) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, 1)

	go func() {
		defer close(out)

		send := func(ev domain.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, st := range r.content.Stages() {
			if !send(domain.ProgressEvent{Stage: st.Stage, Message: st.Message, Percent: st.Percent}) {
				return
			}
			if err := r.sleep(ctx, r.stageDelay); err != nil {
				return
			}
		}

		cases := r.content.TestCases()
		msg := fmt.Sprintf("成功生成 %d 条测试用例", len(cases))
		if !send(domain.ResultEvent{TestCases: cases, Message: msg, Source: domain.SourceLocal}) {
			return
		}

		var prompt []string
		sessionID := ""
		if session != nil {
			sessionID = session.SessionID
			for _, m := range session.Messages {
				prompt = append(prompt, m.Content)
			}
		}
		send(domain.MessageEndEvent{
			Usage:    r.counter.Usage(prompt, msg),
			Metadata: map[string]any{"source": string(domain.SourceLocal), "total_count": len(cases)},
		})

		r.logger.Debug("local generation finished",
			slog.String("session_id", sessionID),
			slog.Int("test_cases", len(cases)))
	}()

	return out
}

func (r *Responder) between(lo, hi int) int {
	return lo + r.intn(hi-lo+1)
}

func (r *Responder) typingDelay() time.Duration {
	if r.typingMax <= r.typingMin {
		return r.typingMin
	}
	span := int(r.typingMax - r.typingMin)
	return r.typingMin + time.Duration(r.intn(span+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
