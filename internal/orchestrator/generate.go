package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	difycodec "github.com/tjfontaine/casegen-gateway/internal/codec/dify"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
)

const generateQuery = "开始生成测试用例"

// Error codes of ErrorEvents synthesised by the orchestrator.
const (
	CodeInvalidResult = "invalid_result"
	CodeIncomplete    = "stream_incomplete"
)

var errIncomplete = &domain.AgentError{Kind: domain.KindNetwork, Code: CodeIncomplete, Message: "stream ended before message_end"}

// GenerateStream opens a generation for the session. Events are delivered in
// upstream order; the channel is closed at the end of the stream or when ctx is
// canceled.
//
// A remote stream that fails part way ends with an ErrorEvent and marks the
// session so that the next GenerateStream for it runs locally. Failures before
// the stream opens follow the retry policy and may be answered locally at once.
func (o *Orchestrator) GenerateStream(ctx context.Context, sessionID string, inputs map[string]any) (<-chan domain.StreamEvent, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidRequest("session_id is required")
	}

	sess, _, err := o.sessions.Ensure(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	sel := o.request()
	if sess.FallbackPending {
		if err := o.sessions.SetFallbackPending(ctx, sessionID, false); err != nil {
			return nil, fmt.Errorf("clear fallback flag: %w", err)
		}
		sel.SwitchToLocal(domain.ReasonFallback, "previous generation failed mid-stream")
		resilience.RecordFallback(resilience.OpGenerate, domain.ReasonFallback)
	}
	if !sel.IsRemote() {
		return o.localGenerate(ctx, sess), nil
	}

	// The upstream request is canceled as soon as forwarding stops.
	streamCtx, cancel := context.WithCancel(ctx)
	upstream, convID, err := o.openStream(streamCtx, sel, sess, inputs)
	if err != nil {
		cancel()
		return nil, err
	}
	if upstream == nil {
		cancel()
		return o.localGenerate(ctx, sess), nil
	}

	out := make(chan domain.StreamEvent, eventBufferSize)
	go func() {
		defer cancel()
		o.forward(ctx, sess, convID, upstream, out)
	}()
	return out, nil
}

// openStream establishes the remote stream under the retry policy. A nil
// channel with a nil error means the caller should be answered locally.
func (o *Orchestrator) openStream(ctx context.Context, sel *mode.Selector, sess *domain.Session, inputs map[string]any) (<-chan ports.StreamResult, string, error) {
	sessionID := sess.SessionID
	convID := sess.RemoteConversationID
	breaker := o.breakers.Get(resilience.OpGenerate)

	var upstream <-chan ports.StreamResult
	d, err := o.policy.Run(ctx, resilience.OpGenerate, func(ctx context.Context, a resilience.Attempt) error {
		if a.ResetConversation {
			if err := o.sessions.ClearRemoteConversationID(ctx, sessionID); err != nil {
				return err
			}
			convID = ""
		}
		if err := breaker.Allow(); err != nil {
			return err
		}
		ch, err := o.client.Stream(ctx, &ports.AgentRequest{
			Query:          generateQuery,
			Inputs:         mergeInputs(sess.RemoteSystemParams, inputs),
			ConversationID: convID,
			User:           userFor(sess),
		})
		if err != nil {
			breaker.Record(resilience.CallerOutcome(ctx, err))
			return err
		}
		upstream = ch
		return nil
	})
	if err != nil {
		if o.fallback(sel, resilience.OpGenerate, d, err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return upstream, convID, nil
}

// forward relays upstream events and turns the accumulated answer into a
// ResultEvent at message_end. The breaker sees the outcome of the whole stream.
func (o *Orchestrator) forward(ctx context.Context, sess *domain.Session, convID string, upstream <-chan ports.StreamResult, out chan<- domain.StreamEvent) {
	defer close(out)

	sessionID := sess.SessionID
	breaker := o.breakers.Get(resilience.OpGenerate)

	send := func(ev domain.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		answer    string
		cases     []domain.TestCase
		finished  bool
		failure   error
		errorSent bool
	)

loop:
	for res := range upstream {
		if res.Err != nil {
			failure = res.Err
			break
		}

		switch ev := res.Event.(type) {
		case domain.MessageEvent:
			answer += ev.Content
			o.noteConversation(ctx, sessionID, &convID, ev.ConversationID)
		case domain.MessageReplaceEvent:
			answer = ev.Content
		case domain.MessageEndEvent:
			o.noteConversation(ctx, sessionID, &convID, ev.ConversationID)
			if !send(ev) {
				break loop
			}
			parsed, err := parseTestCases(answer)
			if err != nil {
				failure = &domain.AgentError{Kind: domain.KindDecode, Code: CodeInvalidResult, Message: "生成结果格式错误", Err: err}
				break loop
			}
			cases = parsed
			finished = true
			if !send(domain.ResultEvent{
				TestCases: cases,
				Message:   fmt.Sprintf("成功生成 %d 条测试用例", len(cases)),
				Source:    domain.SourceRemote,
			}) {
				break loop
			}
			continue
		case domain.ErrorEvent:
			failure = difycodec.ClassifyErrorEvent(ev)
			errorSent = send(ev)
			break loop
		case domain.TTSMessageEvent, domain.TTSMessageEndEvent,
			domain.WorkflowStartedEvent, domain.WorkflowFinishedEvent,
			domain.NodeStartedEvent, domain.NodeFinishedEvent,
			domain.ProgressEvent, domain.ResultEvent:
		}

		if !send(res.Event) {
			break
		}
	}

	if ctx.Err() != nil {
		breaker.Record(domain.NewAgentError(domain.KindCanceled, "stream ended by caller", ctx.Err()))
		o.logger.Info("generation stream canceled by caller", slog.String("session_id", sessionID))
		return
	}

	if failure == nil && !finished {
		failure = errIncomplete
	}
	if failure != nil && finished {
		// The result was already delivered; a late transport error does not undo it.
		o.logger.Warn("generation stream error after result",
			slog.String("session_id", sessionID),
			slog.String("error", failure.Error()))
		failure = nil
	}

	if failure != nil {
		breaker.Record(failure)
		o.failStream(ctx, sessionID, failure, !errorSent, out)
		return
	}

	breaker.Record(nil)
	summary := fmt.Sprintf("成功生成 %d 条测试用例", len(cases))
	md := map[string]string{"source": string(domain.SourceRemote), "kind": "generation"}
	if _, err := o.sessions.AppendMessage(ctx, sessionID, domain.RoleAgent, summary, md); err != nil {
		o.logger.Warn("failed to record generation in history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// failStream terminates a remote stream that failed part way. Partial progress is
// never reported as success.
func (o *Orchestrator) failStream(ctx context.Context, sessionID string, failure error, notify bool, out chan<- domain.StreamEvent) {
	reason := streamReason(failure)
	resilience.RecordFallback(resilience.OpGenerate, reason)
	o.logger.Warn("generation stream failed, next attempt runs locally",
		slog.String("session_id", sessionID),
		slog.String("reason", string(reason)),
		slog.String("error", failure.Error()))

	if err := o.sessions.SetFallbackPending(context.WithoutCancel(ctx), sessionID, true); err != nil {
		o.logger.Warn("failed to mark session for local generation",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	if !notify {
		return
	}
	select {
	case out <- errorEvent(failure):
	case <-ctx.Done():
	}
}

// noteConversation stores the conversation id from the first event that carries one.
func (o *Orchestrator) noteConversation(ctx context.Context, sessionID string, convID *string, got string) {
	if got == "" || got == *convID {
		return
	}
	if err := o.recordConversation(ctx, sessionID, *convID, got); err != nil {
		o.logger.Warn("failed to store conversation id",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	*convID = got
}

func (o *Orchestrator) localGenerate(ctx context.Context, sess *domain.Session) <-chan domain.StreamEvent {
	return o.local.Generate(ctx, sess)
}

func errorEvent(err error) domain.ErrorEvent {
	var ae *domain.AgentError
	if errors.As(err, &ae) {
		code := ae.Code
		if code == "" {
			code = string(ae.Kind)
		}
		return domain.ErrorEvent{Code: code, Message: ae.Message, Status: ae.StatusCode}
	}
	return domain.ErrorEvent{Code: "internal_error", Message: err.Error()}
}

func streamReason(err error) domain.FallbackReason {
	switch domain.KindOf(err) {
	case domain.KindTimeout:
		return domain.ReasonTimeout
	case domain.KindServer:
		return domain.ReasonServer
	case domain.KindNetwork, domain.KindConnect:
		return domain.ReasonNetwork
	}
	return domain.ReasonFallback
}
