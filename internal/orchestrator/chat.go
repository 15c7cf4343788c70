package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
)

// Chat runs one conversation turn. The session is created if absent, and turns on
// the same session are serialised. On a conversation expiry the remote id is
// cleared and the turn is retried once as a new conversation.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string, inputs map[string]any) (*domain.ChatReply, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidRequest("session_id is required")
	}
	if message == "" {
		return nil, domain.ErrInvalidRequest("message is required")
	}

	unlock, err := o.sessions.LockTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, _, err := o.sessions.Ensure(ctx, sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	if _, err := o.sessions.AppendMessage(ctx, sessionID, domain.RoleUser, message, nil); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	sel := o.request()
	var reply *domain.ChatReply
	if sel.IsRemote() {
		reply, err = o.remoteChat(ctx, sel, sess, message, inputs)
	} else {
		reply, err = o.local.Chat(ctx, sess, message)
	}
	if err != nil {
		return nil, err
	}

	if o.isTrigger(message) {
		reply.ReadyToGenerate = true
	}

	md := map[string]string{"source": string(reply.Source)}
	if _, err := o.sessions.AppendMessage(ctx, sessionID, domain.RoleAgent, reply.Reply, md); err != nil {
		return nil, fmt.Errorf("append agent message: %w", err)
	}
	return reply, nil
}

func (o *Orchestrator) remoteChat(ctx context.Context, sel *mode.Selector, sess *domain.Session, message string, inputs map[string]any) (*domain.ChatReply, error) {
	sessionID := sess.SessionID
	convID := sess.RemoteConversationID
	breaker := o.breakers.Get(resilience.OpChat)

	var resp *ports.AgentResponse
	d, err := o.policy.Run(ctx, resilience.OpChat, func(ctx context.Context, a resilience.Attempt) error {
		if a.ResetConversation {
			if err := o.sessions.ClearRemoteConversationID(ctx, sessionID); err != nil {
				return err
			}
			o.logger.Info("remote conversation expired, starting a new one",
				slog.String("session_id", sessionID),
				slog.String("conversation_id", convID))
			convID = ""
		}
		req := &ports.AgentRequest{
			Query:          message,
			Inputs:         mergeInputs(sess.RemoteSystemParams, inputs),
			ConversationID: convID,
			User:           userFor(sess),
		}
		r, err := resilience.Execute(ctx, breaker, func(ctx context.Context) (*ports.AgentResponse, error) {
			return o.client.Send(ctx, req)
		})
		resp = r
		return err
	})
	if err != nil {
		if o.fallback(sel, resilience.OpChat, d, err) {
			return o.local.Chat(ctx, sess, message)
		}
		return nil, err
	}

	if err := o.recordConversation(ctx, sessionID, convID, resp.ConversationID); err != nil {
		return nil, err
	}
	if params := systemParams(resp.Metadata); params != nil {
		if err := o.sessions.UpdateRemoteSystemParams(ctx, sessionID, params); err != nil {
			return nil, fmt.Errorf("update system params: %w", err)
		}
	}

	return &domain.ChatReply{
		Reply:                resp.Answer,
		RemoteConversationID: firstNonEmpty(resp.ConversationID, convID),
		ReadyToGenerate:      upstreamReady(resp.Answer, resp.Metadata),
		Suggestions:          []string{},
		Source:               domain.SourceRemote,
	}, nil
}

// recordConversation stores the id the upstream assigned. An upstream that
// answers on a different id than the one we sent keeps the stored one.
func (o *Orchestrator) recordConversation(ctx context.Context, sessionID, sent, got string) error {
	if got == "" || got == sent {
		return nil
	}
	err := o.sessions.UpdateRemoteConversationID(ctx, sessionID, got)
	if errors.Is(err, domain.ErrConversationAlreadySet) {
		o.logger.Warn("upstream answered on an unexpected conversation",
			slog.String("session_id", sessionID),
			slog.String("sent", sent),
			slog.String("got", got))
		return nil
	}
	if err != nil {
		return fmt.Errorf("update conversation id: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
