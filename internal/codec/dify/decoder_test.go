package dify

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

func decodeAll(t *testing.T, d *Decoder) ([]domain.StreamEvent, error) {
	t.Helper()
	var out []domain.StreamEvent
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestDecoder_SkipsMalformedFrame(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"event":"message","message_id":"m1","conversation_id":"c1","answer":"Hel"}`,
		``,
		`data: {"event":"message","answer":`,
		``,
		`data: {"event":"message","message_id":"m1","conversation_id":"c1","answer":"lo"}`,
		``,
	}, "\n")

	d := NewDecoder(strings.NewReader(stream))
	events, err := decodeAll(t, d)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].(domain.MessageEvent).Content)
	assert.Equal(t, "lo", events[1].(domain.MessageEvent).Content)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecoder_SkipsUnknownEventsAndNonDataLines(t *testing.T) {
	stream := "event: message\n" +
		": keepalive comment\n" +
		"data: {\"event\":\"ping\"}\n\n" +
		"data: {\"event\":\"agent_thought\",\"thought\":\"hmm\"}\n\n" +
		"id: 7\n" +
		"data:{\"event\":\"message\",\"answer\":\"x\"}\r\n\r\n"

	d := NewDecoder(strings.NewReader(stream))
	events, err := decodeAll(t, d)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].(domain.MessageEvent).Content)
	assert.Equal(t, 1, d.Skipped(), "ping is a keepalive, not a skipped frame")
}

func TestDecoder_StopsAtSentinel(t *testing.T) {
	stream := "data: {\"event\":\"message\",\"answer\":\"a\"}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"event\":\"message\",\"answer\":\"after\"}\n\n"

	d := NewDecoder(strings.NewReader(stream))
	events, err := decodeAll(t, d)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_AllKnownTags(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"event":"workflow_started","workflow_run_id":"r1","data":{"id":"r1","workflow_id":"w1","created_at":1700000000}}`,
		`data: {"event":"node_started","workflow_run_id":"r1","data":{"id":"x","node_id":"n1","node_type":"llm","title":"Draft"}}`,
		`data: {"event":"node_finished","workflow_run_id":"r1","data":{"id":"x","node_id":"n1","node_type":"llm","status":"succeeded","outputs":{"text":"ok"}}}`,
		`data: {"event":"message","message_id":"m1","conversation_id":"c1","answer":"hi"}`,
		`data: {"event":"message_replace","message_id":"m1","answer":"replaced"}`,
		`data: {"event":"tts_message","message_id":"m1","audio":"AAA="}`,
		`data: {"event":"tts_message_end","message_id":"m1"}`,
		`data: {"event":"message_end","message_id":"m1","conversation_id":"c1","metadata":{"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7},"ready_to_generate":true}}`,
		`data: {"event":"workflow_finished","workflow_run_id":"r1","data":{"id":"r1","status":"failed","error":"node crashed"}}`,
		`data: {"event":"error","status":500,"code":"internal_server_error","message":"boom"}`,
	}, "\n\n")

	events, err := decodeAll(t, NewDecoder(strings.NewReader(stream)))
	require.NoError(t, err)
	require.Len(t, events, 10)

	wantTypes := []domain.EventType{
		domain.EventWorkflowStarted, domain.EventNodeStarted, domain.EventNodeFinished,
		domain.EventMessage, domain.EventMessageReplace, domain.EventTTSMessage,
		domain.EventTTSMessageEnd, domain.EventMessageEnd, domain.EventWorkflowFinished,
		domain.EventError,
	}
	for i, want := range wantTypes {
		assert.Equal(t, want, events[i].Type(), "event %d", i)
	}

	started := events[0].(domain.WorkflowStartedEvent)
	assert.Equal(t, "r1", started.WorkflowRunID)
	assert.Equal(t, int64(1700000000), started.StartedAt.Unix())

	node := events[2].(domain.NodeFinishedEvent)
	assert.Equal(t, domain.RunSucceeded, node.Status)
	assert.Equal(t, "ok", node.Outputs["text"])

	end := events[7].(domain.MessageEndEvent)
	assert.Equal(t, domain.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, end.Usage)
	assert.Equal(t, true, end.Metadata["ready_to_generate"])

	assert.Equal(t, domain.RunFailed, events[8].(domain.WorkflowFinishedEvent).Status)

	errEv := events[9].(domain.ErrorEvent)
	assert.Equal(t, "boom", errEv.Message)
	assert.Equal(t, 500, errEv.Status)
}

type recordingObserver struct {
	events []domain.StreamEvent
}

func (r *recordingObserver) Observe(ev domain.StreamEvent) {
	r.events = append(r.events, ev)
}

func TestDecoder_Observer(t *testing.T) {
	stream := "data: {\"event\":\"workflow_started\",\"workflow_run_id\":\"r\"}\n\n" +
		"data: not json\n\n" +
		"data: {\"event\":\"message\",\"answer\":\"a\"}\n\n"

	obs := &recordingObserver{}
	events, err := decodeAll(t, NewDecoder(strings.NewReader(stream), WithObserver(obs)))
	require.NoError(t, err)
	assert.Equal(t, events, obs.events, "observer sees exactly the decoded events")
}

func TestDecoder_ReadError(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("data: {\"event\":\"message\",\"answer\":\"a\"}\n\n"),
		iotest.ErrReader(errors.New("connection reset")),
	)

	d := NewDecoder(r)
	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.EventMessage, ev.Type())

	_, err = d.Next()
	require.Error(t, err)
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
}

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.ErrorKind
	}{
		{name: "conversation missing", status: 404, body: `{"code":"not_found","message":"Conversation Not Exists.","status":404}`, want: domain.KindConversationExpired},
		{name: "other not found", status: 404, body: `{"code":"not_found","message":"App not found","status":404}`, want: domain.KindClient},
		{name: "bad request", status: 400, body: `{"code":"invalid_param","message":"query is required"}`, want: domain.KindClient},
		{name: "unauthorized plain text", status: 401, body: `Unauthorized`, want: domain.KindClient},
		{name: "server error", status: 502, body: `<html>bad gateway</html>`, want: domain.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyResponse(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.status, got.StatusCode)
			assert.NotEmpty(t, got.Message)
		})
	}

	ev := ClassifyErrorEvent(domain.ErrorEvent{Code: "quota", Message: "no quota"})
	assert.Equal(t, domain.KindServer, ev.Kind)
}
