package casegen

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/casegen-gateway/internal/bridge"
	"github.com/tjfontaine/casegen-gateway/internal/conversation"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/orchestrator"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/progress"
	"github.com/tjfontaine/casegen-gateway/internal/provider/local"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
	"github.com/tjfontaine/casegen-gateway/internal/server"
	"github.com/tjfontaine/casegen-gateway/internal/storage/memory"
)

type testAPI struct {
	url      string
	orch     *orchestrator.Orchestrator
	tracker  *progress.Tracker
	selector *mode.Selector
}

func newTestAPI(t *testing.T, allowRemote bool) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	content, err := local.DefaultContent()
	require.NoError(t, err)

	selector := mode.New(mode.Settings{Mode: domain.ModeLocal, AllowRemote: allowRemote}, mode.WithLogger(logger))
	orch, err := orchestrator.New(orchestrator.Deps{
		Sessions: conversation.NewManager(memory.New(), time.Hour, conversation.WithLogger(logger)),
		Local:    local.NewResponder(content),
		Selector: selector,
		Policy:   resilience.NewPolicy(config.RetryConfig{MaxRetries: 1}, false),
		Breakers: resilience.NewRegistry(config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Minute}),
		Triggers: content.TriggerPhrases(),
	}, orchestrator.WithLogger(logger))
	require.NoError(t, err)

	tracker := progress.NewTracker(time.Hour)
	br := bridge.New(bridge.WithProgress(tracker), bridge.WithLogger(logger))

	srv := server.New(config.ServerConfig{}, logger)
	NewHandler(orch, br, tracker, WithLogger(logger)).Routes(srv.Router)

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return &testAPI{url: ts.URL, orch: orch, tracker: tracker, selector: selector}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rdr = strings.NewReader(s)
		} else {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			rdr = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, a.url+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error domain.APIError `json:"error"`
}

func TestSessions(t *testing.T) {
	api := newTestAPI(t, false)

	resp := api.do(t, http.MethodPost, "/api/sessions", map[string]string{"user_id": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[domain.Session](t, resp)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "alice", created.UserID)
	assert.Equal(t, domain.SessionActive, created.Status)
	assert.NotEmpty(t, resp.Header.Get(server.RequestIDHeader))

	resp = api.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[domain.Session](t, resp)
	assert.Equal(t, created.SessionID, got.SessionID)

	resp = api.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = api.do(t, http.MethodGet, "/api/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, domain.ErrorTypeNotFound, body.Error.Type)
}

func TestResetConversation(t *testing.T) {
	api := newTestAPI(t, false)
	ctx := t.Context()

	sess, err := api.orch.Sessions().Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, api.orch.Sessions().UpdateRemoteConversationID(ctx, sess.SessionID, "conv-1"))

	resp := api.do(t, http.MethodDelete, "/api/sessions/"+sess.SessionID+"/conversation", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := api.orch.Sessions().Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, stored.RemoteConversationID)

	resp = api.do(t, http.MethodDelete, "/api/sessions/missing/conversation", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyze(t *testing.T) {
	api := newTestAPI(t, false)

	t.Run("local summary", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/analyze", map[string]any{
			"files": []map[string]any{
				{"file_id": "f1", "filename": "template.xlsx", "kind": local.KindCaseTemplate},
				{"file_id": "f2", "filename": "history.xlsx", "kind": local.KindHistoryCase},
			},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeBody[domain.AnalysisResult](t, resp)
		assert.Equal(t, domain.SourceLocal, res.Source)
		assert.NotEmpty(t, res.TemplateInfo)
		assert.NotEmpty(t, res.HistoryInfo)
	})

	t.Run("no files", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/analyze", map[string]any{"files": []any{}})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody[errorBody](t, resp)
		assert.Equal(t, domain.ErrorTypeInvalidRequest, body.Error.Type)
	})

	t.Run("file without id", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/analyze", map[string]any{
			"files": []map[string]any{{"filename": "a.xlsx"}},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody[errorBody](t, resp)
		assert.Contains(t, body.Error.Message, "files[0].file_id is required")
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := api.do(t, http.MethodPost, "/api/analyze", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestChat(t *testing.T) {
	api := newTestAPI(t, false)

	resp := api.do(t, http.MethodPost, "/api/chat", map[string]any{"session_id": "s1", "message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decodeBody[domain.ChatReply](t, resp)
	assert.Equal(t, domain.SourceLocal, reply.Source)
	assert.NotEmpty(t, reply.Reply)
	assert.False(t, reply.ReadyToGenerate)

	resp = api.do(t, http.MethodPost, "/api/chat", map[string]any{"session_id": "s1", "message": "开始生成"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply = decodeBody[domain.ChatReply](t, resp)
	assert.True(t, reply.ReadyToGenerate)

	sess, err := api.orch.Sessions().Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)

	resp = api.do(t, http.MethodPost, "/api/chat", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "message is required", body.Error.Message)
}

func readFrames(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	var frames []map[string]any
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestGenerate(t *testing.T) {
	api := newTestAPI(t, false)

	resp := api.do(t, http.MethodPost, "/api/generate", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)
	assert.Equal(t, string(bridge.FrameStreamStart), frames[0]["type"])
	assert.Equal(t, string(bridge.FrameStreamComplete), frames[len(frames)-1]["type"])

	var result map[string]any
	terminal := 0
	for _, f := range frames {
		switch bridge.FrameType(f["type"].(string)) {
		case bridge.FrameStreamComplete, bridge.FrameError:
			terminal++
		case bridge.FrameComplete:
			data := f["data"].(map[string]any)
			if _, ok := data["test_cases"]; ok {
				result = data
			}
		}
	}
	assert.Equal(t, 1, terminal)
	require.NotNil(t, result)
	assert.Equal(t, "local", result["source"])
	assert.EqualValues(t, 3, result["total_count"])

	resp = api.do(t, http.MethodPost, "/api/generate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgress(t *testing.T) {
	api := newTestAPI(t, false)

	api.tracker.Observe(domain.WorkflowStartedEvent{WorkflowRunID: "run-1"})

	resp := api.do(t, http.MethodGet, "/api/progress/run-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decodeBody[domain.WorkflowProgress](t, resp)
	assert.Equal(t, "run-1", p.WorkflowRunID)

	resp = api.do(t, http.MethodGet, "/api/progress/run-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, false)

	resp := api.do(t, http.MethodGet, "/api/health?probe=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, domain.ModeLocal, h.Mode.Mode)
	assert.Equal(t, "memory", h.Store)
	assert.Zero(t, h.ActiveStreams)
	assert.Equal(t, "ok", h.Upstream)
}

func TestSetMode(t *testing.T) {
	t.Run("remote not allowed", func(t *testing.T) {
		api := newTestAPI(t, false)
		resp := api.do(t, http.MethodPut, "/api/mode", map[string]string{"mode": "remote"})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, domain.ModeLocal, api.selector.Mode())
	})

	t.Run("switch both ways", func(t *testing.T) {
		api := newTestAPI(t, true)
		breaker := api.orch.Breakers().Get(resilience.OpGenerate)
		for i := 0; i < 5; i++ {
			breaker.Record(errors.New("upstream down"))
		}
		require.Equal(t, resilience.StateOpen, breaker.State())

		resp := api.do(t, http.MethodPut, "/api/mode", map[string]string{"mode": "remote"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st := decodeBody[mode.Status](t, resp)
		assert.Equal(t, domain.ModeRemote, st.Mode)
		assert.Equal(t, resilience.StateClosed, breaker.State())

		resp = api.do(t, http.MethodPut, "/api/mode", map[string]string{"mode": "local"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st = decodeBody[mode.Status](t, resp)
		assert.Equal(t, domain.ModeLocal, st.Mode)
		assert.Equal(t, domain.ReasonManual, st.LastReason)
	})

	t.Run("unknown mode", func(t *testing.T) {
		api := newTestAPI(t, true)
		resp := api.do(t, http.MethodPut, "/api/mode", map[string]string{"mode": "hybrid"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
