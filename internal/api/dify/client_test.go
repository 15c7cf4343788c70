package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/progress"
	"github.com/tjfontaine/casegen-gateway/internal/testutil"
)

func testConfig(baseURL string) config.AgentConfig {
	return config.AgentConfig{
		BaseURL:         baseURL,
		APIKey:          testutil.AgentAPIKey(),
		Timeout:         5 * time.Second,
		MaxConns:        4,
		IdleConnTimeout: time.Minute,
		AcquireTimeout:  time.Second,
	}
}

func TestClient_SendReplay(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "chat_blocking")
	defer cleanup()

	c := NewClient(testConfig("https://api.dify.ai/v1"), WithHTTPClient(testutil.VCRHTTPClient(r)))

	resp, err := c.Send(context.Background(), &ports.AgentRequest{Query: "hello", User: "tester"})
	require.NoError(t, err)
	assert.Equal(t, "conv-123", resp.ConversationID)
	assert.Equal(t, "m-1", resp.MessageID)
	assert.Contains(t, resp.Answer, "template")
	assert.Equal(t, 21, resp.Usage.TotalTokens)

	require.NoError(t, c.Ping(context.Background()))
}

func TestClient_StreamReplay(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "chat_streaming")
	defer cleanup()

	tracker := progress.NewTracker(time.Minute)
	c := NewClient(testConfig("https://api.dify.ai/v1"),
		WithHTTPClient(testutil.VCRHTTPClient(r)),
		WithObserver(tracker))

	ch, err := c.Stream(context.Background(), &ports.AgentRequest{
		Query:          "generate",
		User:           "tester",
		ConversationID: "conv-123",
	})
	require.NoError(t, err)

	var types []domain.EventType
	for res := range ch {
		require.NoError(t, res.Err)
		types = append(types, res.Event.Type())
	}

	assert.Equal(t, []domain.EventType{
		domain.EventWorkflowStarted,
		domain.EventNodeStarted,
		domain.EventNodeFinished,
		domain.EventMessage,
		domain.EventMessageEnd,
		domain.EventWorkflowFinished,
	}, types)

	p, ok := tracker.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, 100, p.Progress)
}

func TestClient_WireRequest(t *testing.T) {
	var got ChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat-messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message_id":"m","conversation_id":"c","answer":"ok"}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL + "/")
	cfg.APIKey = "app-secret"
	c := NewClient(cfg)
	defer c.Close()

	_, err := c.Send(context.Background(), &ports.AgentRequest{
		Query:          "q",
		User:           "u",
		ConversationID: "c",
		Inputs:         map[string]any{"template": "x"},
		Files:          []domain.FileDescription{{FileID: "f-1", Filename: "a.xml"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer app-secret", auth)
	assert.Equal(t, "blocking", got.ResponseMode)
	assert.Equal(t, "c", got.ConversationID)
	assert.Equal(t, "x", got.Inputs["template"])
	require.Len(t, got.Files, 1)
	assert.Equal(t, FileRef{Type: "document", TransferMethod: "local_file", UploadFileID: "f-1"}, got.Files[0])
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.ErrorKind
	}{
		{name: "conversation expired", status: 404, body: `{"code":"not_found","message":"Conversation Not Exists.","status":404}`, want: domain.KindConversationExpired},
		{name: "unauthorized", status: 401, body: `{"code":"unauthorized","message":"Access token is invalid","status":401}`, want: domain.KindClient},
		{name: "server error", status: 500, body: `{"code":"internal_server_error","message":"Internal Server Error","status":500}`, want: domain.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(testConfig(srv.URL))
			_, err := c.Send(context.Background(), &ports.AgentRequest{Query: "q", User: "u"})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.Equal(t, tt.status, domain.StatusOf(err))

			_, err = c.Stream(context.Background(), &ports.AgentRequest{Query: "q", User: "u"})
			assert.Equal(t, tt.want, domain.KindOf(err))
		})
	}
}

func TestClient_ConnectError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(testConfig(url))
	_, err := c.Send(context.Background(), &ports.AgentRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, domain.KindConnect, domain.KindOf(err))
}

func TestClient_PoolExhausted(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.MaxConns = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, &ports.AgentRequest{Query: "q"})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), &ports.AgentRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPoolExhausted, domain.KindOf(err))

	// Canceling the stream releases the slot.
	cancel()
	for range ch {
	}
	require.Eventually(t, func() bool {
		if !c.slots.TryAcquire(1) {
			return false
		}
		c.slots.Release(1)
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestClient_StreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, &ports.AgentRequest{Query: "q"})
	require.NoError(t, err)

	first := <-ch
	require.NoError(t, first.Err)
	assert.Equal(t, "first", first.Event.(domain.MessageEvent).Content)

	cancel()
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancellation")
	}
}

func TestClient_DeadlineClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	t.Run("client timeout", func(t *testing.T) {
		cfg := testConfig(srv.URL)
		cfg.Timeout = 30 * time.Millisecond
		c := NewClient(cfg)

		_, err := c.Send(context.Background(), &ports.AgentRequest{Query: "q"})
		require.Error(t, err)
		assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	})

	t.Run("caller deadline", func(t *testing.T) {
		c := NewClient(testConfig(srv.URL))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := c.Send(ctx, &ports.AgentRequest{Query: "q"})
		require.Error(t, err)
		assert.Equal(t, domain.KindCanceled, domain.KindOf(err))
	})
}

func TestClient_SendKeepsAnswerWhenMetadataIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message_id":"m-1","conversation_id":"conv-1","answer":"ok","metadata":["not","an","object"]}`)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewClient(testConfig(srv.URL), WithLogger(logger))

	resp, err := c.Send(context.Background(), &ports.AgentRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Answer)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Contains(t, logs.String(), "failed to decode response metadata")
}
