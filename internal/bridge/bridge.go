// Package bridge re-encodes the orchestrator's event stream as outward SSE
// frames. It adds coarse stages so callers see steady progress while the
// upstream is quiet, and guarantees exactly one terminal frame per stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

// Synthetic stages sent before the first upstream event.
var (
	stageConnecting = ProgressData{Stage: "connecting", Message: "正在连接AI服务...", Progress: 10}
	stageAnalyzing  = ProgressData{Stage: "analyzing", Message: "正在分析您的请求...", Progress: 30}
	stageStreaming  = ProgressData{Stage: "streaming", Message: "AI正在生成中...", Progress: 50}
)

// ErrorCancelled is the error code of the frame sent when the caller goes away.
const ErrorCancelled = "request_cancelled"

// Opener starts the event stream once the opening frames are written.
type Opener func(ctx context.Context) (<-chan domain.StreamEvent, error)

// Emitter writes one frame to the caller.
type Emitter func(Frame) error

// ProgressSource reports tracked workflow progress.
type ProgressSource interface {
	Get(runID string) (domain.WorkflowProgress, bool)
}

// StreamInfo describes an active stream.
type StreamInfo struct {
	StreamID  string    `json:"stream_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Bridge is safe for concurrent use; each Relay call handles one stream.
type Bridge struct {
	progress ProgressSource
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active map[string]StreamInfo
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithProgress sets where workflow percentages are read from.
func WithProgress(p ProgressSource) Option {
	return func(b *Bridge) {
		b.progress = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithIDGenerator overrides stream id generation.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bridge) {
		b.newID = fn
	}
}

// New creates a bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return "stream_" + uuid.NewString() },
		active: make(map[string]StreamInfo),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ActiveCount returns the number of streams being relayed.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Active lists the streams being relayed, oldest first.
func (b *Bridge) Active() []StreamInfo {
	b.mu.Lock()
	out := make([]StreamInfo, 0, len(b.active))
	for _, s := range b.active {
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Relay writes the frames for one stream. Frames are emitted in event order and
// the last frame is always stream_complete or error. The returned error is the
// first emit failure, if any.
func (b *Bridge) Relay(ctx context.Context, sessionID string, open Opener, emit Emitter) error {
	r := &relay{
		ctx:       ctx,
		bridge:    b,
		emit:      emit,
		sessionID: sessionID,
		streamID:  b.newID(),
	}

	b.register(StreamInfo{StreamID: r.streamID, SessionID: sessionID, StartedAt: b.now()})
	defer b.unregister(r.streamID)

	r.run(open)
	if r.err != nil {
		b.logger.Info("stream relay stopped",
			slog.String("stream_id", r.streamID),
			slog.String("session_id", sessionID),
			slog.String("error", r.err.Error()))
	}
	return r.err
}

func (b *Bridge) register(info StreamInfo) {
	b.mu.Lock()
	b.active[info.StreamID] = info
	b.mu.Unlock()
	activeStreams.Inc()
}

func (b *Bridge) unregister(streamID string) {
	b.mu.Lock()
	delete(b.active, streamID)
	b.mu.Unlock()
	activeStreams.Dec()
}

// relay is the state of one Relay call.
type relay struct {
	ctx       context.Context
	bridge    *Bridge
	emit      Emitter
	sessionID string
	streamID  string

	content string
	last    int
	done    bool
	err     error
}

func (r *relay) run(open Opener) {
	r.send(FrameStreamStart, StreamData{SessionID: r.sessionID, StreamID: r.streamID, Message: "开始处理您的请求..."})
	r.sendProgress(stageConnecting)
	r.sendProgress(stageAnalyzing)
	if r.stopped() {
		return
	}

	events, err := open(r.ctx)
	if err != nil {
		r.fail(errorData(err))
		return
	}
	r.sendProgress(stageStreaming)

	for !r.stopped() {
		select {
		case <-r.ctx.Done():
			r.cancelled()
			return
		case ev, ok := <-events:
			if !ok {
				if r.ctx.Err() != nil {
					r.cancelled()
					return
				}
				r.finish()
				return
			}
			r.handle(ev)
		}
	}
}

func (r *relay) handle(ev domain.StreamEvent) {
	switch e := ev.(type) {
	case domain.MessageEvent:
		r.content += e.Content
		r.send(FrameStreaming, StreamingData{
			Content:        e.Content,
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
		})

	case domain.MessageReplaceEvent:
		r.content = e.Content
		r.send(FrameStreaming, StreamingData{
			Content:        e.Content,
			Replace:        true,
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
		})

	case domain.MessageEndEvent:
		md := e.Metadata
		if md == nil {
			md = map[string]any{}
		}
		r.send(FrameComplete, MessageCompleteData{
			Content:        r.content,
			MessageID:      e.MessageID,
			ConversationID: e.ConversationID,
			Usage:          e.Usage,
			Metadata:       md,
		})

	case domain.ResultEvent:
		cases := e.TestCases
		if cases == nil {
			cases = []domain.TestCase{}
		}
		r.send(FrameComplete, ResultCompleteData{
			TestCases:  cases,
			TotalCount: len(cases),
			Message:    e.Message,
			Source:     e.Source,
		})

	case domain.ProgressEvent:
		// Producer stages carry their own percentages and are relayed as declared.
		r.last = e.Percent
		r.send(FrameProgress, ProgressData{Stage: e.Stage, Message: e.Message, Progress: e.Percent})

	case domain.WorkflowStartedEvent:
		r.sendProgress(ProgressData{
			Stage:         "workflow_started",
			Message:       "工作流开始执行...",
			Progress:      r.tracked(e.WorkflowRunID),
			WorkflowRunID: e.WorkflowRunID,
		})

	case domain.NodeStartedEvent:
		r.sendProgress(ProgressData{
			Stage:         fmt.Sprintf("node_%s_running", nodeType(e.NodeType)),
			Message:       fmt.Sprintf("正在执行 %s 节点...", nodeLabel(e.Title, e.NodeType)),
			Progress:      r.tracked(e.WorkflowRunID),
			WorkflowRunID: e.WorkflowRunID,
			NodeID:        e.NodeID,
			NodeType:      e.NodeType,
			Status:        domain.RunRunning,
		})

	case domain.NodeFinishedEvent:
		r.sendProgress(ProgressData{
			Stage:         fmt.Sprintf("node_%s_finished", nodeType(e.NodeType)),
			Message:       fmt.Sprintf("%s 节点执行%s", nodeLabel(e.Title, e.NodeType), outcome(e.Status)),
			Progress:      r.tracked(e.WorkflowRunID),
			WorkflowRunID: e.WorkflowRunID,
			NodeID:        e.NodeID,
			NodeType:      e.NodeType,
			Status:        e.Status,
		})

	case domain.WorkflowFinishedEvent:
		r.sendProgress(ProgressData{
			Stage:         "workflow_finished",
			Message:       "工作流执行" + outcome(e.Status),
			Progress:      r.tracked(e.WorkflowRunID),
			WorkflowRunID: e.WorkflowRunID,
			Status:        e.Status,
		})

	case domain.ErrorEvent:
		code := e.Code
		if code == "" {
			code = "unknown_error"
		}
		msg := e.Message
		if msg == "" {
			msg = "发生未知错误"
		}
		r.fail(ErrorData{Error: code, Message: msg, UserMessage: "处理过程中发生错误"})

	case domain.TTSMessageEvent, domain.TTSMessageEndEvent:
		// Audio is not relayed.
	}
}

// tracked returns the tracker's percentage for runID, or the last value sent.
func (r *relay) tracked(runID string) int {
	if r.bridge.progress == nil || runID == "" {
		return r.last
	}
	p, ok := r.bridge.progress.Get(runID)
	if !ok {
		return r.last
	}
	return p.Progress
}

func (r *relay) sendProgress(p ProgressData) {
	if p.Progress < r.last {
		p.Progress = r.last
	}
	r.last = p.Progress
	r.send(FrameProgress, p)
}

func (r *relay) finish() {
	r.send(FrameStreamComplete, StreamData{SessionID: r.sessionID, StreamID: r.streamID, Message: "响应完成"})
	r.done = true
}

func (r *relay) fail(data ErrorData) {
	r.send(FrameError, data)
	r.done = true
}

func (r *relay) cancelled() {
	r.fail(ErrorData{Error: ErrorCancelled, Message: "request cancelled"})
	if r.err == nil {
		r.err = r.ctx.Err()
	}
}

func (r *relay) stopped() bool {
	return r.done || r.err != nil
}

// send writes one frame unless the stream already ended or a write failed.
func (r *relay) send(t FrameType, data any) {
	if r.stopped() {
		return
	}
	if err := r.emit(Frame{Type: t, Data: data}); err != nil {
		r.err = err
		return
	}
	framesTotal.WithLabelValues(string(t)).Inc()
}

func errorData(err error) ErrorData {
	if errors.Is(err, context.Canceled) || domain.KindOf(err) == domain.KindCanceled {
		return ErrorData{Error: ErrorCancelled, Message: err.Error()}
	}
	api := domain.ToAPIError(err)
	code := api.Code
	if code == "" {
		code = string(api.Type)
	}
	return ErrorData{Error: code, Message: api.Message, UserMessage: "AI服务暂时不可用，请稍后重试"}
}

func nodeType(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}

func nodeLabel(title, t string) string {
	if title != "" {
		return title
	}
	return nodeType(t)
}

func outcome(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return "完成"
	case domain.RunFailed:
		return "失败"
	}
	return "中"
}
