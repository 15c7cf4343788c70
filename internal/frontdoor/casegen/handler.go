// Package casegen is the HTTP surface of the gateway: session bookkeeping, file
// analysis, chat turns, streamed generation and operational status.
package casegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/casegen-gateway/internal/bridge"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/orchestrator"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
	"github.com/tjfontaine/casegen-gateway/internal/server"
)

const defaultProbeTimeout = 5 * time.Second

// Handler serves the /api routes.
type Handler struct {
	orch     *orchestrator.Orchestrator
	bridge   *bridge.Bridge
	progress bridge.ProgressSource
	validate *validator.Validate
	logger   *slog.Logger

	probeTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithProbeTimeout bounds the upstream probe made by the health endpoint.
func WithProbeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.probeTimeout = d
	}
}

// NewHandler creates a handler. progress may be nil, in which case the progress
// endpoint always answers 404.
func NewHandler(orch *orchestrator.Orchestrator, br *bridge.Bridge, progress bridge.ProgressSource, opts ...Option) *Handler {
	h := &Handler{
		orch:         orch,
		bridge:       br,
		progress:     progress,
		validate:     newValidator(),
		logger:       slog.Default(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the API under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}/conversation", h.ResetConversation)
		r.Post("/analyze", h.Analyze)
		r.Post("/chat", h.Chat)
		r.Post("/generate", h.Generate)
		r.Get("/progress/{runId}", h.Progress)
		r.Get("/health", h.Health)
		r.Put("/mode", h.SetMode)
	})
}

type createSessionRequest struct {
	UserID string `json:"user_id" validate:"omitempty,max=128"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	sess, err := h.orch.Sessions().Create(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "session_id", sess.SessionID)
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "session_id", id)

	sess, err := h.orch.Sessions().Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResetConversation handles DELETE /api/sessions/{id}/conversation. It forgets
// the upstream conversation so the next turn starts a new one.
func (h *Handler) ResetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "session_id", id)

	if err := h.orch.Sessions().ClearRemoteConversationID(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type analyzeRequest struct {
	Files []domain.FileDescription `json:"files" validate:"required,min=1,dive"`
}

// Analyze handles POST /api/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.orch.AnalyzeFiles(r.Context(), req.Files)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "source", string(res.Source))
	writeJSON(w, http.StatusOK, res)
}

type chatRequest struct {
	SessionID string         `json:"session_id" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	server.AddLogField(r.Context(), "session_id", req.SessionID)

	reply, err := h.orch.Chat(r.Context(), req.SessionID, req.Message, req.Inputs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "source", string(reply.Source))
	writeJSON(w, http.StatusOK, reply)
}

type generateRequest struct {
	SessionID string         `json:"session_id" validate:"required"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

// Generate handles POST /api/generate. The response is an event stream of
// bridge frames ending in exactly one terminal frame.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	server.AddLogField(r.Context(), "session_id", req.SessionID)
	server.AddLogField(r.Context(), "mode", string(h.orch.Selector().Mode()))

	sse, err := bridge.NewSSEWriter(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	open := func(ctx context.Context) (<-chan domain.StreamEvent, error) {
		return h.orch.GenerateStream(ctx, req.SessionID, req.Inputs)
	}
	if err := h.bridge.Relay(r.Context(), req.SessionID, open, sse.Write); err != nil {
		server.AddError(r.Context(), err)
	}
}

// Progress handles GET /api/progress/{runId}.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if h.progress != nil {
		if p, ok := h.progress.Get(runID); ok {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, domain.ErrNotFound(fmt.Sprintf("workflow run %q not found", runID)))
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status        string                `json:"status"`
	Mode          mode.Status           `json:"mode"`
	Store         string                `json:"store"`
	ActiveStreams int                   `json:"active_streams"`
	Breakers      []resilience.Snapshot `json:"breakers"`
	Upstream      string                `json:"upstream,omitempty"`
	UpstreamError string                `json:"upstream_error,omitempty"`
	Streams       []bridge.StreamInfo   `json:"streams,omitempty"`
}

// Health handles GET /api/health. With ?probe=true the upstream is contacted;
// an unreachable upstream degrades the status but never fails the request.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Mode:          h.orch.Selector().Status(),
		Store:         h.orch.Sessions().StoreName(),
		ActiveStreams: h.bridge.ActiveCount(),
		Breakers:      h.orch.Breakers().Snapshots(),
	}
	if r.URL.Query().Get("verbose") == "true" {
		resp.Streams = h.bridge.Active()
	}

	if r.URL.Query().Get("probe") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), h.probeTimeout)
		defer cancel()
		if err := h.orch.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Upstream = "unreachable"
			resp.UpstreamError = err.Error()
		} else {
			resp.Upstream = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type modeRequest struct {
	Mode domain.Mode `json:"mode" validate:"required,oneof=local remote"`
}

// SetMode handles PUT /api/mode. Switching to remote is refused with 409 when
// configuration does not allow it.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !h.decode(w, r, &req) {
		return
	}
	server.AddLogField(r.Context(), "mode", string(req.Mode))

	sel := h.orch.Selector()
	switch req.Mode {
	case domain.ModeLocal:
		sel.SwitchToLocal(domain.ReasonManual, "requested over the api")
	case domain.ModeRemote:
		sel.SwitchToRemote()
		if !sel.IsRemote() {
			writeError(w, domain.NewAPIError(domain.ErrorTypeInvalidRequest,
				"remote mode is not allowed by configuration").WithStatusCode(http.StatusConflict))
			return
		}
		// A manual switch back gives the upstream a clean slate.
		h.orch.Breakers().ResetAll()
	}
	writeJSON(w, http.StatusOK, sel.Status())
}

// decode reads and validates a JSON body. It writes the error response itself
// and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, domain.ErrInvalidRequest(validationMessage(err)))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, domain.ErrNotFound(err.Error()))
		return
	}
	if errors.Is(err, context.Canceled) {
		writeError(w, domain.ErrInvalidRequest("request cancelled").WithCode(bridge.ErrorCancelled).WithStatusCode(499))
		return
	}
	api := domain.ToAPIError(err)
	if api.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, api)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	// drop the request type name
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must have at least " + fe.Param() + " entries"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *domain.APIError) {
	writeJSON(w, err.HTTPStatusCode(), map[string]any{"error": err})
}
