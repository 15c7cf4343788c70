// Package dify is the HTTP client for the upstream conversational agent service.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	difycodec "github.com/tjfontaine/casegen-gateway/internal/codec/dify"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

const (
	defaultMaxConns    = 16
	streamBufferSize   = 32
	maxErrorBodyLength = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client's transport replaces the
// pooled one; the slot limit still applies.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithObserver registers a side consumer for every decoded stream event.
func WithObserver(o difycodec.Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the upstream over a bounded connection pool.
//
// At most MaxConns requests are in flight; a request that cannot get a slot
// within AcquireTimeout fails with a pool_exhausted error.
type Client struct {
	apiKey         string
	baseURL        string
	timeout        time.Duration
	acquireTimeout time.Duration

	transport  *http.Transport
	httpClient *http.Client
	slots      *semaphore.Weighted
	observer   difycodec.Observer
	logger     *slog.Logger
}

var _ ports.AgentClient = (*Client)(nil)

// NewClient creates a client from the agent configuration.
func NewClient(cfg config.AgentConfig, opts ...ClientOption) *Client {
	maxConns := cfg.MaxConns
	if maxConns < 1 {
		maxConns = defaultMaxConns
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = maxConns
	transport.MaxIdleConnsPerHost = maxConns
	transport.IdleConnTimeout = cfg.IdleConnTimeout
	transport.ResponseHeaderTimeout = cfg.Timeout

	c := &Client{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:        cfg.Timeout,
		acquireTimeout: cfg.AcquireTimeout,
		transport:      transport,
		httpClient:     &http.Client{Transport: otelhttp.NewTransport(transport)},
		slots:          semaphore.NewWeighted(int64(maxConns)),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string {
	return c.baseURL
}

// Send performs a blocking chat call.
func (c *Client) Send(ctx context.Context, req *ports.AgentRequest) (*ports.AgentResponse, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, errRequestTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, req, string(ports.ResponseModeBlocking))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.NewAgentError(domain.KindDecode, "failed to unmarshal response", err)
	}

	result := &ports.AgentResponse{
		MessageID:      firstNonEmpty(out.MessageID, out.ID),
		ConversationID: out.ConversationID,
		Answer:         out.Answer,
	}
	if len(out.Metadata) > 0 {
		var md struct {
			Usage domain.Usage `json:"usage"`
		}
		if err := json.Unmarshal(out.Metadata, &md); err == nil {
			result.Usage = md.Usage
		}
		if err := json.Unmarshal(out.Metadata, &result.Metadata); err != nil {
			c.logger.Debug("failed to decode response metadata",
				slog.String("conversation_id", out.ConversationID),
				slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// Stream opens a streaming chat call. Events are decoded in a goroutine and
// delivered in order on a bounded channel; canceling ctx aborts the request and
// closes the channel.
func (c *Client) Stream(ctx context.Context, req *ports.AgentRequest) (<-chan ports.StreamResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, req, string(ports.ResponseModeStreaming))
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan ports.StreamResult, streamBufferSize)
	go c.streamReader(ctx, resp.Body, release, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, release func(), out chan<- ports.StreamResult) {
	defer close(out)
	defer release()
	defer body.Close()

	opts := []difycodec.DecoderOption{difycodec.WithLogger(c.logger)}
	if c.observer != nil {
		opts = append(opts, difycodec.WithObserver(c.observer))
	}
	dec := difycodec.NewDecoder(body, opts...)

	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		var res ports.StreamResult
		if err != nil {
			res.Err = classifyTransport(ctx, err)
		} else {
			res.Event = ev
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Ping probes GET /parameters.
func (c *Client) Ping(ctx context.Context) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, errRequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/parameters?user=health-check", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return difycodec.ClassifyResponse(resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle pooled connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	if t, ok := c.httpClient.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (c *Client) post(ctx context.Context, req *ports.AgentRequest, mode string) (*http.Response, error) {
	body, err := json.Marshal(c.wireRequest(req, mode))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	if mode == string(ports.ResponseModeStreaming) {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("upstream request failed",
			slog.String("mode", mode),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, classifyTransport(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return nil, difycodec.ClassifyResponse(resp.StatusCode, respBody)
	}
	return resp, nil
}

func (c *Client) wireRequest(req *ports.AgentRequest, mode string) *ChatRequest {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	out := &ChatRequest{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   mode,
		ConversationID: req.ConversationID,
		User:           req.User,
	}
	for _, f := range req.Files {
		out.Files = append(out.Files, FileRef{
			Type:           "document",
			TransferMethod: "local_file",
			UploadFileID:   f.FileID,
		})
	}
	return out
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// acquire takes a pool slot, waiting at most acquireTimeout.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}

	if err := c.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewAgentError(domain.KindCanceled, "canceled waiting for connection", ctx.Err())
		}
		return nil, domain.NewAgentError(domain.KindPoolExhausted, "no upstream connection available", err)
	}
	return func() { c.slots.Release(1) }, nil
}

// errRequestTimeout is the cause attached to the client's own per-request deadline.
var errRequestTimeout = errors.New("upstream request timeout")

// classifyTransport maps a transport-level failure onto the error taxonomy. Only
// the client's own deadline is a timeout; a context ended by the caller, whether
// canceled or past its deadline, is a cancellation.
func classifyTransport(ctx context.Context, err error) error {
	var ae *domain.AgentError
	if errors.As(err, &ae) {
		return err
	}

	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errRequestTimeout) {
			return domain.NewAgentError(domain.KindTimeout, "request timed out", err)
		}
		return domain.NewAgentError(domain.KindCanceled, "request ended by caller", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewAgentError(domain.KindCanceled, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewAgentError(domain.KindTimeout, "request timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return domain.NewAgentError(domain.KindConnect, "failed to connect", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.NewAgentError(domain.KindConnect, "failed to resolve host", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewAgentError(domain.KindTimeout, "request timed out", err)
	}
	return domain.NewAgentError(domain.KindNetwork, "request failed", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
