package domain

// Mode selects which handler serves a request.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// FallbackReason labels why the service switched to the local handler.
type FallbackReason string

const (
	ReasonNetwork   FallbackReason = "network_error"
	ReasonAuth      FallbackReason = "auth_error"
	ReasonRateLimit FallbackReason = "rate_limit"
	ReasonServer    FallbackReason = "server_error"
	ReasonTimeout   FallbackReason = "timeout"
	ReasonManual    FallbackReason = "manual"
	ReasonFallback  FallbackReason = "fallback"
)
