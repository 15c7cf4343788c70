package dify

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

const doneSentinel = "[DONE]"

// Observer receives every decoded event before it is returned. The progress
// tracker is the usual observer.
type Observer interface {
	Observe(domain.StreamEvent)
}

// Decoder reads SSE framing (`data: <json>` lines separated by blank lines) and
// yields typed events in stream order. Malformed frames and unknown tags are
// logged and skipped.
type Decoder struct {
	scanner  *bufio.Scanner
	observer Observer
	logger   *slog.Logger
	skipped  int
	done     bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithObserver registers a side consumer for decoded events.
func WithObserver(o Observer) DecoderOption {
	return func(d *Decoder) {
		d.observer = o
	}
}

// WithLogger sets the logger used for skipped frames.
func WithLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for potentially large frames
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	d := &Decoder{scanner: scanner, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. It returns io.EOF after the sentinel line or at the
// end of input, and a network_error AgentError if reading fails.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	if d.done {
		return nil, io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Bytes()

		data, ok := dataPayload(line)
		if !ok {
			continue
		}
		if string(data) == doneSentinel {
			d.done = true
			return nil, io.EOF
		}

		ev, err := DecodeFrame(data)
		if err != nil {
			d.skip(data, err)
			continue
		}

		if d.observer != nil {
			d.observer.Observe(ev)
		}
		return ev, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return nil, domain.NewAgentError(domain.KindNetwork, "stream read error", err)
	}
	return nil, io.EOF
}

// Skipped returns how many frames were dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) skip(data []byte, err error) {
	if errors.Is(err, ErrUnknownEvent) && bytes.Contains(data, []byte(`"`+pingEvent+`"`)) {
		d.logger.Debug("stream keepalive")
		return
	}
	d.skipped++

	sample := data
	if len(sample) > 256 {
		sample = sample[:256]
	}
	d.logger.Warn("skipping stream frame",
		slog.String("error", err.Error()),
		slog.String("frame", string(sample)))
}

// dataPayload extracts the payload of a `data:` line. Blank lines, comments and
// other SSE fields (event, id, retry) are not data.
func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	data := bytes.TrimPrefix(line, []byte("data:"))
	data = bytes.TrimPrefix(data, []byte(" "))
	data = bytes.TrimRight(data, "\r")
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}
