package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MLLP block characters
const (
	StartBlock     byte = 0x0B
	EndBlock       byte = 0x1C
	CarriageReturn byte = 0x0D
)

var (
	// ErrNegativeAck means the receiver answered with an error or reject code
	ErrNegativeAck = errors.New("hl7v2: negative acknowledgement")
	// ErrAckMismatch means the acknowledgement references a different message
	ErrAckMismatch = errors.New("hl7v2: acknowledgement control id mismatch")
	// ErrFrameTooLarge means the peer sent more than MaxFrameSize bytes without closing a frame
	ErrFrameTooLarge = errors.New("hl7v2: mllp frame exceeds limit")
)

// Frame wraps payload in MLLP start and end blocks
func Frame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, payload...)
	return append(frame, EndBlock, CarriageReturn)
}

// Unframe extracts the first complete frame from data and returns the remainder
func Unframe(data []byte) (payload, rest []byte, found bool) {
	start := bytes.IndexByte(data, StartBlock)
	if start < 0 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{EndBlock, CarriageReturn})
	if end < 0 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// ClientConfig holds MLLP client configuration
type ClientConfig struct {
	// DialTimeout bounds connection setup when the context has no earlier deadline
	DialTimeout time.Duration
	// MaxFrameSize bounds the acknowledgement read
	MaxFrameSize int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:  5 * time.Second,
		MaxFrameSize: 1 << 20,
	}
}

// Client sends one message per connection and waits for its acknowledgement
type Client struct {
	config ClientConfig
	dialer *net.Dialer
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClient creates an MLLP client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultClientConfig().MaxFrameSize
	}
	return &Client{
		config: cfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout},
		logger: logger,
		tracer: otel.Tracer("hl7v2-mllp"),
	}
}

// Send transmits msg to host:port and returns nil only for an accepting acknowledgement.
// The exchange is bounded by the context deadline.
func (c *Client) Send(ctx context.Context, msg *Message, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ctx, span := c.tracer.Start(ctx, "mllp_send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("net.peer.addr", addr),
			attribute.String("hl7.message_type", msg.Type),
			attribute.String("hl7.control_id", msg.ControlID),
		))
	defer span.End()

	ack, err := c.exchange(ctx, addr, msg.Bytes())
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("hl7.ack_code", ack.Code))

	if msg.ControlID != "" && ack.ControlID != "" && ack.ControlID != msg.ControlID {
		err := fmt.Errorf("%w: sent %s, got %s", ErrAckMismatch, msg.ControlID, ack.ControlID)
		span.RecordError(err)
		return err
	}
	if !ack.Accepted() {
		err := fmt.Errorf("%w: %s %s", ErrNegativeAck, ack.Code, ack.Text)
		span.RecordError(err)
		return err
	}

	c.logger.Debug("worklist message acknowledged",
		zap.String("addr", addr),
		zap.String("control_id", msg.ControlID),
		zap.String("ack_code", ack.Code))
	return nil
}

func (c *Client) exchange(ctx context.Context, addr string, payload []byte) (*Ack, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}
	// unblock reads on cancellation without a deadline
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(Frame(payload)); err != nil {
		return nil, fmt.Errorf("write to %s: %w", addr, err)
	}

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if frame, _, found := Unframe(buf); found {
			return ParseAck(frame)
		}
		if len(buf) > c.config.MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("read ack from %s: %w", addr, ctxErr)
			}
			return nil, fmt.Errorf("read ack from %s: %w", addr, err)
		}
	}
}
