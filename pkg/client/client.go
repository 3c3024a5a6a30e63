// Package client is the Go SDK for the daemon's unix-socket protocol. Each
// Call opens one connection, writes one framed request and reads one framed
// response; Subscribe holds its connection open and delivers event envelopes
// on a channel.
package client

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

// SourceSDK marks requests issued through this package in the audit trail.
const SourceSDK = "sdk"

const defaultDialTimeout = 3 * time.Second

// Client talks to a running daemon over its unix socket.
type Client struct {
	socketPath  string
	source      string
	dialTimeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithSource overrides the request source recorded in the audit trail.
func WithSource(source string) Option {
	return func(c *Client) { c.source = source }
}

// WithDialTimeout bounds how long connecting to the socket may take.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// New builds a client for the daemon socket at socketPath.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		socketPath:  socketPath,
		source:      SourceSDK,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, apperrors.DaemonNotRunning(
			"daemon is not running or not answering",
			apperrors.WithDetails(map[string]any{"socket": c.socketPath, "cause": err.Error()}),
			apperrors.WithSuggestion("Start the daemon first: brokerd -config <path>"),
		)
	}
	return conn, nil
}

// Call issues one command and returns the decoded response data. Wire
// errors come back as typed *apperrors.Error values.
func (c *Client) Call(ctx context.Context, command string, params map[string]any) (any, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := &protocol.Request{
		RequestID: uuid.NewString(),
		Command:   command,
		Params:    params,
		Source:    c.source,
	}
	req.ApplyDefaults()
	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, apperrors.Internal("failed to send request: " + err.Error())
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return nil, apperrors.Internal("failed to read response: " + err.Error())
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, apperrors.Internal("daemon reported failure without an error payload")
		}
		return nil, resp.Error.AsError()
	}
	return resp.Data, nil
}

// Subscription is one live event stream. Events closes when the daemon
// shuts down, the context is cancelled, or Close is called.
type Subscription struct {
	Topics []string
	events chan *protocol.EventEnvelope
	conn   net.Conn
	cancel context.CancelFunc
}

// Events returns the envelope delivery channel.
func (s *Subscription) Events() <-chan *protocol.EventEnvelope { return s.events }

// Close ends the stream.
func (s *Subscription) Close() error {
	s.cancel()
	return s.conn.Close()
}

// Subscribe opens an event stream filtered to topics. An empty topic list
// subscribes to every topic.
func (c *Client) Subscribe(ctx context.Context, topics []string) (*Subscription, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	req := &protocol.Request{
		RequestID: uuid.NewString(),
		Command:   "events.subscribe",
		Params:    map[string]any{"topics": toAnySlice(topics)},
		Stream:    true,
		Source:    c.source,
	}
	if err := protocol.WriteMessage(conn, req); err != nil {
		conn.Close()
		return nil, apperrors.Internal("failed to send subscribe request: " + err.Error())
	}

	ack, err := protocol.ReadResponse(conn)
	if err != nil {
		conn.Close()
		return nil, apperrors.Internal("failed to read subscribe ack: " + err.Error())
	}
	if !ack.OK {
		conn.Close()
		if ack.Error == nil {
			return nil, apperrors.Internal("subscription rejected without an error payload")
		}
		return nil, ack.Error.AsError()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Topics: topics,
		events: make(chan *protocol.EventEnvelope, 64),
		conn:   conn,
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		defer conn.Close()
		for {
			envelope, err := protocol.ReadEvent(conn)
			if err != nil {
				return
			}
			select {
			case sub.events <- envelope:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	return sub, nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
