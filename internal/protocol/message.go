// Package protocol implements the framed msgpack wire protocol spoken over
// the daemon's unix socket: a 4-byte big-endian length prefix followed by a
// msgpack-encoded map.
package protocol

import (
	"io"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	apperrors "brokerd/pkg/errors"
)

// SourceCLI is the default request source when the client does not set one.
const SourceCLI = "cli"

// Request is one framed client request. Unknown map keys are ignored on
// decode so older daemons tolerate newer clients.
type Request struct {
	RequestID string         `msgpack:"request_id" json:"request_id"`
	Command   string         `msgpack:"command" json:"command"`
	Params    map[string]any `msgpack:"params" json:"params"`
	Stream    bool           `msgpack:"stream" json:"stream"`
	Source    string         `msgpack:"source" json:"source"`
}

// ApplyDefaults fills a missing request id, source and params map.
func (r *Request) ApplyDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Source == "" {
		r.Source = SourceCLI
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
}

// ErrorPayload is the wire form of a typed daemon error.
type ErrorPayload struct {
	Code       string         `msgpack:"code" json:"code"`
	Message    string         `msgpack:"message" json:"message"`
	Details    map[string]any `msgpack:"details,omitempty" json:"details,omitempty"`
	Suggestion string         `msgpack:"suggestion,omitempty" json:"suggestion,omitempty"`
}

// NewErrorPayload converts a typed error to its wire form.
func NewErrorPayload(err *apperrors.Error) *ErrorPayload {
	return &ErrorPayload{
		Code:       string(err.Code),
		Message:    err.Message,
		Details:    err.Details,
		Suggestion: err.Suggestion,
	}
}

// AsError converts a wire error back into a typed error.
func (p *ErrorPayload) AsError() *apperrors.Error {
	return &apperrors.Error{
		Code:       apperrors.Code(p.Code),
		Message:    p.Message,
		Details:    p.Details,
		Suggestion: p.Suggestion,
	}
}

// Response is one framed reply. Exactly one of Data and Error is set.
type Response struct {
	RequestID string        `msgpack:"request_id" json:"request_id"`
	OK        bool          `msgpack:"ok" json:"ok"`
	Data      any           `msgpack:"data,omitempty" json:"data,omitempty"`
	Error     *ErrorPayload `msgpack:"error,omitempty" json:"error,omitempty"`
}

// OKResponse builds a success reply.
func OKResponse(requestID string, data any) *Response {
	return &Response{RequestID: requestID, OK: true, Data: data}
}

// ErrResponse builds a failure reply from a typed error.
func ErrResponse(requestID string, err *apperrors.Error) *Response {
	return &Response{RequestID: requestID, OK: false, Error: NewErrorPayload(err)}
}

// EventEnvelope is one broadcast frame pushed to a subscriber.
type EventEnvelope struct {
	RequestID string         `msgpack:"request_id,omitempty" json:"request_id,omitempty"`
	Topic     string         `msgpack:"topic" json:"topic"`
	Data      map[string]any `msgpack:"data" json:"data"`
}

// Encode serializes any wire message to msgpack.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeRequest decodes a request payload and applies defaults.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	req.ApplyDefaults()
	return &req, nil
}

// DecodeResponse decodes a response payload.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeEvent decodes an event envelope payload.
func DecodeEvent(payload []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// WriteMessage encodes and frames one message.
func WriteMessage(w io.Writer, v any) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one framed request.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(payload)
}

// ReadResponse reads and decodes one framed response.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(payload)
}

// ReadEvent reads and decodes one framed event envelope.
func ReadEvent(r io.Reader) (*EventEnvelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(payload)
}
