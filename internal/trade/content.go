// Package trade implements the trade-content sub-protocol carried
// inside a packet's content field: a tagged union of RequestContent,
// ResponseContent and StreamContent, discriminated by the "kl" key.
package trade

import (
	"encoding/json"
	"fmt"

	"github.com/tnumfive/termmux/internal/xerrors"
)

// Kind is the "kl" discriminator.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindStream   Kind = "stream"
)

// Content is implemented by RequestContent, ResponseContent and
// StreamContent.
type Content interface {
	Kind() Kind
	Encode() (string, error)
}

// RequestContent is a method call with positional params, correlated
// by ID against a future ResponseContent.
type RequestContent struct {
	ID     int64
	Method string
	Params []any
}

func (RequestContent) Kind() Kind { return KindRequest }

// Encode serializes the request as the sub-protocol JSON string.
func (r RequestContent) Encode() (string, error) {
	params := r.Params
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(struct {
		Kind   Kind   `json:"kl"`
		ID     int64  `json:"id"`
		Method string `json:"mt"`
		Params []any  `json:"pr"`
	}{KindRequest, r.ID, r.Method, params})
	return string(raw), err
}

// ResponseContent echoes a request id with an arbitrary JSON result.
type ResponseContent struct {
	ID     int64
	Result any
}

func (ResponseContent) Kind() Kind { return KindResponse }

func (r ResponseContent) Encode() (string, error) {
	raw, err := json.Marshal(struct {
		Kind   Kind  `json:"kl"`
		ID     int64 `json:"id"`
		Result any   `json:"rs"`
	}{KindResponse, r.ID, r.Result})
	return string(raw), err
}

// StreamContent carries an upstream market-data event for a named
// stream. Data is left as raw JSON so callers can apply the typed
// projections in projections.go without a second round trip through
// an untyped map.
type StreamContent struct {
	Stream string
	Data   json.RawMessage
}

func (StreamContent) Kind() Kind { return KindStream }

func (s StreamContent) Encode() (string, error) {
	data := s.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	raw, err := json.Marshal(struct {
		Kind   Kind            `json:"kl"`
		Stream string          `json:"st"`
		Data   json.RawMessage `json:"dt"`
	}{KindStream, s.Stream, data})
	return string(raw), err
}

// Decode inspects the "kl" discriminator of content and dispatches to
// the matching variant, validating each variant's exact field count.
func Decode(content string) (Content, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("trade: not a JSON object: %w", xerrors.ErrDecode)
	}
	var kind Kind
	kindRaw, ok := fields["kl"]
	if !ok {
		return nil, fmt.Errorf("trade: missing discriminator %q: %w", "kl", xerrors.ErrDecode)
	}
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, fmt.Errorf("trade: discriminator: %w", xerrors.ErrDecode)
	}

	switch kind {
	case KindRequest:
		if len(fields) != 4 {
			return nil, fmt.Errorf("trade: request: want 4 fields, got %d: %w", len(fields), xerrors.ErrDecode)
		}
		var r struct {
			ID     int64  `json:"id"`
			Method string `json:"mt"`
			Params []any  `json:"pr"`
		}
		if err := unmarshalFields(fields, &r); err != nil {
			return nil, err
		}
		return RequestContent{ID: r.ID, Method: r.Method, Params: r.Params}, nil
	case KindResponse:
		if len(fields) != 3 {
			return nil, fmt.Errorf("trade: response: want 3 fields, got %d: %w", len(fields), xerrors.ErrDecode)
		}
		var r struct {
			ID     int64 `json:"id"`
			Result any   `json:"rs"`
		}
		if err := unmarshalFields(fields, &r); err != nil {
			return nil, err
		}
		return ResponseContent{ID: r.ID, Result: r.Result}, nil
	case KindStream:
		if len(fields) != 3 {
			return nil, fmt.Errorf("trade: stream: want 3 fields, got %d: %w", len(fields), xerrors.ErrDecode)
		}
		var r struct {
			Stream string          `json:"st"`
			Data   json.RawMessage `json:"dt"`
		}
		if err := unmarshalFields(fields, &r); err != nil {
			return nil, err
		}
		return StreamContent{Stream: r.Stream, Data: r.Data}, nil
	default:
		return nil, fmt.Errorf("trade: unknown discriminator %q: %w", kind, xerrors.ErrDecode)
	}
}

// unmarshalFields re-marshals the field map and unmarshals it into out,
// a cheap way to reuse the standard struct-tag decoder after the
// field-count check has already run against the raw map.
func unmarshalFields(fields map[string]json.RawMessage, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("trade: %w", xerrors.ErrDecode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("trade: %w", xerrors.ErrDecode)
	}
	return nil
}
