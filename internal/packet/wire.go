package packet

import (
	"encoding/json"
	"fmt"

	"github.com/tnumfive/termmux/internal/xerrors"
)

// decodeObject unmarshals raw into a field map and checks it carries
// exactly the expected number of keys, rejecting anything malformed,
// truncated or padded with unexpected fields before any individual
// field is inspected.
func decodeObject(view string, raw []byte, wantFields int) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("packet: %s: not a JSON object: %w", view, xerrors.ErrDecode)
	}
	if len(fields) != wantFields {
		return nil, fmt.Errorf("packet: %s: want %d fields, got %d: %w", view, wantFields, len(fields), xerrors.ErrDecode)
	}
	return fields, nil
}

func decodeField[T any](view, name string, fields map[string]json.RawMessage, out *T) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("packet: %s: missing field %q: %w", view, name, xerrors.ErrDecode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("packet: %s: field %q: %w", view, name, xerrors.ErrDecode)
	}
	return nil
}

func decodeSource(view string, fields map[string]json.RawMessage) (string, error) {
	var source string
	if err := decodeField(view, "sc", fields, &source); err != nil {
		return "", err
	}
	if !ValidIdentifier(source) {
		return "", fmt.Errorf("packet: %s: source %q fails identifier grammar: %w", view, source, xerrors.ErrDecode)
	}
	return source, nil
}

func decodeDestination(view string, fields map[string]json.RawMessage) ([]string, error) {
	var destination []string
	if err := decodeField(view, "dt", fields, &destination); err != nil {
		return nil, err
	}
	for _, d := range destination {
		if !identifierPattern.MatchString(d) {
			return nil, fmt.Errorf("packet: %s: destination %q fails identifier grammar: %w", view, d, xerrors.ErrDecode)
		}
	}
	return destination, nil
}

// DecodeClientLogin decodes a client->hub login frame: {st, sc, ct}.
func DecodeClientLogin(raw []byte) (Packet, error) {
	fields, err := decodeObject("client-login", raw, 3)
	if err != nil {
		return Packet{}, err
	}
	var sentTime int64
	if err := decodeField("client-login", "st", fields, &sentTime); err != nil {
		return Packet{}, err
	}
	if err := checkTimestamp("st", sentTime); err != nil {
		return Packet{}, err
	}
	source, err := decodeSource("client-login", fields)
	if err != nil {
		return Packet{}, err
	}
	var content string
	if err := decodeField("client-login", "ct", fields, &content); err != nil {
		return Packet{}, err
	}
	return Packet{SentTime: sentTime, Source: source, Content: content}, nil
}

// EncodeClientLogin serializes the client-login wire view.
func EncodeClientLogin(p Packet) ([]byte, error) {
	return json.Marshal(struct {
		SentTime int64  `json:"st"`
		Source   string `json:"sc"`
		Content  string `json:"ct"`
	}{p.SentTime, p.Source, p.Content})
}

// DecodeClientMessage decodes a client->hub message frame: {st, dt, ct}.
func DecodeClientMessage(raw []byte) (Packet, error) {
	fields, err := decodeObject("client-message", raw, 3)
	if err != nil {
		return Packet{}, err
	}
	var sentTime int64
	if err := decodeField("client-message", "st", fields, &sentTime); err != nil {
		return Packet{}, err
	}
	if err := checkTimestamp("st", sentTime); err != nil {
		return Packet{}, err
	}
	destination, err := decodeDestination("client-message", fields)
	if err != nil {
		return Packet{}, err
	}
	var content string
	if err := decodeField("client-message", "ct", fields, &content); err != nil {
		return Packet{}, err
	}
	return Packet{SentTime: sentTime, Destination: destination, Content: content}, nil
}

// EncodeClientMessage serializes the client-message wire view.
func EncodeClientMessage(p Packet) ([]byte, error) {
	destination := p.Destination
	if destination == nil {
		destination = []string{}
	}
	return json.Marshal(struct {
		SentTime    int64    `json:"st"`
		Destination []string `json:"dt"`
		Content     string   `json:"ct"`
	}{p.SentTime, destination, p.Content})
}

// DecodeServerMessage decodes a hub->client frame: {st, rt, sc, ct}.
func DecodeServerMessage(raw []byte) (Packet, error) {
	fields, err := decodeObject("server-message", raw, 4)
	if err != nil {
		return Packet{}, err
	}
	var sentTime, routeTime int64
	if err := decodeField("server-message", "st", fields, &sentTime); err != nil {
		return Packet{}, err
	}
	if err := decodeField("server-message", "rt", fields, &routeTime); err != nil {
		return Packet{}, err
	}
	if err := checkTimestamp("rt", routeTime); err != nil {
		return Packet{}, err
	}
	source, err := decodeSource("server-message", fields)
	if err != nil {
		return Packet{}, err
	}
	var content string
	if err := decodeField("server-message", "ct", fields, &content); err != nil {
		return Packet{}, err
	}
	return Packet{SentTime: sentTime, RouteTime: routeTime, Source: source, Content: content}, nil
}

// EncodeServerMessage serializes the server-message wire view.
func EncodeServerMessage(p Packet) ([]byte, error) {
	return json.Marshal(struct {
		SentTime  int64  `json:"st"`
		RouteTime int64  `json:"rt"`
		Source    string `json:"sc"`
		Content   string `json:"ct"`
	}{p.SentTime, p.RouteTime, p.Source, p.Content})
}

// DecodeRecord decodes a single recorded line: {st, rt, ac, sc, dt, ct}.
func DecodeRecord(raw []byte) (Packet, error) {
	fields, err := decodeObject("record", raw, 6)
	if err != nil {
		return Packet{}, err
	}
	var sentTime, routeTime int64
	if err := decodeField("record", "st", fields, &sentTime); err != nil {
		return Packet{}, err
	}
	if err := decodeField("record", "rt", fields, &routeTime); err != nil {
		return Packet{}, err
	}
	var action Action
	if err := decodeField("record", "ac", fields, &action); err != nil {
		return Packet{}, err
	}
	switch action {
	case ActionLogin, ActionMessage, ActionLogout:
	default:
		return Packet{}, fmt.Errorf("packet: record: unknown action %q: %w", action, xerrors.ErrDecode)
	}
	source, err := decodeSource("record", fields)
	if err != nil {
		return Packet{}, err
	}
	destination, err := decodeDestination("record", fields)
	if err != nil {
		return Packet{}, err
	}
	var content string
	if err := decodeField("record", "ct", fields, &content); err != nil {
		return Packet{}, err
	}
	return Packet{
		SentTime:    sentTime,
		RouteTime:   routeTime,
		Action:      action,
		Source:      source,
		Destination: destination,
		Content:     content,
	}, nil
}

// EncodeRecord serializes the full six-field recorded form, one
// packet per line (the newline is appended by the recorder, not here).
func EncodeRecord(p Packet) ([]byte, error) {
	destination := p.Destination
	if destination == nil {
		destination = []string{}
	}
	return json.Marshal(struct {
		SentTime    int64    `json:"st"`
		RouteTime   int64    `json:"rt"`
		Action      Action   `json:"ac"`
		Source      string   `json:"sc"`
		Destination []string `json:"dt"`
		Content     string   `json:"ct"`
	}{p.SentTime, p.RouteTime, p.Action, p.Source, destination, p.Content})
}
