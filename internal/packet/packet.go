// Package packet implements the hub envelope: the six-field unit that
// crosses the hub boundary, its three wire views (client-login,
// client-message, server-message) and its recorded form, plus the
// identifier grammar shared by source and destination fields.
package packet

import (
	"fmt"
	"regexp"
	"time"

	"github.com/tnumfive/termmux/internal/xerrors"
)

// Action is the hub-level action recorded against a packet.
type Action string

const (
	ActionLogin   Action = "login"
	ActionMessage Action = "message"
	ActionLogout  Action = "logout"
)

// HubSource is the literal source identifier the hub uses on frames it
// originates itself (decorated login/logout records, auth replies).
const HubSource = "#"

// identifierPattern matches bare client identifiers. The hub itself is
// addressed by the literal "#", checked separately.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// futureSlack is how far into the future a timestamp may drift before
// a decoder rejects it, absorbing clock skew between sender and
// receiver.
const futureSlack = time.Millisecond

// ValidIdentifier reports whether s is a legal source/destination
// identifier, including the hub's own "#".
func ValidIdentifier(s string) bool {
	return s == HubSource || identifierPattern.MatchString(s)
}

// Packet is the full envelope. Not every field is populated in every
// wire view; see the Decode/Encode functions for which subset each
// view carries.
type Packet struct {
	SentTime    int64
	RouteTime   int64
	Action      Action
	Source      string
	Destination []string
	Content     string
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// New builds a Packet stamped with the current sent and route time,
// used by the hub when it decorates a login/logout record.
func New(action Action, source string, destination []string, content string) Packet {
	return Packet{
		SentTime:    nowMillis(),
		RouteTime:   nowMillis(),
		Action:      action,
		Source:      source,
		Destination: destination,
		Content:     content,
	}
}

func checkTimestamp(name string, ms int64) error {
	if float64(ms) > float64(nowMillis())+float64(futureSlack.Milliseconds()) {
		return fmt.Errorf("%s: %s %d is in the future: %w", decodeErrScope, name, ms, xerrors.ErrDecode)
	}
	return nil
}

const decodeErrScope = "packet"
