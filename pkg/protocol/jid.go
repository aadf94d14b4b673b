package protocol

import (
	"fmt"
	"strings"
)

// Known JID servers
const (
	DefaultUserServer = "s.whatsapp.net"
	LegacyUserServer  = "c.us"
	GroupServer       = "g.us"
	HiddenUserServer  = "lid"
	BroadcastServer   = "broadcast"
)

// ServerJID is the address of the server itself.
var ServerJID = JID{Server: DefaultUserServer}

// JID identifies a user, group or linked identity as <user>@<server>.
// JID values are immutable; the zero value is the empty JID.
type JID struct {
	User   string
	Server string
}

// NewJID creates a JID from a user part and a server.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// ParseJID parses a "<user>@<server>" string. A string without '@' is
// taken as a bare server address.
func ParseJID(s string) (JID, error) {
	user, server, ok := strings.Cut(s, "@")
	if !ok {
		server, user = s, ""
	}
	switch server {
	case DefaultUserServer, GroupServer, HiddenUserServer, LegacyUserServer, BroadcastServer:
	default:
		return JID{}, NewFormatError(fmt.Sprintf("unknown jid server %q", server), nil)
	}
	if server == GroupServer && user == "" {
		return JID{}, NewFormatError("group jid without id", nil)
	}
	return JID{User: user, Server: server}, nil
}

// String returns the textual form. A JID with an empty user renders as the
// bare server.
func (j JID) String() string {
	if j.User == "" {
		return j.Server
	}
	return j.User + "@" + j.Server
}

// IsEmpty reports whether the JID has no server.
func (j JID) IsEmpty() bool {
	return j.Server == ""
}

// IsGroup reports whether the JID addresses a group.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// IsLID reports whether the JID is a hidden linked identity.
func (j JID) IsLID() bool {
	return j.Server == HiddenUserServer
}

// IsUser reports whether the JID addresses a phone-number user under either
// the current or the legacy server name.
func (j JID) IsUser() bool {
	return j.User != "" && (j.Server == DefaultUserServer || j.Server == LegacyUserServer)
}

// Normalized maps the legacy c.us server to s.whatsapp.net.
func (j JID) Normalized() JID {
	if j.Server == LegacyUserServer {
		return JID{User: j.User, Server: DefaultUserServer}
	}
	return j
}
