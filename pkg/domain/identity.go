// Package domain holds the core types shared by every wabridge component:
// JID identities, canonical record shapes, and the event bus contracts.
package domain

import (
	"fmt"
	"strings"
)

// Known JID servers. A contact is reachable either through a stable
// phone-backed address or an ephemeral device-linked one; groups have
// their own namespace.
const (
	ServerUser  = "s.whatsapp.net" // phone-backed user
	ServerLid   = "lid"            // device-linked (hidden) user
	ServerGroup = "g.us"           // group chat
)

// JID is a protocol address in user@server form.
type JID struct {
	User   string
	Server string
}

// NewJID builds a JID from its parts.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// ParseJID splits a raw user@server string. The device suffix some payloads
// carry on the user part (user:device@server) is stripped.
func ParseJID(raw string) (JID, error) {
	idx := strings.IndexByte(raw, '@')
	if idx < 1 || idx == len(raw)-1 {
		return JID{}, fmt.Errorf("malformed JID %q", raw)
	}
	user := raw[:idx]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return JID{User: user, Server: raw[idx+1:]}, nil
}

// String renders the canonical user@server form.
func (j JID) String() string {
	if j.IsZero() {
		return ""
	}
	return j.User + "@" + j.Server
}

// IsZero reports whether the JID is empty.
func (j JID) IsZero() bool { return j.User == "" && j.Server == "" }

// IsGroup reports whether the JID addresses a group chat.
func (j JID) IsGroup() bool { return j.Server == ServerGroup }

// IsLid reports whether the JID is a device-linked (ephemeral) identity.
func (j JID) IsLid() bool { return j.Server == ServerLid }

// IsPhone reports whether the JID is a stable phone-backed identity.
func (j JID) IsPhone() bool { return j.Server == ServerUser }

// IdentityAlias is the persisted pairing of a device-linked identity with
// its phone-backed counterpart. Keyed by the device-linked side, which is
// the one that appears and disappears with protocol behavior.
type IdentityAlias struct {
	LidJID   string `json:"lid_jid"`
	PhoneJID string `json:"phone_jid"`
}
