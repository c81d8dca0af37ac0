// ABOUTME: Message chains and inbound message notifications
// ABOUTME: Decodes Friend/Group/Temp message events and exposes their source id for dedupe

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Chain is an ordered message body.
type Chain []Element

func (c Chain) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(c))
	for _, el := range c {
		b, err := MarshalElement(el)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return json.Marshal(parts)
}

func (c *Chain) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decoding message chain: %w", err)
	}
	out := make(Chain, 0, len(parts))
	for _, p := range parts {
		el, err := UnmarshalElement(p)
		if err != nil {
			return err
		}
		out = append(out, el)
	}
	*c = out
	return nil
}

// Unprepared reports whether the chain still holds Local elements.
func (c Chain) Unprepared() bool {
	for _, el := range c {
		switch el.(type) {
		case Local, *Local:
			return true
		}
	}
	return false
}

// Text concatenates the Plain elements.
func (c Chain) Text() string {
	var b strings.Builder
	for _, el := range c {
		if p, ok := el.(Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Text builds a single-element chain.
func Text(s string) Chain { return Chain{Plain{Text: s}} }

// Message notification kinds.
const (
	KindFriend      = "FriendMessage"
	KindGroup       = "GroupMessage"
	KindTemp        = "TempMessage"
	KindStranger    = "StrangerMessage"
	KindOtherClient = "OtherClientMessage"
)

// Kinds lists every notification kind that carries a message chain.
var Kinds = []string{KindFriend, KindGroup, KindTemp, KindStranger, KindOtherClient}

// IsMessageKind reports whether kind carries a message chain.
func IsMessageKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Group is the group half of a group sender.
type Group struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

// Sender is who sent an inbound message. Group is set for group and temp messages.
type Sender struct {
	ID         int64  `json:"id"`
	Nickname   string `json:"nickname,omitempty"`
	MemberName string `json:"memberName,omitempty"`
	Remark     string `json:"remark,omitempty"`
	Permission string `json:"permission,omitempty"`
	Group      *Group `json:"group,omitempty"`
}

// Inbound is a message notification.
type Inbound struct {
	Type         string `json:"type"`
	Sender       Sender `json:"sender"`
	MessageChain Chain  `json:"messageChain"`
}

// DecodeInbound decodes a message notification payload.
func DecodeInbound(payload json.RawMessage) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decoding message notification: %w", err)
	}
	if !IsMessageKind(m.Type) {
		return nil, fmt.Errorf("decoding message notification: unexpected type %q", m.Type)
	}
	return &m, nil
}

// Decode adapts DecodeInbound to a dispatcher decoder.
func Decode(payload json.RawMessage) (any, error) {
	return DecodeInbound(payload)
}

// SourceID returns the message id, or false when the chain has no Source.
func (m *Inbound) SourceID() (int64, bool) {
	for _, el := range m.MessageChain {
		if s, ok := el.(Source); ok {
			return s.ID, true
		}
	}
	return 0, false
}

// Text returns the plain text of the message.
func (m *Inbound) Text() string { return m.MessageChain.Text() }

// SenderID returns the sender's account id.
func (m *Inbound) SenderID() int64 { return m.Sender.ID }

// GroupID returns the group the message was sent in, or 0.
func (m *Inbound) GroupID() int64 {
	if m.Sender.Group == nil {
		return 0
	}
	return m.Sender.Group.ID
}

var errNoSource = errors.New("message has no source element")

// DedupeKey identifies a message for duplicate suppression.
func (m *Inbound) DedupeKey() (string, error) {
	id, ok := m.SourceID()
	if !ok {
		return "", errNoSource
	}
	return fmt.Sprintf("%s:%d:%d", m.Type, m.GroupID(), id), nil
}
