// ABOUTME: Wire envelopes for outbound commands and inbound frames
// ABOUTME: Encodes requests with the session key injected and classifies raw frames

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NoSyncID is the sync id carried by frames that do not answer a request.
// It is the only "no id" sentinel accepted once a channel is ready; an empty
// sync id is legitimate solely on the handshake frame.
const NoSyncID = "-1"

// Request is the outbound command envelope.
type Request struct {
	SyncID     string          `json:"syncId"`
	Command    string          `json:"command"`
	SubCommand *string         `json:"subCommand"`
	Content    json.RawMessage `json:"content"`
}

// EncodeRequest serializes a command. content must marshal to a JSON object
// (or be nil); the session key is added to it under "sessionKey".
func EncodeRequest(syncID, command, subCommand, sessionKey string, content any) ([]byte, error) {
	if syncID == "" || syncID == NoSyncID {
		return nil, fmt.Errorf("%w: invalid sync id %q", ErrProtocol, syncID)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrProtocol)
	}

	fields := map[string]json.RawMessage{}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s content: %w", command, err)
		}
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%w: %s content is not a JSON object", ErrProtocol, command)
			}
		}
	}
	key, err := json.Marshal(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling session key: %w", err)
	}
	fields["sessionKey"] = key

	contentRaw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s content: %w", command, err)
	}

	req := Request{
		SyncID:  syncID,
		Command: command,
		Content: contentRaw,
	}
	if subCommand != "" {
		req.SubCommand = &subCommand
	}
	return json.Marshal(req)
}

// DecodeRequest parses an envelope produced by EncodeRequest.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: decoding request: %v", ErrProtocol, err)
	}
	if req.SyncID == "" || req.Command == "" {
		return nil, fmt.Errorf("%w: request missing syncId or command", ErrProtocol)
	}
	return &req, nil
}

// SessionKey extracts the session key embedded in the request content.
func (r *Request) SessionKey() string {
	var c struct {
		SessionKey string `json:"sessionKey"`
	}
	_ = json.Unmarshal(r.Content, &c)
	return c.SessionKey
}

// FrameKind classifies an inbound frame before channel state is considered.
type FrameKind int

const (
	// FrameUntagged has data but an empty sync id. Only valid as a handshake.
	FrameUntagged FrameKind = iota
	// FrameResponse answers the request with the same sync id.
	FrameResponse
	// FrameNotification carries NoSyncID and an unsolicited event.
	FrameNotification
	// FrameError is a top-level {code, msg} frame.
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameUntagged:
		return "untagged"
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded inbound frame.
type Frame struct {
	Kind    FrameKind
	SyncID  string
	Data    json.RawMessage
	Code    int
	Message string
}

type rawFrame struct {
	SyncID  *string         `json:"syncId"`
	Data    json.RawMessage `json:"data"`
	Code    *int            `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
}

// ParseFrame decodes and classifies a raw inbound frame.
func ParseFrame(raw []byte) (Frame, error) {
	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return Frame{}, fmt.Errorf("%w: decoding frame: %v", ErrProtocol, err)
	}

	if rf.Code != nil && rf.SyncID == nil && len(rf.Data) == 0 {
		msg := rf.Msg
		if msg == "" {
			msg = rf.Message
		}
		return Frame{Kind: FrameError, Code: *rf.Code, Message: msg}, nil
	}

	if len(rf.Data) == 0 || bytes.Equal(rf.Data, []byte("null")) {
		return Frame{}, fmt.Errorf("%w: frame has no data", ErrProtocol)
	}

	f := Frame{Data: rf.Data}
	if rf.SyncID != nil {
		f.SyncID = *rf.SyncID
	}
	switch f.SyncID {
	case "":
		f.Kind = FrameUntagged
	case NoSyncID:
		f.Kind = FrameNotification
	default:
		f.Kind = FrameResponse
	}
	return f, nil
}

// DecodeHandshake extracts the session token from the first frame's data.
func DecodeHandshake(channel string, data json.RawMessage) (string, error) {
	var hs struct {
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return "", fmt.Errorf("%w: decoding handshake on %s channel: %v", ErrProtocol, channel, err)
	}
	if hs.Code != CodeOK {
		return "", &HandshakeError{Channel: channel, Code: hs.Code, Message: hs.Msg}
	}
	if hs.Session == "" {
		return "", &HandshakeError{Channel: channel, Code: hs.Code, Message: "no session token issued"}
	}
	return hs.Session, nil
}

// DecodeKind reads the "type" tag of a notification payload.
func DecodeKind(data json.RawMessage) (string, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return "", fmt.Errorf("%w: decoding notification kind: %v", ErrProtocol, err)
	}
	if tag.Type == "" {
		return "", fmt.Errorf("%w: notification has no type", ErrProtocol)
	}
	return tag.Type, nil
}

// CheckStatus applies the response convention: a nonzero "code" yields a
// *RemoteError. Payloads that are not objects or carry no code pass through.
func CheckStatus(data json.RawMessage) error {
	var st struct {
		Code    *int   `json:"code"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	if st.Code == nil || *st.Code == CodeOK {
		return nil
	}
	msg := st.Msg
	if msg == "" {
		msg = st.Message
	}
	return &RemoteError{Code: *st.Code, Message: msg}
}
