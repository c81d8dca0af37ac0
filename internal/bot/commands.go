// ABOUTME: Bridge commands issued over the session's request channel
// ABOUTME: Messaging, lookups, group administration, group files and request responses

package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-mirai/internal/message"
	"github.com/2389/coven-mirai/internal/protocol"
	"github.com/2389/coven-mirai/internal/upload"
)

// SendOption adjusts an outbound message.
type SendOption func(*sendContent)

// WithQuote replies to the message with the given id.
func WithQuote(messageID int64) SendOption {
	return func(c *sendContent) { c.Quote = &messageID }
}

type sendContent struct {
	Target       int64         `json:"target,omitempty"`
	QQ           int64         `json:"qq,omitempty"`
	Group        int64         `json:"group,omitempty"`
	Quote        *int64        `json:"quote,omitempty"`
	MessageChain message.Chain `json:"messageChain"`
}

type targetContent struct {
	Target int64 `json:"target"`
}

type memberContent struct {
	Target   int64 `json:"target"`
	MemberID int64 `json:"memberId"`
}

// call issues command and decodes the response object into out when non-nil.
func (b *Bot) call(ctx context.Context, command, subCommand string, content, out any) error {
	data, err := b.session.Call(ctx, command, subCommand, content)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", protocol.ErrProtocol, command, err)
	}
	return nil
}

// callData issues command and decodes the response's data field into out.
func (b *Bot) callData(ctx context.Context, command string, content, out any) error {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := b.call(ctx, command, "", content, &resp); err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("%w: %s response has no data", protocol.ErrProtocol, command)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s data: %v", protocol.ErrProtocol, command, err)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, command string, target upload.Target, content sendContent, opts []SendOption) (int64, error) {
	for _, opt := range opts {
		opt(&content)
	}
	chain, err := b.uploader.PrepareChain(ctx, content.MessageChain, target)
	if err != nil {
		return 0, err
	}
	content.MessageChain = chain

	var resp struct {
		MessageID *int64 `json:"messageId"`
	}
	if err := b.call(ctx, command, "", content, &resp); err != nil {
		return 0, err
	}
	if resp.MessageID == nil {
		return 0, fmt.Errorf("%w: %s response has no messageId", protocol.ErrProtocol, command)
	}
	if *resp.MessageID == -1 {
		b.logger.Warn("message may not be sent", "command", command)
	}
	return *resp.MessageID, nil
}

// SendFriendMessage sends chain to a friend and returns the message id.
// Local resources in chain are uploaded first.
func (b *Bot) SendFriendMessage(ctx context.Context, friend int64, chain message.Chain, opts ...SendOption) (int64, error) {
	return b.send(ctx, "sendFriendMessage", upload.TargetFriend, sendContent{Target: friend, MessageChain: chain}, opts)
}

// SendGroupMessage sends chain to a group and returns the message id.
func (b *Bot) SendGroupMessage(ctx context.Context, group int64, chain message.Chain, opts ...SendOption) (int64, error) {
	return b.send(ctx, "sendGroupMessage", upload.TargetGroup, sendContent{Target: group, MessageChain: chain}, opts)
}

// SendTempMessage sends chain to a group member in a temporary session.
func (b *Bot) SendTempMessage(ctx context.Context, group, qq int64, chain message.Chain, opts ...SendOption) (int64, error) {
	return b.send(ctx, "sendTempMessage", upload.TargetTemp, sendContent{QQ: qq, Group: group, MessageChain: chain}, opts)
}

// Recall withdraws a message the bot sent.
func (b *Bot) Recall(ctx context.Context, messageID int64) error {
	return b.call(ctx, "recall", "", targetContent{Target: messageID}, nil)
}

// MessageFromID fetches a cached message by id.
func (b *Bot) MessageFromID(ctx context.Context, messageID int64) (*message.Inbound, error) {
	var raw json.RawMessage
	if err := b.callData(ctx, "messageFromId", map[string]any{"id": messageID}, &raw); err != nil {
		return nil, err
	}
	m, err := message.DecodeInbound(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}
	return m, nil
}

// FriendList lists the bot's friends.
func (b *Bot) FriendList(ctx context.Context) ([]Friend, error) {
	var out []Friend
	err := b.callData(ctx, "friendList", nil, &out)
	return out, err
}

// GroupList lists the groups the bot is in.
func (b *Bot) GroupList(ctx context.Context) ([]message.Group, error) {
	var out []message.Group
	err := b.callData(ctx, "groupList", nil, &out)
	return out, err
}

// MemberList lists a group's members.
func (b *Bot) MemberList(ctx context.Context, group int64) ([]Member, error) {
	var out []Member
	err := b.callData(ctx, "memberList", targetContent{Target: group}, &out)
	return out, err
}

// BotProfile returns the bot account's profile.
func (b *Bot) BotProfile(ctx context.Context) (Profile, error) {
	var p Profile
	err := b.call(ctx, "botProfile", "", nil, &p)
	return p, err
}

// FriendProfile returns a friend's profile.
func (b *Bot) FriendProfile(ctx context.Context, friend int64) (Profile, error) {
	var p Profile
	err := b.call(ctx, "friendProfile", "", targetContent{Target: friend}, &p)
	return p, err
}

// MemberProfile returns a group member's profile.
func (b *Bot) MemberProfile(ctx context.Context, group, member int64) (Profile, error) {
	var p Profile
	err := b.call(ctx, "memberProfile", "", memberContent{Target: group, MemberID: member}, &p)
	return p, err
}

// SetMemberPermission grants or revokes a member's administrator role.
func (b *Bot) SetMemberPermission(ctx context.Context, group, member int64, admin bool) error {
	content := struct {
		memberContent
		Assign bool `json:"assign"`
	}{memberContent{Target: group, MemberID: member}, admin}
	return b.call(ctx, "memberAdmin", "", content, nil)
}

// SetEssence marks a group message as essence.
func (b *Bot) SetEssence(ctx context.Context, messageID int64) error {
	return b.call(ctx, "setEssence", "", targetContent{Target: messageID}, nil)
}

// DeleteFriend removes a friend.
func (b *Bot) DeleteFriend(ctx context.Context, friend int64) error {
	return b.call(ctx, "deleteFriend", "", targetContent{Target: friend}, nil)
}

// Mute silences a member for d, rounded down to whole seconds.
func (b *Bot) Mute(ctx context.Context, group, member int64, d time.Duration) error {
	content := struct {
		memberContent
		Time int64 `json:"time"`
	}{memberContent{Target: group, MemberID: member}, int64(d / time.Second)}
	return b.call(ctx, "mute", "", content, nil)
}

// Unmute lifts a member's mute.
func (b *Bot) Unmute(ctx context.Context, group, member int64) error {
	return b.call(ctx, "unmute", "", memberContent{Target: group, MemberID: member}, nil)
}

// MuteAll mutes the whole group.
func (b *Bot) MuteAll(ctx context.Context, group int64) error {
	return b.call(ctx, "muteAll", "", targetContent{Target: group}, nil)
}

// UnmuteAll lifts a whole-group mute.
func (b *Bot) UnmuteAll(ctx context.Context, group int64) error {
	return b.call(ctx, "unmuteAll", "", targetContent{Target: group}, nil)
}

// Kick removes a member from a group with an optional message.
func (b *Bot) Kick(ctx context.Context, group, member int64, msg string) error {
	content := struct {
		memberContent
		Msg string `json:"msg,omitempty"`
	}{memberContent{Target: group, MemberID: member}, msg}
	return b.call(ctx, "kick", "", content, nil)
}

// Quit leaves a group.
func (b *Bot) Quit(ctx context.Context, group int64) error {
	return b.call(ctx, "quit", "", targetContent{Target: group}, nil)
}

// SendNudge nudges target. Subject is the friend or group the nudge happens in.
func (b *Bot) SendNudge(ctx context.Context, target, subject int64, kind NudgeKind) error {
	content := struct {
		Target  int64     `json:"target"`
		Subject int64     `json:"subject"`
		Kind    NudgeKind `json:"kind"`
	}{target, subject, kind}
	return b.call(ctx, "sendNudge", "", content, nil)
}

// RespondFriendRequest answers a NewFriendRequestEvent.
func (b *Bot) RespondFriendRequest(ctx context.Context, r RequestResponse) error {
	return b.call(ctx, "resp_newFriendRequestEvent", "", r, nil)
}

// RespondMemberJoinRequest answers a MemberJoinRequestEvent.
func (b *Bot) RespondMemberJoinRequest(ctx context.Context, r RequestResponse) error {
	return b.call(ctx, "resp_memberJoinRequestEvent", "", r, nil)
}

// RespondBotInvitedJoinGroupRequest answers a BotInvitedJoinGroupRequestEvent.
func (b *Bot) RespondBotInvitedJoinGroupRequest(ctx context.Context, r RequestResponse) error {
	return b.call(ctx, "resp_botInvitedJoinGroupRequestEvent", "", r, nil)
}

type fileContent struct {
	Target           int64  `json:"target"`
	ID               string `json:"id"`
	WithDownloadInfo bool   `json:"withDownloadInfo,omitempty"`
	DirectoryName    string `json:"directoryName,omitempty"`
	MoveTo           string `json:"moveTo,omitempty"`
}

// FileList lists the files under parentID in a group's file area. An empty
// parentID lists the root.
func (b *Bot) FileList(ctx context.Context, group int64, parentID string) ([]File, error) {
	var out []File
	err := b.callData(ctx, "file_list", fileContent{Target: group, ID: parentID, WithDownloadInfo: true}, &out)
	return out, err
}

// FileInfo describes one file or directory.
func (b *Bot) FileInfo(ctx context.Context, group int64, fileID string) (File, error) {
	var f File
	err := b.callData(ctx, "file_info", fileContent{Target: group, ID: fileID, WithDownloadInfo: true}, &f)
	return f, err
}

// MakeDir creates a directory under parentID.
func (b *Bot) MakeDir(ctx context.Context, group int64, name, parentID string) error {
	return b.call(ctx, "file_mkdir", "", fileContent{Target: group, ID: parentID, DirectoryName: name}, nil)
}

// MoveFile moves a file into the directory dstID.
func (b *Bot) MoveFile(ctx context.Context, group int64, fileID, dstID string) error {
	return b.call(ctx, "file_move", "", fileContent{Target: group, ID: fileID, MoveTo: dstID}, nil)
}

// renamedSource uploads a source under another file name.
type renamedSource struct {
	upload.Source
	name string
}

func (r renamedSource) Name() string { return r.name }

// UploadFile stores src in a group's file area at remotePath, whose last
// element names the file. The directory part must already exist.
func (b *Bot) UploadFile(ctx context.Context, group int64, src upload.Source, remotePath string) (File, error) {
	if src == nil {
		return File{}, fmt.Errorf("%w: upload has no source", protocol.ErrConfiguration)
	}
	dir, name := "", remotePath
	if i := strings.LastIndexByte(remotePath, '/'); i >= 0 {
		dir, name = remotePath[:i], remotePath[i+1:]
	}
	if name == "" {
		return File{}, fmt.Errorf("%w: remote path %q names no file", protocol.ErrConfiguration, remotePath)
	}

	h, err := b.uploader.Prepare(ctx, upload.PendingUpload{
		Source: renamedSource{Source: src, name: name},
		Kind:   upload.KindFile,
		Target: upload.TargetGroup,
		Fields: map[string]string{"path": dir, "target": strconv.FormatInt(group, 10)},
	})
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(h.Raw, &f); err != nil {
		return File{}, fmt.Errorf("%w: decoding uploaded file: %v", protocol.ErrProtocol, err)
	}
	return f, nil
}
