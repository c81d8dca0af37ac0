// ABOUTME: Data returned by bridge commands
// ABOUTME: Friends, group members, profiles, group files and request-response operations

package bot

import (
	"time"

	"github.com/2389/coven-mirai/internal/message"
)

// Friend is an entry of the friend list.
type Friend struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

// Member is a group member.
type Member struct {
	ID                 int64         `json:"id"`
	MemberName         string        `json:"memberName"`
	SpecialTitle       string        `json:"specialTitle,omitempty"`
	Permission         string        `json:"permission"`
	JoinTimestamp      int64         `json:"joinTimestamp,omitempty"`
	LastSpeakTimestamp int64         `json:"lastSpeakTimestamp,omitempty"`
	MuteTimeRemaining  int64         `json:"muteTimeRemaining,omitempty"`
	Group              message.Group `json:"group"`
}

// Profile is a user profile.
type Profile struct {
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
	Age      int    `json:"age"`
	Level    int    `json:"level"`
	Sign     string `json:"sign"`
	Sex      string `json:"sex"`
}

// Permission levels reported for groups and members.
const (
	PermissionMember        = "MEMBER"
	PermissionAdministrator = "ADMINISTRATOR"
	PermissionOwner         = "OWNER"
)

// NudgeKind says whether a nudge happens in a friend chat or a group.
type NudgeKind string

const (
	NudgeFriend   NudgeKind = "Friend"
	NudgeGroup    NudgeKind = "Group"
	NudgeStranger NudgeKind = "Stranger"
)

// Operate is the decision sent back for a friend, join or invite request.
// Values are interpreted per request type by the bridge.
type Operate int

const (
	// Friend requests.
	FriendAccept          Operate = 0
	FriendReject          Operate = 1
	FriendRejectBlacklist Operate = 2

	// Member join requests.
	JoinAccept          Operate = 0
	JoinReject          Operate = 1
	JoinIgnore          Operate = 2
	JoinRejectBlacklist Operate = 3
	JoinIgnoreBlacklist Operate = 4

	// Bot invitations.
	InviteAccept Operate = 0
	InviteReject Operate = 1
)

// RequestResponse answers a request event. EventID, FromID and GroupID
// are copied from the event being answered.
type RequestResponse struct {
	EventID int64   `json:"eventId"`
	FromID  int64   `json:"fromId"`
	GroupID int64   `json:"groupId"`
	Operate Operate `json:"operate"`
	Message string  `json:"message"`
}

// File is an entry of a group's file area: a file or a directory.
type File struct {
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	ID           string        `json:"id"`
	Contact      *FileContact  `json:"contact,omitempty"`
	IsFile       bool          `json:"isFile"`
	IsDirectory  bool          `json:"isDirectory"`
	DownloadInfo *DownloadInfo `json:"downloadInfo,omitempty"`
}

// FileContact is the group owning a file.
type FileContact struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

// DownloadInfo describes where and how a file can be fetched.
type DownloadInfo struct {
	SHA1           string `json:"sha1"`
	MD5            string `json:"md5"`
	DownloadTimes  int    `json:"downloadTimes"`
	UploaderID     int64  `json:"uploaderId"`
	UploadTime     int64  `json:"uploadTime"`
	LastModifyTime int64  `json:"lastModifyTime"`
	URL            string `json:"url"`
}

// Uploaded returns the upload time.
func (d DownloadInfo) Uploaded() time.Time { return time.Unix(d.UploadTime, 0) }
