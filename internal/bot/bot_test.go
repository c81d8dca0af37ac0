// ABOUTME: Tests for the bot facade against scripted channels and an httptest upload endpoint
// ABOUTME: Covers command encoding, response decoding, chain preparation, dedupe and journaling

package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mirai/internal/config"
	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/message"
	"github.com/2389/coven-mirai/internal/protocol"
	"github.com/2389/coven-mirai/internal/session"
	"github.com/2389/coven-mirai/internal/transport"
	"github.com/2389/coven-mirai/internal/upload"
)

const testToken = "SESSION"

// scriptedBridge answers each command with a canned response and records requests.
type scriptedBridge struct {
	mu        sync.Mutex
	responses map[string]any
	requests  []*protocol.Request
	dialer    *transport.MockDialer
}

func newScriptedBridge() *scriptedBridge {
	sb := &scriptedBridge{responses: map[string]any{}}
	sb.dialer = &transport.MockDialer{OnDial: func(context.Context, string) (*transport.MockConn, error) {
		c := transport.NewMockConn()
		c.PushJSON(map[string]any{"syncId": "", "data": map[string]any{"code": 0, "session": testToken}})
		c.OnWrite(func(b []byte) {
			req, err := protocol.DecodeRequest(b)
			if err != nil {
				return
			}
			sb.mu.Lock()
			sb.requests = append(sb.requests, req)
			resp, ok := sb.responses[req.Command]
			sb.mu.Unlock()
			if !ok {
				resp = map[string]any{"code": 0, "msg": ""}
			}
			c.PushJSON(map[string]any{"syncId": req.SyncID, "data": resp})
		})
		return c, nil
	}}
	return sb
}

func (sb *scriptedBridge) respond(command string, resp any) {
	sb.mu.Lock()
	sb.responses[command] = resp
	sb.mu.Unlock()
}

// last returns the content of the most recent request for command.
func (sb *scriptedBridge) last(t *testing.T, command string) map[string]any {
	t.Helper()
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for i := len(sb.requests) - 1; i >= 0; i-- {
		if sb.requests[i].Command == command {
			var content map[string]any
			require.NoError(t, json.Unmarshal(sb.requests[i].Content, &content))
			return content
		}
	}
	t.Fatalf("no %s request recorded", command)
	return nil
}

func (sb *scriptedBridge) messageConn() *transport.MockConn {
	return sb.dialer.Conns()[0]
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Bridge.URL = baseURL
	cfg.Bridge.QQ = 10001
	cfg.Bridge.VerifyKey = "verify"
	cfg.Keepalive.IdleInterval = time.Hour
	cfg.Keepalive.ProbeTimeout = time.Hour
	cfg.Keepalive.HandshakeTimeout = time.Second
	cfg.Reconnect.Enabled = false
	return cfg
}

func newBot(t *testing.T, cfg *config.Config, sb *scriptedBridge, opts ...Option) *Bot {
	t.Helper()
	opts = append([]Option{WithDialer(sb.dialer)}, opts...)
	b, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connectedBot(t *testing.T, opts ...Option) (*Bot, *scriptedBridge) {
	t.Helper()
	sb := newScriptedBridge()
	b := newBot(t, testConfig("http://bridge.test:8080"), sb, opts...)
	require.NoError(t, b.Connect(t.Context()))
	return b, sb
}

func TestSendGroupMessage_UploadsLocalResourcesFirst(t *testing.T) {
	var sessionKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploadImage" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sessionKey.Store(r.FormValue("sessionKey"))
		_, _ = w.Write([]byte(`{"imageId":"{A1B2}.png","url":"http://bridge/img/a1b2"}`))
	}))
	defer srv.Close()

	sb := newScriptedBridge()
	sb.respond("sendGroupMessage", map[string]any{"code": 0, "msg": "", "messageId": 77})
	b := newBot(t, testConfig(srv.URL), sb)
	require.NoError(t, b.Connect(t.Context()))

	chain := message.Chain{
		message.Plain{Text: "look: "},
		message.Local{Kind: message.LocalImage, Data: []byte("\x89PNG"), Name: "cat.png"},
	}
	id, err := b.SendGroupMessage(t.Context(), 555, chain, WithQuote(12))
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, testToken, sessionKey.Load())

	content := sb.last(t, "sendGroupMessage")
	assert.Equal(t, float64(555), content["target"])
	assert.Equal(t, float64(12), content["quote"])
	assert.Equal(t, testToken, content["sessionKey"])

	elements, ok := content["messageChain"].([]any)
	require.True(t, ok)
	require.Len(t, elements, 2)
	img := elements[1].(map[string]any)
	assert.Equal(t, "Image", img["type"])
	assert.Equal(t, "{A1B2}.png", img["imageId"])
}

func TestSendFriendMessage_NegativeIDIsReturned(t *testing.T) {
	b, sb := connectedBot(t)
	sb.respond("sendFriendMessage", map[string]any{"code": 0, "msg": "", "messageId": -1})

	id, err := b.SendFriendMessage(t.Context(), 42, message.Text("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), id)

	content := sb.last(t, "sendFriendMessage")
	assert.Equal(t, float64(42), content["target"])
	_, hasQuote := content["quote"]
	assert.False(t, hasQuote)
}

func TestSendTempMessage_Content(t *testing.T) {
	b, sb := connectedBot(t)
	sb.respond("sendTempMessage", map[string]any{"code": 0, "messageId": 5})

	_, err := b.SendTempMessage(t.Context(), 900, 42, message.Text("psst"))
	require.NoError(t, err)
	content := sb.last(t, "sendTempMessage")
	assert.Equal(t, float64(900), content["group"])
	assert.Equal(t, float64(42), content["qq"])
}

func TestSend_MissingMessageIDIsProtocolError(t *testing.T) {
	b, _ := connectedBot(t)
	_, err := b.SendGroupMessage(t.Context(), 1, message.Text("x"))
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestCommands_DecodeResponses(t *testing.T) {
	b, sb := connectedBot(t)
	sb.respond("friendList", map[string]any{"code": 0, "data": []any{
		map[string]any{"id": 1, "nickname": "alice", "remark": "a"},
	}})
	sb.respond("groupList", map[string]any{"code": 0, "data": []any{
		map[string]any{"id": 99, "name": "devs", "permission": "OWNER"},
	}})
	sb.respond("memberList", map[string]any{"code": 0, "data": []any{
		map[string]any{"id": 7, "memberName": "bob", "permission": "MEMBER", "group": map[string]any{"id": 99, "name": "devs"}},
	}})
	sb.respond("botProfile", map[string]any{"nickname": "bot", "age": 3, "level": 1, "sex": "UNKNOWN"})
	sb.respond("messageFromId", map[string]any{"code": 0, "data": map[string]any{
		"type":         "FriendMessage",
		"sender":       map[string]any{"id": 1, "nickname": "alice"},
		"messageChain": []any{map[string]any{"type": "Source", "id": 31, "time": 1}, map[string]any{"type": "Plain", "text": "yo"}},
	}})

	friends, err := b.FriendList(t.Context())
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "alice", friends[0].Nickname)

	groups, err := b.GroupList(t.Context())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, PermissionOwner, groups[0].Permission)

	members, err := b.MemberList(t.Context(), 99)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "devs", members[0].Group.Name)
	assert.Equal(t, float64(99), sb.last(t, "memberList")["target"])

	profile, err := b.BotProfile(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "bot", profile.Nickname)
	assert.Equal(t, 3, profile.Age)

	m, err := b.MessageFromID(t.Context(), 31)
	require.NoError(t, err)
	assert.Equal(t, "yo", m.Text())
	assert.Equal(t, float64(31), sb.last(t, "messageFromId")["id"])
}

func TestCommands_MissingDataIsProtocolError(t *testing.T) {
	b, _ := connectedBot(t)
	_, err := b.FriendList(t.Context())
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestCommands_Content(t *testing.T) {
	b, sb := connectedBot(t)
	ctx := t.Context()

	require.NoError(t, b.Mute(ctx, 99, 7, 90*time.Second))
	assert.Equal(t, map[string]any{"target": float64(99), "memberId": float64(7), "time": float64(90), "sessionKey": testToken}, sb.last(t, "mute"))

	require.NoError(t, b.Unmute(ctx, 99, 7))
	assert.Equal(t, float64(7), sb.last(t, "unmute")["memberId"])

	require.NoError(t, b.MuteAll(ctx, 99))
	require.NoError(t, b.UnmuteAll(ctx, 99))
	assert.Equal(t, float64(99), sb.last(t, "unmuteAll")["target"])

	require.NoError(t, b.Kick(ctx, 99, 7, "bye"))
	assert.Equal(t, "bye", sb.last(t, "kick")["msg"])

	require.NoError(t, b.Quit(ctx, 99))
	require.NoError(t, b.Recall(ctx, 31))
	assert.Equal(t, float64(31), sb.last(t, "recall")["target"])

	require.NoError(t, b.SendNudge(ctx, 7, 99, NudgeGroup))
	nudge := sb.last(t, "sendNudge")
	assert.Equal(t, "Group", nudge["kind"])
	assert.Equal(t, float64(99), nudge["subject"])

	_, err := b.FriendProfile(ctx, 1)
	require.NoError(t, err)
	_, err = b.MemberProfile(ctx, 99, 7)
	require.NoError(t, err)
	assert.Equal(t, float64(7), sb.last(t, "memberProfile")["memberId"])

	r := RequestResponse{EventID: 5, FromID: 6, GroupID: 0, Operate: FriendAccept, Message: ""}
	require.NoError(t, b.RespondFriendRequest(ctx, r))
	assert.Equal(t, float64(5), sb.last(t, "resp_newFriendRequestEvent")["eventId"])

	r.Operate = JoinRejectBlacklist
	require.NoError(t, b.RespondMemberJoinRequest(ctx, r))
	assert.Equal(t, float64(3), sb.last(t, "resp_memberJoinRequestEvent")["operate"])

	require.NoError(t, b.RespondBotInvitedJoinGroupRequest(ctx, RequestResponse{EventID: 8, Operate: InviteReject}))
	assert.Equal(t, float64(1), sb.last(t, "resp_botInvitedJoinGroupRequestEvent")["operate"])
}

func TestCommands_AdminAndFileContent(t *testing.T) {
	b, sb := connectedBot(t)
	ctx := t.Context()

	require.NoError(t, b.SetMemberPermission(ctx, 99, 7, true))
	assert.Equal(t, map[string]any{"target": float64(99), "memberId": float64(7), "assign": true, "sessionKey": testToken}, sb.last(t, "memberAdmin"))

	require.NoError(t, b.SetEssence(ctx, 31))
	assert.Equal(t, float64(31), sb.last(t, "setEssence")["target"])

	require.NoError(t, b.DeleteFriend(ctx, 42))
	assert.Equal(t, float64(42), sb.last(t, "deleteFriend")["target"])

	require.NoError(t, b.MakeDir(ctx, 99, "docs", ""))
	assert.Equal(t, map[string]any{"target": float64(99), "id": "", "directoryName": "docs", "sessionKey": testToken}, sb.last(t, "file_mkdir"))

	require.NoError(t, b.MoveFile(ctx, 99, "/f1", "/d1"))
	assert.Equal(t, map[string]any{"target": float64(99), "id": "/f1", "moveTo": "/d1", "sessionKey": testToken}, sb.last(t, "file_move"))
}

func TestCommands_FileLookups(t *testing.T) {
	b, sb := connectedBot(t)
	ctx := t.Context()
	sb.respond("file_list", map[string]any{"code": 0, "data": []any{
		map[string]any{"name": "docs", "path": "/docs", "id": "/d1", "isFile": false, "isDirectory": true},
		map[string]any{"name": "a.txt", "path": "/a.txt", "id": "/f1", "isFile": true,
			"contact":      map[string]any{"id": 99, "name": "devs", "permission": "MEMBER"},
			"downloadInfo": map[string]any{"sha1": "aa", "md5": "bb", "uploaderId": 7, "uploadTime": 1700000000, "url": "http://files/a"}},
	}})
	sb.respond("file_info", map[string]any{"code": 0, "data": map[string]any{"name": "a.txt", "id": "/f1", "isFile": true}})

	files, err := b.FileList(ctx, 99, "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, files[0].IsDirectory)
	require.NotNil(t, files[1].DownloadInfo)
	assert.Equal(t, "http://files/a", files[1].DownloadInfo.URL)
	assert.Equal(t, int64(1700000000), files[1].DownloadInfo.Uploaded().Unix())
	assert.Equal(t, "devs", files[1].Contact.Name)
	list := sb.last(t, "file_list")
	assert.Equal(t, true, list["withDownloadInfo"])
	assert.Equal(t, "", list["id"])

	f, err := b.FileInfo(ctx, 99, "/f1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Name)
	assert.Equal(t, "/f1", sb.last(t, "file_info")["id"])
}

func TestUploadFile_PostsToGroupFileArea(t *testing.T) {
	type form struct{ session, kind, path, target, filename, body string }
	forms := make(chan form, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/upload" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		var buf [64]byte
		n, _ := f.Read(buf[:])
		forms <- form{r.FormValue("sessionKey"), r.FormValue("type"), r.FormValue("path"), r.FormValue("target"), hdr.Filename, string(buf[:n])}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"name":"report.pdf","path":"/docs/report.pdf","id":"/abc","isFile":true,"isDirectory":false}}`))
	}))
	defer srv.Close()

	sb := newScriptedBridge()
	b := newBot(t, testConfig(srv.URL), sb)
	require.NoError(t, b.Connect(t.Context()))

	f, err := b.UploadFile(t.Context(), 99, upload.BytesSource{Filename: "local.bin", Data: []byte("%PDF")}, "docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/abc", f.ID)
	assert.True(t, f.IsFile)

	got := <-forms
	assert.Equal(t, form{testToken, "group", "docs", "99", "report.pdf", "%PDF"}, got)

	_, err = b.UploadFile(t.Context(), 99, upload.BytesSource{Data: []byte("x")}, "docs/")
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
	_, err = b.UploadFile(t.Context(), 99, nil, "x")
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
}

func TestUploads_WhileDisconnectedNeverReachBridge(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"imageId":"{X}.png","url":"http://bridge/x"}`))
	}))
	defer srv.Close()

	sb := newScriptedBridge()
	b := newBot(t, testConfig(srv.URL), sb)

	chain := message.Chain{message.Local{Kind: message.LocalImage, Data: []byte("\x89PNG"), Name: "cat.png"}}
	_, err := b.SendGroupMessage(t.Context(), 555, chain)
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)

	_, err = b.UploadFile(t.Context(), 99, upload.BytesSource{Filename: "a", Data: []byte("x")}, "a.txt")
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)

	assert.Equal(t, int32(0), hits.Load())
	assert.Empty(t, sb.dialer.Conns())
}

func TestCommands_RemoteError(t *testing.T) {
	b, sb := connectedBot(t)
	sb.respond("kick", map[string]any{"code": protocol.CodePermissionDenied, "msg": "no permission"})

	err := b.Kick(t.Context(), 99, 7, "")
	require.Error(t, err)
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.True(t, remote.PermissionDenied())
}

func TestCommands_NotConnected(t *testing.T) {
	sb := newScriptedBridge()
	b := newBot(t, testConfig("http://bridge.test:8080"), sb)
	_, err := b.FriendList(t.Context())
	assert.ErrorIs(t, err, session.ErrNotRunning)
}

type recordingJournal struct {
	mu            sync.Mutex
	notifications []dispatch.Notification
	calls         []session.CallRecord
}

func (r *recordingJournal) Name() string { return "recording" }

func (r *recordingJournal) Observe(_ context.Context, n dispatch.Notification) error {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingJournal) ObserveCall(rec session.CallRecord) {
	r.mu.Lock()
	r.calls = append(r.calls, rec)
	r.mu.Unlock()
}

func groupNotification(source int, text string) map[string]any {
	return map[string]any{"syncId": "-1", "data": map[string]any{
		"type":   "GroupMessage",
		"sender": map[string]any{"id": 7, "memberName": "bob", "group": map[string]any{"id": 99, "name": "devs"}},
		"messageChain": []any{
			map[string]any{"type": "Source", "id": source, "time": 1},
			map[string]any{"type": "Plain", "text": text},
		},
	}}
}

func TestOnMessage_DedupesAndJournals(t *testing.T) {
	j := &recordingJournal{}
	b, sb := connectedBot(t, WithJournal(j))

	var mu sync.Mutex
	var texts []string
	require.NoError(t, b.OnMessage(message.KindGroup, func(_ context.Context, m *message.Inbound) error {
		mu.Lock()
		texts = append(texts, m.Text())
		mu.Unlock()
		return nil
	}))

	conn := sb.messageConn()
	conn.PushJSON(groupNotification(1, "first"))
	conn.PushJSON(groupNotification(1, "replayed"))
	conn.PushJSON(groupNotification(2, "second"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	}, time.Second, 5*time.Millisecond)
	b.dispatcher.Wait()

	mu.Lock()
	assert.ElementsMatch(t, []string{"first", "second"}, texts)
	mu.Unlock()

	j.mu.Lock()
	assert.Len(t, j.notifications, 2)
	j.mu.Unlock()

	_, err := b.FriendList(t.Context())
	require.Error(t, err)
	j.mu.Lock()
	require.Len(t, j.calls, 1)
	assert.Equal(t, "friendList", j.calls[0].Command)
	j.mu.Unlock()

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Handled)
}

func TestOnMessage_RejectsEventKinds(t *testing.T) {
	b, _ := connectedBot(t)
	err := b.OnMessage("BotMuteEvent", func(context.Context, *message.Inbound) error { return nil })
	assert.ErrorIs(t, err, protocol.ErrConfiguration)

	require.NoError(t, b.On("BotMuteEvent", func(context.Context, dispatch.Notification) error { return nil }))
	assert.ErrorIs(t, b.On("BotMuteEvent", func(context.Context, dispatch.Notification) error { return nil }), dispatch.ErrHandlerAlreadyRegistered)
}

func TestSubscribe_StreamsEvents(t *testing.T) {
	b, sb := connectedBot(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	events := b.Subscribe(ctx, "NudgeEvent")
	sb.dialer.Conns()[1].PushJSON(map[string]any{"syncId": "-1", "data": map[string]any{"type": "NudgeEvent", "fromId": 1}})

	select {
	case n := <-events:
		assert.Equal(t, "event", n.Channel)
		assert.Equal(t, "NudgeEvent", n.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestNew_OpensConfiguredJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	cfg := testConfig("http://bridge.test:8080")
	cfg.Journal.Path = path

	b, err := New(cfg, WithDialer(newScriptedBridge().dialer))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNew_InvalidSessionConfig(t *testing.T) {
	cfg := testConfig("http://bridge.test:8080")
	cfg.Bridge.QQ = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, protocol.ErrConfiguration)
}
