// ABOUTME: Tests for the SQLite journal implementation
// ABOUTME: Covers creation, newest-first reads, kind filtering and the tap/observer adapters

package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/session"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteJournal failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNewSQLiteJournal_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "journal.db")
	j, err := NewSQLiteJournal(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteJournal failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("journal file was not created")
	}
}

func TestRecent_NewestFirstAndFiltered(t *testing.T) {
	j := newTestJournal(t)
	ctx := t.Context()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	kinds := []string{"GroupMessage", "BotMuteEvent", "GroupMessage", "FriendMessage"}
	for i, kind := range kinds {
		err := j.RecordNotification(ctx, Notification{
			Kind:     kind,
			Channel:  "message",
			Payload:  json.RawMessage(`{"type":"` + kind + `"}`),
			Received: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordNotification failed: %v", err)
		}
	}

	all, err := j.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(all))
	}
	if all[0].Kind != "FriendMessage" || all[3].Kind != "GroupMessage" {
		t.Errorf("unexpected order: %s ... %s", all[0].Kind, all[3].Kind)
	}
	if !all[0].Received.Equal(base.Add(3 * time.Second)) {
		t.Errorf("received time not preserved: %v", all[0].Received)
	}

	groups, err := j.Recent(ctx, "GroupMessage", 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(groups))
	}
	if !groups[0].Received.Equal(base.Add(2 * time.Second)) {
		t.Errorf("expected newest GroupMessage, got %v", groups[0].Received)
	}
	if string(groups[0].Payload) != `{"type":"GroupMessage"}` {
		t.Errorf("payload not preserved: %s", groups[0].Payload)
	}
}

func TestObserve_JournalsDispatchedNotifications(t *testing.T) {
	j := newTestJournal(t)
	d := dispatch.New(nil)
	d.AddTap(j)

	d.Dispatch(t.Context(), dispatch.Notification{
		Kind:    "NudgeEvent",
		Channel: "event",
		Payload: json.RawMessage(`{"type":"NudgeEvent","fromId":1}`),
	})
	d.Wait()

	got, err := j.Recent(t.Context(), "NudgeEvent", 5)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 || got[0].Channel != "event" {
		t.Fatalf("expected one journaled event notification, got %+v", got)
	}
}

func TestObserveCall(t *testing.T) {
	j := newTestJournal(t)
	started := time.Now()

	j.ObserveCall(session.CallRecord{Command: "sendGroupMessage", SyncID: "a", Started: started, Duration: 12 * time.Millisecond})
	j.ObserveCall(session.CallRecord{Command: "memberInfo", SubCommand: "get", SyncID: "b", Started: started, Err: errors.New("remote error: code 5")})

	calls, err := j.RecentCalls(t.Context(), 10)
	if err != nil {
		t.Fatalf("RecentCalls failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Command != "memberInfo" || calls[0].SubCommand != "get" || calls[0].Error == "" {
		t.Errorf("unexpected newest call: %+v", calls[0])
	}
	if calls[1].Duration != 12*time.Millisecond || calls[1].Error != "" {
		t.Errorf("unexpected oldest call: %+v", calls[1])
	}
}

func TestNewSQLiteJournal_UsesGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"), logger)
	if err != nil {
		t.Fatalf("NewSQLiteJournal failed: %v", err)
	}
	defer j.Close()

	out := buf.String()
	if !strings.Contains(out, "journal initialized") || !strings.Contains(out, "component=journal") {
		t.Errorf("expected journal logs on the given logger, got %q", out)
	}
}
