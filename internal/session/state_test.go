package session

import (
	"context"
	"errors"
	"testing"
)

func testTarget() Target {
	return Target{ThreadID: "abc123", Subreddit: "golang", Title: "Thread", Author: "alice"}
}

func TestStateStartStop(t *testing.T) {
	st := NewState(defaultSettings(), nil)
	ctx, snap, err := st.Start(context.Background(), testTarget(), map[string]any{"stability": 0.3, "threadUrl": "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !snap.Running || snap.Target == nil || snap.Target.ThreadID != "abc123" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.SessionID == "" {
		t.Fatalf("SessionID empty")
	}
	if got := st.Settings().Stability; got != 0.3 {
		t.Fatalf("Stability = %v, want 0.3", got)
	}
	if !st.Active(snap.SessionID) {
		t.Fatalf("Active() = false, want true")
	}

	if !st.Stop() {
		t.Fatalf("Stop() = false, want true")
	}
	if st.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	if _, ok := st.Target(); ok {
		t.Fatalf("Target() still set after Stop")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("worker context not cancelled by Stop")
	}
	if st.Stop() {
		t.Fatalf("second Stop() = true, want false")
	}
}

func TestStateStartWhileRunning(t *testing.T) {
	st := NewState(defaultSettings(), nil)
	if _, _, err := st.Start(context.Background(), testTarget(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	other := Target{ThreadID: "zzz"}
	_, _, err := st.Start(context.Background(), other, nil)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() error = %v, want ErrAlreadyRunning", err)
	}
	got, _ := st.Target()
	if got.ThreadID != "abc123" {
		t.Fatalf("target = %q, want original target untouched", got.ThreadID)
	}
}

func TestStateSeenResetOnStart(t *testing.T) {
	ctx := context.Background()
	st := NewState(defaultSettings(), nil)

	if added, _ := st.MarkSeen(ctx, "c1"); added {
		t.Fatalf("MarkSeen() before start = true, want false")
	}

	if _, _, err := st.Start(ctx, testTarget(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	added, err := st.MarkSeen(ctx, "c1")
	if err != nil || !added {
		t.Fatalf("MarkSeen() = %v, %v; want true, nil", added, err)
	}
	if seen, _ := st.Seen(ctx, "c1"); !seen {
		t.Fatalf("Seen(c1) = false after MarkSeen")
	}
	if added, _ := st.MarkSeen(ctx, "c1"); added {
		t.Fatalf("MarkSeen() duplicate = true")
	}

	st.Stop()
	if _, _, err := st.Start(ctx, testTarget(), nil); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if seen, _ := st.Seen(ctx, "c1"); seen {
		t.Fatalf("Seen(c1) = true after restart, want reset")
	}
}

func TestStateStopSessionIgnoresStaleID(t *testing.T) {
	st := NewState(defaultSettings(), nil)
	_, first, _ := st.Start(context.Background(), testTarget(), nil)
	st.Stop()
	_, second, _ := st.Start(context.Background(), testTarget(), nil)

	if st.StopSession(first.SessionID) {
		t.Fatalf("StopSession(stale) = true")
	}
	if !st.Running() {
		t.Fatalf("stale stop ended the new session")
	}
	if !st.StopSession(second.SessionID) {
		t.Fatalf("StopSession(current) = false")
	}
}

func TestStateUpdateSettingsWhileIdle(t *testing.T) {
	st := NewState(defaultSettings(), nil)
	got := st.UpdateSettings(map[string]any{"voice_id": "v2", "custom": 1.0})
	if got.VoiceID != "v2" || got.Extra["custom"] != 1.0 {
		t.Fatalf("UpdateSettings() = %+v", got)
	}
	if st.Settings().VoiceID != "v2" {
		t.Fatalf("Settings() not updated")
	}
}
