package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by Start while another session is active.
var ErrAlreadyRunning = errors.New("already streaming")

// Target is the resolved discussion thread being monitored.
type Target struct {
	ThreadID  string
	Subreddit string
	Title     string
	Author    string
	URL       string
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	SessionID string
	Running   bool
	Target    *Target
	Settings  VoiceSettings
	StartedAt time.Time
}

// State is the single monitoring session shared by the HTTP layer and the monitor worker.
type State struct {
	mu        sync.Mutex
	running   atomic.Bool
	id        string
	target    *Target
	settings  VoiceSettings
	seen      SeenSet
	cancel    context.CancelFunc
	startedAt time.Time

	now func() time.Time
}

func NewState(defaults VoiceSettings, seen SeenSet) *State {
	if seen == nil {
		seen = NewMemorySeenSet()
	}
	return &State{
		settings: defaults.Clone(),
		seen:     seen,
		now:      time.Now,
	}
}

// Start activates a session for target. The returned context is cancelled by Stop and
// should drive the monitor worker. parent must outlive the calling request.
func (s *State) Start(parent context.Context, target Target, override map[string]any) (context.Context, Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil, Snapshot{}, ErrAlreadyRunning
	}

	prevID := s.id
	id := uuid.NewString()
	if prevID != "" {
		if err := s.seen.Reset(parent, prevID); err != nil {
			return nil, Snapshot{}, fmt.Errorf("reset seen ids: %w", err)
		}
	}
	if err := s.seen.Reset(parent, id); err != nil {
		return nil, Snapshot{}, fmt.Errorf("reset seen ids: %w", err)
	}

	t := target
	s.target = &t
	s.id = id
	s.settings = s.settings.Merge(override)
	s.startedAt = s.now()

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.running.Store(true)

	return ctx, s.snapshotLocked(), nil
}

// Stop ends the active session. It reports whether a session was running.
func (s *State) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// StopSession stops the session only if id is still the active one.
func (s *State) StopSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || s.id != id {
		return false
	}
	return s.stopLocked()
}

func (s *State) stopLocked() bool {
	wasRunning := s.running.Swap(false)
	s.target = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return wasRunning
}

// Active reports whether id is the running session.
func (s *State) Active(id string) bool {
	if !s.running.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running.Load() && s.id == id
}

// UpdateSettings merges partial into the voice settings, running or not.
func (s *State) UpdateSettings(partial map[string]any) VoiceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = s.settings.Merge(partial)
	return s.settings.Clone()
}

func (s *State) Settings() VoiceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

func (s *State) Running() bool {
	return s.running.Load()
}

func (s *State) Target() (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return Target{}, false
	}
	return *s.target, true
}

func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: s.id,
		Running:   s.running.Load(),
		Settings:  s.settings.Clone(),
		StartedAt: s.startedAt,
	}
	if s.target != nil {
		t := *s.target
		snap.Target = &t
	}
	return snap
}

// MarkSeen records a comment id for the active session. It reports false when the id was
// already present or no session is running.
func (s *State) MarkSeen(ctx context.Context, commentID string) (bool, error) {
	s.mu.Lock()
	id := s.id
	running := s.running.Load()
	s.mu.Unlock()
	if !running {
		return false, nil
	}
	return s.seen.Add(ctx, id, commentID)
}

// Seen reports whether commentID was already recorded in the current session.
func (s *State) Seen(ctx context.Context, commentID string) (bool, error) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return false, nil
	}
	return s.seen.Contains(ctx, id, commentID)
}

// Close releases the seen set backend.
func (s *State) Close() error {
	s.Stop()
	return s.seen.Close()
}
