package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/threadvoice/internal/push/pushtest"
	"github.com/antoniostano/threadvoice/internal/reddit"
	"github.com/antoniostano/threadvoice/internal/session"
)

type stubResolver struct {
	thread reddit.Thread
	err    error
	calls  int
}

func (r *stubResolver) ResolveThread(_ context.Context, rawURL string) (reddit.Thread, error) {
	r.calls++
	if r.err != nil {
		return reddit.Thread{}, r.err
	}
	if _, err := reddit.ParseThreadURL(rawURL); err != nil {
		return reddit.Thread{}, err
	}
	return r.thread, nil
}

func newTestController(t *testing.T, resolver Resolver) (*Controller, *session.State, *chanFeed) {
	t.Helper()
	st := session.NewState(session.VoiceSettings{Stability: 0.5}, nil)
	feed := newChanFeed()
	m := New(st, feed, nil, pushtest.NewRecorder(), nil, nil, nil, Config{})
	ctrl := NewController(context.Background(), st, resolver, m, NewRunner(time.Second, nil), nil, testMetrics())
	t.Cleanup(ctrl.Stop)
	return ctrl, st, feed
}

func TestControllerStartStop(t *testing.T) {
	resolver := &stubResolver{thread: reddit.Thread{ID: testThread, Subreddit: "golang", Title: "A thread", Author: "bob"}}
	ctrl, st, _ := newTestController(t, resolver)

	snap, err := ctrl.Start(context.Background(), "https://www.reddit.com/r/golang/comments/abc123/a_thread/", map[string]any{"stability": 0.9})
	require.NoError(t, err)
	assert.True(t, snap.Running)
	assert.NotEmpty(t, snap.SessionID)
	require.NotNil(t, snap.Target)
	assert.Equal(t, "golang", snap.Target.Subreddit)
	assert.Equal(t, 0.9, st.Settings().Stability)
	assert.True(t, ctrl.runner.Busy())

	_, err = ctrl.Start(context.Background(), "https://www.reddit.com/r/golang/comments/abc123/a_thread/", nil)
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)
	assert.Equal(t, 1, resolver.calls)

	ctrl.Stop()
	assert.False(t, st.Running())
	assert.False(t, ctrl.runner.Busy())

	// Stopping while idle is harmless.
	ctrl.Stop()
}

func TestControllerResolveErrors(t *testing.T) {
	resolver := &stubResolver{err: &reddit.ResolveError{Reason: reddit.ReasonForbidden, Err: errors.New("private")}}
	ctrl, st, _ := newTestController(t, resolver)

	_, err := ctrl.Start(context.Background(), "https://www.reddit.com/r/x/comments/abc123/", nil)
	var re *reddit.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, reddit.ReasonForbidden, re.Reason)
	assert.False(t, st.Running())
}

func TestControllerWithoutResolver(t *testing.T) {
	ctrl, st, _ := newTestController(t, nil)

	_, err := ctrl.Start(context.Background(), "https://example.com/nope", nil)
	var re *reddit.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, reddit.ReasonMalformed, re.Reason)

	_, err = ctrl.Start(context.Background(), "https://redd.it/abc123", nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, reddit.ReasonUnauthenticated, re.Reason)
	assert.ErrorIs(t, err, reddit.ErrNotConfigured)
	assert.False(t, st.Running())
}
