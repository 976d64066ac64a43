package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/world"
	"github.com/cory-johannsen/worldrelay/internal/world/worldtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts, err := OptionsFromConfig(config.Defaults().Reconnect)
	require.NoError(t, err)
	return opts
}

func newTestManager(t *testing.T, at time.Time) (*Manager, *worldtest.Dialer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(at)
	d := worldtest.NewDialer("RelayBot")
	m := NewManager(clock, d, testOptions(t), zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m, d, clock
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == want }, waitFor, tick,
		"state never became %s", want)
}

func connect(t *testing.T, m *Manager, d *worldtest.Dialer) *worldtest.Session {
	t.Helper()
	s := d.Last()
	require.NotNil(t, s)
	s.Spawn()
	waitState(t, m, Connected)
	return s
}

func TestOptionsFromConfig_Defaults(t *testing.T) {
	opts := testOptions(t)
	assert.Equal(t, 15*time.Second, opts.BaseDelay)
	assert.Equal(t, 5*time.Minute, opts.MaxDelay)
	assert.Equal(t, 5*time.Minute, opts.RestartDelay)
	assert.Equal(t, 9*60, opts.WindowStart)
	assert.Equal(t, 9*60+30, opts.WindowEnd)
}

func TestOptionsFromConfig_BadTimezone(t *testing.T) {
	cfg := config.Defaults().Reconnect
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := OptionsFromConfig(cfg)
	assert.Error(t, err)
}

func TestInRestartWindow(t *testing.T) {
	opts := testOptions(t)
	day := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	assert.False(t, opts.InRestartWindow(day(8, 59)))
	assert.True(t, opts.InRestartWindow(day(9, 0)))
	assert.True(t, opts.InRestartWindow(day(9, 29)))
	assert.False(t, opts.InRestartWindow(day(9, 30)))

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	opts.Location = ny
	// 14:10 UTC is 09:10 in New York during standard time.
	assert.True(t, opts.InRestartWindow(day(14, 10)))
	assert.False(t, opts.InRestartWindow(day(9, 10)))
}

func TestInRestartWindow_WrapsMidnight(t *testing.T) {
	opts := testOptions(t)
	opts.WindowStart = 23 * 60
	opts.WindowEnd = 60
	assert.True(t, opts.InRestartWindow(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)))
	assert.True(t, opts.InRestartWindow(time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)))
	assert.False(t, opts.InRestartWindow(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)))
}

func TestReconnectDelay(t *testing.T) {
	m, _, _ := newTestManager(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, 15*time.Second, m.ReconnectDelay(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, 5*time.Minute, m.ReconnectDelay(time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)))
}

func TestPropertyBackoffNeverExceedsMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := Options{
			BaseDelay: time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "base")),
			MaxDelay:  time.Duration(rapid.Int64Range(int64(time.Minute), int64(time.Hour)).Draw(t, "max")),
		}
		kicks := rapid.IntRange(1, 80).Draw(t, "kicks")
		cur := opts.BaseDelay
		for i := 0; i < kicks; i++ {
			next := opts.NextBackoff(cur)
			if next > opts.MaxDelay {
				t.Fatalf("backoff %v exceeds max %v", next, opts.MaxDelay)
			}
			if next < cur {
				t.Fatalf("backoff shrank from %v to %v", cur, next)
			}
			cur = next
		}
	})
}

func TestManager_SendCommandOffline(t *testing.T) {
	m, _, _ := newTestManager(t, noon)
	assert.ErrorIs(t, m.SendCommand(context.Background(), "hello"), ErrOffline)
	assert.Nil(t, m.Current())
	assert.Equal(t, Disconnected, m.Status().State)
}

func TestManager_ConnectAndSend(t *testing.T) {
	m, d, _ := newTestManager(t, noon)
	m.Start(context.Background())
	assert.Equal(t, Connecting, m.Status().State)
	assert.ErrorIs(t, m.SendCommand(context.Background(), "early"), ErrOffline)

	s := connect(t, m, d)
	require.NoError(t, m.SendCommand(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, s.Sent())
	assert.Equal(t, "RelayBot", m.Identity())
	assert.Equal(t, noon, m.Status().ConnectedAt)
}

func TestManager_ThrottleBackoffSequence(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, delay := range want {
		s := connect(t, m, d)
		s.Kick("Connection throttled! Please wait before reconnecting.")
		waitState(t, m, ReconnectScheduled)

		st := m.Status()
		assert.Equal(t, delay, st.Backoff, "kick %d", i+1)
		assert.Equal(t, clock.Now().Add(delay), st.ReconnectAt)
		assert.Contains(t, st.LastReason, "throttled")

		clock.Advance(delay)
		require.Eventually(t, func() bool { return d.Dials() == i+2 }, waitFor, tick)
	}
}

func TestManager_SpawnDoesNotResetBackoff(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())
	s := connect(t, m, d)
	s.Kick("logged in too fast")
	waitState(t, m, ReconnectScheduled)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)

	connect(t, m, d)
	assert.Equal(t, 30*time.Second, m.Status().Backoff)
	assert.True(t, m.Status().ReconnectAt.IsZero())
}

func TestManager_GenericKickPausesPermanently(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())
	s := connect(t, m, d)

	s.Kick("You have been disconnected from the server.")
	waitState(t, m, Paused)

	st := m.Status()
	assert.True(t, st.Paused)
	assert.True(t, st.ReconnectAt.IsZero())

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 50*time.Millisecond, tick)

	m.Start(context.Background())
	assert.Equal(t, 1, d.Dials(), "start is ignored while paused")
}

func TestManager_EndInsideRestartWindow(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	m, d, clock := newTestManager(t, at)
	m.Start(context.Background())
	s := connect(t, m, d)

	s.End("server restarting")
	waitState(t, m, ReconnectScheduled)
	assert.Equal(t, at.Add(5*time.Minute), m.Status().ReconnectAt)

	clock.Advance(15 * time.Second)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 50*time.Millisecond, tick)

	clock.Advance(5*time.Minute - 15*time.Second)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)
}

func TestManager_RestartWindowOverridesRaisedBackoff(t *testing.T) {
	m, d, clock := newTestManager(t, time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC))
	m.Start(context.Background())
	for i, delay := range []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second} {
		s := connect(t, m, d)
		s.Kick("Connection throttled!")
		waitState(t, m, ReconnectScheduled)
		require.Equal(t, delay, m.Status().Backoff)
		clock.Advance(delay)
		require.Eventually(t, func() bool { return d.Dials() == i+2 }, waitFor, tick)
	}

	s := connect(t, m, d)
	inWindow := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	clock.Advance(inWindow.Sub(clock.Now()))
	s.End("server restarting")
	waitState(t, m, ReconnectScheduled)

	st := m.Status()
	assert.Equal(t, 120*time.Second, st.Backoff)
	assert.Equal(t, inWindow.Add(5*time.Minute), st.ReconnectAt)

	clock.Advance(120 * time.Second)
	assert.Never(t, func() bool { return d.Dials() > 4 }, 50*time.Millisecond, tick)
}

func TestManager_GuardRunsTimerCallbacks(t *testing.T) {
	var (
		mu    sync.Mutex
		where []string
	)
	opts := testOptions(t)
	opts.Guard = func(w string, fn func()) {
		mu.Lock()
		where = append(where, w)
		mu.Unlock()
		fn()
	}
	clock := clockwork.NewFakeClockAt(noon)
	d := worldtest.NewDialer("RelayBot")
	m := NewManager(clock, d, opts, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)

	m.Start(context.Background())
	connect(t, m, d)
	m.Pause(time.Minute)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, where, "world pump")
	assert.Contains(t, where, "resume timer")
}

func TestManager_DialFailureSchedulesReconnect(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	d.FailNext(1)
	m.Start(context.Background())

	st := m.Status()
	assert.Equal(t, ReconnectScheduled, st.State)
	assert.Contains(t, st.LastReason, worldtest.ErrDialFailed.Error())
	assert.Equal(t, noon.Add(15*time.Second), st.ReconnectAt)

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)
	connect(t, m, d)
}

func TestManager_PauseAndAutoResume(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())
	s := connect(t, m, d)
	s.Kick("Connection throttled!")
	waitState(t, m, ReconnectScheduled)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)
	s = connect(t, m, d)

	m.Pause(time.Minute)
	st := m.Status()
	assert.Equal(t, Paused, st.State)
	assert.Equal(t, noon.Add(30*time.Second).Add(time.Minute), st.ResumeAt)
	assert.True(t, s.Closed())
	assert.ErrorIs(t, m.SendCommand(context.Background(), "hi"), ErrOffline)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return d.Dials() == 3 }, waitFor, tick)
	connect(t, m, d)
	assert.Equal(t, 15*time.Second, m.Status().Backoff, "manual resume resets backoff")
	assert.False(t, m.Status().Paused)
}

func TestManager_PauseIndefiniteThenResume(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())
	connect(t, m, d)

	m.Pause(0)
	assert.True(t, m.Status().ResumeAt.IsZero())
	clock.Advance(24 * time.Hour)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 50*time.Millisecond, tick)

	m.Resume(context.Background())
	assert.Equal(t, 2, d.Dials())
	connect(t, m, d)
}

func TestManager_RestartDetachesPreviousSession(t *testing.T) {
	m, d, _ := newTestManager(t, noon)

	var mu sync.Mutex
	var got []string
	m.SetHandler(func(_ context.Context, ev world.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Text)
	})

	m.Start(context.Background())
	first := connect(t, m, d)

	m.Start(context.Background())
	assert.True(t, first.Closed())
	second := connect(t, m, d)
	require.NotSame(t, first, second)

	second.Push(world.Event{Kind: world.EventChat, Sender: "bob", Text: "from second"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"from second"}, got)
	mu.Unlock()

	// The first session's end must not trigger a reconnect.
	assert.Never(t, func() bool { return m.Status().State != Connected }, 50*time.Millisecond, tick)
}

func TestManager_SpawnHooksAndStatusListeners(t *testing.T) {
	m, d, _ := newTestManager(t, noon)

	spawned := make(chan string, 1)
	m.OnSpawn(func(_ context.Context, s world.Session) { spawned <- s.Identity() })

	var mu sync.Mutex
	var states []State
	m.OnStatus(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st.State)
	})

	m.Start(context.Background())
	connect(t, m, d)

	select {
	case id := <-spawned:
		assert.Equal(t, "RelayBot", id)
	case <-time.After(waitFor):
		t.Fatal("spawn hook never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Connecting)
	assert.Contains(t, states, Connected)
}

func TestManager_StopPreventsReconnect(t *testing.T) {
	m, d, clock := newTestManager(t, noon)
	m.Start(context.Background())
	s := connect(t, m, d)

	m.Stop()
	assert.True(t, s.Closed())
	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, Disconnected, m.Status().State)
}
