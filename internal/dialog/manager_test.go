package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worldrelay/internal/platform"
	"github.com/cory-johannsen/worldrelay/internal/platform/platformtest"
	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/suppress"
	"github.com/cory-johannsen/worldrelay/internal/world/worldtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	m       *Manager
	fake    *platformtest.Fake
	world   *worldtest.Session
	store   *storage.Memory
	markers *suppress.Store
	clock   *clockwork.FakeClock
}

func testOptions() Options {
	return Options{
		CategoryID:        "cat",
		ClaimChannelID:    "claims",
		EveryoneRoleID:    "guild",
		DefaultTTL:        10 * time.Minute,
		CountdownInterval: 3 * time.Second,
		ClaimTTL:          10 * time.Minute,
		WhisperTemplate:   "/msg {target} {text}",
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		fake:  platformtest.NewFake("bot"),
		world: worldtest.NewSession("RelayBot"),
		store: storage.NewMemory(),
		clock: clockwork.NewFakeClockAt(start),
	}
	h.markers = suppress.NewStore(h.clock, 3*time.Second, 5*time.Second)
	h.m = NewManager(opts, h.fake, h.world, h.markers, h.store, h.clock, zaptest.NewLogger(t))
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) claimed(t *testing.T, requester, target, body string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.m.DeliverWhisper(ctx, target, body))
	ch, err := h.m.Claim(ctx, requester, target)
	require.NoError(t, err)
	return ch
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "Deletes in 10m 0s", FormatRemaining(10*time.Minute))
	assert.Equal(t, "Deletes in 9m 57s", FormatRemaining(9*time.Minute+57*time.Second+400*time.Millisecond))
	assert.Equal(t, "Deletes in 42s", FormatRemaining(42*time.Second))
	assert.Equal(t, "Deletes in 0s", FormatRemaining(-time.Second))
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "dm-bob_the-2nd", channelName("Bob_The-2nd!"))
}

func TestClaimFlow(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "hey"))
	assert.Equal(t, []string{"bob"}, h.m.Claims())

	prompts := h.fake.Messages("claims")
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].Content, "hey")
	require.Len(t, prompts[0].Buttons, 1)
	assert.Equal(t, "claim:Bob", prompts[0].Buttons[0].CustomID)

	ch, err := h.m.Claim(ctx, "userA", "bob")
	require.NoError(t, err)
	assert.Empty(t, h.m.Claims())

	created, ok := h.fake.Channel(ch)
	require.True(t, ok)
	assert.Equal(t, "cat", created.ParentID)
	assert.Equal(t, []platform.Grant{
		{ID: "guild", Type: platform.GrantRole, Allow: false},
		{ID: "bot", Type: platform.GrantMember, Allow: true},
		{ID: "userA", Type: platform.GrantMember, Allow: true},
	}, created.Grants)

	msgs := h.fake.Messages(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "**Bob**: hey", msgs[0].Content)
	assert.Equal(t, "Deletes in 10m 0s", msgs[0].Footer)

	prompts = h.fake.Messages("claims")
	assert.Contains(t, prompts[0].Content, "claimed by <@userA>")
	assert.Empty(t, prompts[0].Buttons)

	_, err = h.m.Claim(ctx, "userB", "bob")
	assert.ErrorIs(t, err, ErrClaimUnavailable)

	rec, err := h.store.DialogOwner(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, "userA", rec.OwnerID)
	assert.Equal(t, "Bob", rec.Target)
}

func TestDeliverWhisper_RepeatEditsPromptInPlace(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "first"))
	require.NoError(t, h.m.DeliverWhisper(ctx, "BOB", "second"))

	refs := h.fake.Refs("claims")
	require.Len(t, refs, 1)
	assert.Equal(t, 1, h.fake.Edits(refs[0]))
	msg, _ := h.fake.Message(refs[0])
	assert.Contains(t, msg.Content, "second")

	ch, err := h.m.Claim(ctx, "userA", "bob")
	require.NoError(t, err)
	assert.Equal(t, "**Bob**: second", h.fake.Messages(ch)[0].Content)
}

func TestClaimExpires(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "hey"))

	h.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return len(h.m.Claims()) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		msgs := h.fake.Messages("claims")
		return len(msgs) == 1 && msgs[0].Content == "Whisper from **Bob** expired unclaimed."
	}, waitFor, tick)

	_, err := h.m.Claim(ctx, "userA", "bob")
	assert.ErrorIs(t, err, ErrClaimUnavailable)
}

func TestClaim_NoCategoryKeepsClaim(t *testing.T) {
	opts := testOptions()
	opts.CategoryID = ""
	h := newHarness(t, opts)
	ctx := context.Background()
	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "hey"))

	_, err := h.m.Claim(ctx, "userA", "bob")
	assert.ErrorIs(t, err, ErrNoCategory)
	assert.Equal(t, []string{"bob"}, h.m.Claims())
	assert.Empty(t, h.fake.Channels())
}

func TestDeliverWhisper_NoClaimChannel(t *testing.T) {
	opts := testOptions()
	opts.ClaimChannelID = ""
	h := newHarness(t, opts)
	assert.ErrorIs(t, h.m.DeliverWhisper(context.Background(), "Bob", "hey"), ErrNoClaimChannel)
}

func TestDeliverWhisper_AllMatchingSessions(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	chA, err := h.m.SendOutbound(ctx, "userA", "Bob", "hi")
	require.NoError(t, err)
	chB, err := h.m.SendOutbound(ctx, "userB", "bob", "yo")
	require.NoError(t, err)
	require.NotEqual(t, chA, chB)

	require.NoError(t, h.m.DeliverWhisper(ctx, "BOB", "hello both"))
	assert.Empty(t, h.m.Claims())
	for _, ch := range []string{chA, chB} {
		msgs := h.fake.Messages(ch)
		require.Len(t, msgs, 2)
		assert.Equal(t, "**BOB**: hello both", msgs[1].Content)
	}
}

func TestSendOutbound(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	ch, err := h.m.SendOutbound(ctx, "userA", "Bob", "hello there")
	require.NoError(t, err)
	assert.Equal(t, []string{"/msg Bob hello there"}, h.world.Sent())
	assert.True(t, h.markers.Has(suppress.Outbound, "bob", "hello there"))

	msgs := h.fake.Messages(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "→ **Bob**: hello there", msgs[0].Content)

	h.clock.Advance(5 * time.Second)
	assert.True(t, h.markers.Has(suppress.Outbound, "bob", "hello there"), "alive at exactly the ttl")
	h.clock.Advance(time.Millisecond)
	assert.False(t, h.markers.Has(suppress.Outbound, "bob", "hello there"))

	again, err := h.m.SendOutbound(ctx, "userA", "BOB", "second")
	require.NoError(t, err)
	assert.Equal(t, ch, again)
	assert.Len(t, h.fake.Channels(), 1)
}

func TestSendOutbound_WorldOffline(t *testing.T) {
	h := newHarness(t, testOptions())
	offline := errors.New("world session offline")
	h.world.FailSends(offline)

	ch, err := h.m.SendOutbound(context.Background(), "userA", "Bob", "hello")
	assert.ErrorIs(t, err, offline)
	assert.NotEmpty(t, ch)
	assert.False(t, h.markers.Has(suppress.Outbound, "bob", "hello"))
	assert.Empty(t, h.fake.Messages(ch))
}

func TestCountdown_UpdatesAndIsReplaced(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "one")
	first := h.fake.Refs(ch)[0]

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		msg, _ := h.fake.Message(first)
		return msg.Footer == "Deletes in 9m 57s"
	}, waitFor, tick)

	require.NoError(t, h.m.DeliverWhisper(ctx, "bob", "two"))
	refs := h.fake.Refs(ch)
	require.Len(t, refs, 2)
	second := refs[1]

	old, _ := h.fake.Message(first)
	assert.Equal(t, "**Bob**: one", old.Content)
	assert.Empty(t, old.Footer)
	assert.Empty(t, old.Buttons)
	assert.Nil(t, old.Select)
	strippedEdits := h.fake.Edits(first)

	cur, _ := h.fake.Message(second)
	assert.Equal(t, "Deletes in 10m 0s", cur.Footer)
	require.Len(t, cur.Buttons, 1)
	assert.Equal(t, DeleteButton, cur.Buttons[0].CustomID)
	require.NotNil(t, cur.Select)
	assert.Equal(t, TTLSelect, cur.Select.CustomID)

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return h.fake.Edits(second) >= 1 }, waitFor, tick)
	assert.Equal(t, strippedEdits, h.fake.Edits(first), "previous countdown must be cancelled")
}

// countingPlatform counts EditMessage attempts, failed ones included.
type countingPlatform struct {
	*platformtest.Fake
	attempts atomic.Int32
}

func (c *countingPlatform) EditMessage(ctx context.Context, ref platform.MessageRef, msg platform.Message) error {
	c.attempts.Add(1)
	return c.Fake.EditMessage(ctx, ref, msg)
}

func TestCountdown_StopsOnEditError(t *testing.T) {
	fake := platformtest.NewFake("bot")
	cp := &countingPlatform{Fake: fake}
	clock := clockwork.NewFakeClockAt(start)
	markers := suppress.NewStore(clock, 3*time.Second, 5*time.Second)
	m := NewManager(testOptions(), cp, worldtest.NewSession("RelayBot"), markers, storage.NewMemory(), clock, zaptest.NewLogger(t))
	t.Cleanup(m.Close)

	_, err := m.SendOutbound(context.Background(), "userA", "Bob", "hi")
	require.NoError(t, err)

	fake.SetFailEdit(errors.New("unknown message"))
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return cp.attempts.Load() == 1 }, waitFor, tick)

	fake.SetFailEdit(nil)
	clock.Advance(3 * time.Second)
	assert.Never(t, func() bool { return cp.attempts.Load() > 1 }, 50*time.Millisecond, tick)
}

// gatedPlatform holds the next SendMessage until released.
type gatedPlatform struct {
	*platformtest.Fake
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPlatform) holdNext() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedPlatform) SendMessage(ctx context.Context, channelID string, msg platform.Message) (platform.MessageRef, error) {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return g.Fake.SendMessage(ctx, channelID, msg)
}

func findMessage(t *testing.T, fake *platformtest.Fake, channelID, suffix string) platform.MessageRef {
	t.Helper()
	for _, ref := range fake.Refs(channelID) {
		if msg, ok := fake.Message(ref); ok && strings.HasSuffix(msg.Content, suffix) {
			return ref
		}
	}
	t.Fatalf("no message ending in %q", suffix)
	return platform.MessageRef{}
}

func TestPost_LateFinisherDoesNotTakeCountdown(t *testing.T) {
	gp := &gatedPlatform{Fake: platformtest.NewFake("bot")}
	clock := clockwork.NewFakeClockAt(start)
	markers := suppress.NewStore(clock, 3*time.Second, 5*time.Second)
	m := NewManager(testOptions(), gp, worldtest.NewSession("RelayBot"), markers, storage.NewMemory(), clock, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	ctx := context.Background()

	ch, err := m.SendOutbound(ctx, "userA", "Bob", "hi")
	require.NoError(t, err)

	entered, release := gp.holdNext()
	slow := make(chan error, 1)
	go func() { slow <- m.DeliverWhisper(ctx, "Bob", "older") }()
	<-entered

	_, err = m.SendOutbound(ctx, "userA", "Bob", "newer")
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-slow)

	older := findMessage(t, gp.Fake, ch, "older")
	newer := findMessage(t, gp.Fake, ch, "newer")
	require.Eventually(t, func() bool {
		msg, _ := gp.Fake.Message(older)
		return msg.Footer == "" && len(msg.Buttons) == 0
	}, waitFor, tick)
	cur, _ := gp.Fake.Message(newer)
	assert.NotEmpty(t, cur.Footer)

	olderEdits := gp.Fake.Edits(older)
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return gp.Fake.Edits(newer) >= 1 }, waitFor, tick)
	assert.Equal(t, olderEdits, gp.Fake.Edits(older))
}

func TestGuardRunsDialogTimers(t *testing.T) {
	var (
		mu    sync.Mutex
		where []string
	)
	opts := testOptions()
	opts.Guard = func(w string, fn func()) {
		mu.Lock()
		where = append(where, w)
		mu.Unlock()
		fn()
	}
	h := newHarness(t, opts)
	require.NoError(t, h.m.DeliverWhisper(context.Background(), "Carol", "unclaimed"))
	h.claimed(t, "userA", "Bob", "hey")

	h.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return len(h.fake.Deleted()) == 1 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, where, "dialog countdown")
	assert.Contains(t, where, "dialog expiry")
	assert.Contains(t, where, "claim expiry")
}

func TestAutoDelete(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "hey")

	h.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return len(h.fake.Deleted()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{ch}, h.fake.Deleted())
	assert.Empty(t, h.m.Sessions())
	require.Eventually(t, func() bool {
		_, err := h.store.DialogOwner(ctx, ch)
		return errors.Is(err, storage.ErrNotFound)
	}, waitFor, tick)

	// A later whisper starts a fresh claim rather than reusing the channel.
	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "back"))
	assert.Equal(t, []string{"bob"}, h.m.Claims())
}

func TestNewMessageRefreshesDeadline(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "hey")

	h.clock.Advance(9 * time.Minute)
	require.NoError(t, h.m.DeliverWhisper(ctx, "Bob", "still here"))
	h.clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return len(h.fake.Deleted()) > 0 }, 50*time.Millisecond, tick)

	h.clock.Advance(8 * time.Minute)
	require.Eventually(t, func() bool { return len(h.fake.Deleted()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{ch}, h.fake.Deleted())
}

func TestSetTTL_ReschedulesFromNow(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "hey")

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.m.SetTTL(ctx, "userA", ch, 15))

	sessions := h.m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, h.clock.Now().Add(900000*time.Millisecond), sessions[0].Deadline)

	// The original ten minute deadline no longer applies.
	h.clock.Advance(8 * time.Minute)
	assert.Never(t, func() bool { return len(h.fake.Deleted()) > 0 }, 50*time.Millisecond, tick)

	h.clock.Advance(7 * time.Minute)
	require.Eventually(t, func() bool { return len(h.fake.Deleted()) == 1 }, waitFor, tick)
}

func TestSetTTL_Errors(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "hey")

	assert.ErrorIs(t, h.m.SetTTL(ctx, "userB", ch, 15), ErrNotOwner)
	assert.ErrorIs(t, h.m.SetTTL(ctx, "userA", ch, 0), ErrInvalidTTL)
	assert.ErrorIs(t, h.m.Delete(ctx, "userB", ch), ErrNotOwner)
}

func TestDelete_ByOwnerCancelsTimer(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	ch := h.claimed(t, "userA", "Bob", "hey")

	require.NoError(t, h.m.Delete(ctx, "userA", ch))
	assert.Equal(t, []string{ch}, h.fake.Deleted())
	assert.Empty(t, h.m.Sessions())

	h.clock.Advance(time.Hour)
	assert.Never(t, func() bool { return len(h.fake.Deleted()) > 1 }, 50*time.Millisecond, tick)
}

func TestOwner_RecoveryAfterRestart(t *testing.T) {
	ctx := context.Background()
	fake := platformtest.NewFake("bot")
	store := storage.NewMemory()
	clock := clockwork.NewFakeClockAt(start)
	markers := suppress.NewStore(clock, 3*time.Second, 5*time.Second)
	newManager := func() *Manager {
		m := NewManager(testOptions(), fake, worldtest.NewSession("RelayBot"), markers, store, clock, zaptest.NewLogger(t))
		t.Cleanup(m.Close)
		return m
	}

	// Persisted record.
	require.NoError(t, store.SaveDialogOwner(ctx, storage.DialogOwner{ChannelID: "c1", OwnerID: "userA", Target: "Bob"}))
	fake.AddChannel("c1", "dm-bob", nil)
	m := newManager()
	owner, err := m.Owner(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "userA", owner)

	// Grant scan when no record survives.
	fake.AddChannel("c2", "dm-carol", []platform.Grant{
		{ID: "guild", Type: platform.GrantRole, Allow: false},
		{ID: "bot", Type: platform.GrantMember, Allow: true},
		{ID: "userB", Type: platform.GrantMember, Allow: true},
	})
	owner, err = m.Owner(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "userB", owner)
	require.NoError(t, m.SetTTL(ctx, "userB", "c2", 30))
	assert.Len(t, m.Sessions(), 1)

	// Two member grants make the owner ambiguous.
	fake.AddChannel("c3", "dm-dave", []platform.Grant{
		{ID: "userC", Type: platform.GrantMember, Allow: true},
		{ID: "userD", Type: platform.GrantMember, Allow: true},
	})
	_, err = m.Owner(ctx, "c3")
	assert.ErrorIs(t, err, ErrOwnerUnknown)
}

func TestLookup_AdoptsPersistedDialog(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	require.NoError(t, h.store.SaveDialogOwner(ctx, storage.DialogOwner{ChannelID: "old", OwnerID: "userA", Target: "Bob"}))
	h.fake.AddChannel("old", "dm-bob", nil)

	info, ok := h.m.Lookup(ctx, "old")
	require.True(t, ok)
	assert.Equal(t, "userA", info.Requester)
	assert.Equal(t, "Bob", info.Target)
	assert.Equal(t, start.Add(10*time.Minute), info.Deadline)

	require.NoError(t, h.m.DeliverWhisper(ctx, "bob", "after restart"))
	assert.Empty(t, h.m.Claims())
	assert.Len(t, h.fake.Messages("old"), 1)

	_, ok = h.m.Lookup(ctx, "nope")
	assert.False(t, ok)
}

func TestPropertyOneSessionPerPair(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, testOptions())
		ctx := context.Background()
		requesters := []string{"userA", "userB"}
		targets := []string{"Bob", "bob", "BOB", "Carol", "carol"}

		want := make(map[string]struct{})
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			r := rapid.SampledFrom(requesters).Draw(rt, "requester")
			tg := rapid.SampledFrom(targets).Draw(rt, "target")
			if _, err := h.m.SendOutbound(ctx, r, tg, fmt.Sprintf("msg %d", i)); err != nil {
				rt.Fatalf("send outbound: %v", err)
			}
			want[r+"/"+foldTarget(tg)] = struct{}{}
		}
		if got := len(h.m.Sessions()); got != len(want) {
			rt.Fatalf("sessions = %d, want %d", got, len(want))
		}
		if got := len(h.fake.Channels()); got != len(want) {
			rt.Fatalf("channels = %d, want %d", got, len(want))
		}
		h.m.Close()
	})
}

func foldTarget(s string) string {
	return keyFor("", s).target
}
