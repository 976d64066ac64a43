package attribution_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worldrelay/internal/attribution"
)

func newTracker() (*attribution.Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return attribution.NewTracker(clock, 4*time.Second, 30), clock
}

func TestTracker_IsCommand(t *testing.T) {
	tr, _ := newTracker()
	assert.True(t, tr.IsCommand("!pt"))
	assert.True(t, tr.IsCommand("?playtime bob"))
	assert.True(t, tr.IsCommand("$bal"))
	assert.False(t, tr.IsCommand("pt"))
	assert.False(t, tr.IsCommand("!!!"))
	assert.False(t, tr.IsCommand(""))
	assert.False(t, tr.IsCommand("!this command is far too long to count"))
}

func TestTracker_OpenForAndExpire(t *testing.T) {
	tr, clock := newTracker()
	tr.Open("Bob", "!pt")

	w, ok := tr.For("bob")
	require.True(t, ok)
	assert.Equal(t, "!pt", w.Command)
	assert.Equal(t, "Bob", w.Requester)

	clock.Advance(4 * time.Second)
	_, ok = tr.For("bob")
	assert.True(t, ok, "window is live at exactly its duration")

	clock.Advance(time.Millisecond)
	_, ok = tr.For("bob")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ActiveReturnsNewest(t *testing.T) {
	tr, clock := newTracker()
	tr.Open("alice", "!a")
	clock.Advance(time.Second)
	tr.Open("bob", "!b")

	w, ok := tr.Active()
	require.True(t, ok)
	assert.Equal(t, "bob", w.Requester)

	assert.True(t, tr.Consume("BOB"))
	w, ok = tr.Active()
	require.True(t, ok)
	assert.Equal(t, "alice", w.Requester)
}

func TestTracker_ConsumeOnce(t *testing.T) {
	tr, _ := newTracker()
	tr.Open("bob", "!pt")
	assert.True(t, tr.Consume("bob"))
	assert.False(t, tr.Consume("bob"))
	_, ok := tr.Active()
	assert.False(t, ok)
}

func TestDefaultPatternSet(t *testing.T) {
	ps := attribution.DefaultPatternSet()
	assert.True(t, ps.Match("3 Days, 4 Hours, 0 Minutes"))
	assert.True(t, ps.Match("Balance: 1200"))
	assert.True(t, ps.Match("a few hours"))
	assert.False(t, ps.Match("hello there"))
}

func TestParsePatterns(t *testing.T) {
	ps, err := attribution.ParsePatterns([]byte("patterns:\n  - '^pong$'\n  - '(?i)balance'\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, ps.Len())
	assert.True(t, ps.Match("pong"))
	assert.True(t, ps.Match("Your BALANCE is low"))
	assert.False(t, ps.Match("ping"))

	_, err = attribution.ParsePatterns([]byte("patterns: []\n"))
	assert.Error(t, err)

	_, err = attribution.ParsePatterns([]byte("patterns:\n  - '(['\n"))
	assert.Error(t, err)
}

func TestLoadPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("patterns:\n  - 'kills?'\n"), 0o644))

	ps, err := attribution.LoadPatterns(path)
	require.NoError(t, err)
	assert.True(t, ps.Match("42 kills"))

	_, err = attribution.LoadPatterns(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLuaMatcher(t *testing.T) {
	m, err := attribution.NewLuaMatcher(`
function is_reply(text)
  return string.find(text, "%d") ~= nil
end`, 0)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.Match("3 Days"))
	assert.False(t, m.Match("no digits"))
}

func TestLuaMatcher_MissingFunction(t *testing.T) {
	_, err := attribution.NewLuaMatcher(`x = 1`, 0)
	assert.True(t, errors.Is(err, attribution.ErrNoReplyFunc))
}

func TestLuaMatcher_SyntaxError(t *testing.T) {
	_, err := attribution.NewLuaMatcher(`function is_reply(`, 0)
	assert.Error(t, err)
}

func TestLuaMatcher_InstructionLimit(t *testing.T) {
	m, err := attribution.NewLuaMatcher(`
function is_reply(text)
  while true do end
  return true
end`, 1000)
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, m.Match("anything"))
	// The budget is reset per call.
	assert.False(t, m.Match("again"))
}

func TestLuaMatcher_SandboxStripsLoaders(t *testing.T) {
	m, err := attribution.NewLuaMatcher(`
function is_reply(text)
  return dofile == nil and require == nil and load == nil
end`, 0)
	require.NoError(t, err)
	defer m.Close()
	assert.True(t, m.Match("x"))
}

type constMatcher bool

func (c constMatcher) Match(string) bool { return bool(c) }

func TestAny(t *testing.T) {
	assert.True(t, attribution.Any{constMatcher(false), constMatcher(true)}.Match("x"))
	assert.False(t, attribution.Any{constMatcher(false)}.Match("x"))
	assert.False(t, attribution.Any{}.Match("x"))
}

func TestPropertyWindowLifetime(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr, clock := newTracker()
		name := rapid.StringMatching(`[A-Za-z]{1,10}`).Draw(t, "name")
		elapsed := time.Duration(rapid.IntRange(0, 8000).Draw(t, "elapsedMs")) * time.Millisecond

		tr.Open(name, "!cmd")
		clock.Advance(elapsed)
		_, ok := tr.For(name)
		if want := elapsed <= 4*time.Second; ok != want {
			t.Fatalf("elapsed=%s: live=%v, want %v", elapsed, ok, want)
		}
	})
}
