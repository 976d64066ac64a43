package world_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worldrelay/internal/world"
)

func TestFormatWhisper(t *testing.T) {
	assert.Equal(t, "/msg bob hi there", world.FormatWhisper("/msg {target} {text}", "bob", "hi there"))
	assert.Equal(t, "tell bob: {x}", world.FormatWhisper("tell {target}: {text}", "bob", "{x}"))
	assert.Equal(t, "w {tar", world.FormatWhisper("w {tar", "bob", "hi"))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "whisper", world.EventWhisper.String())
	assert.Equal(t, "kicked", world.EventKicked.String())
	assert.Equal(t, "event(99)", world.EventKind(99).String())
}

func TestDialerFunc(t *testing.T) {
	called := false
	d := world.DialerFunc(func(ctx context.Context) (world.Session, error) {
		called = true
		return nil, world.ErrClosed
	})
	_, err := d.Dial(context.Background())
	require.ErrorIs(t, err, world.ErrClosed)
	assert.True(t, called)
}
