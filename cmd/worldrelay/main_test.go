package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/platform"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

type panickyHandler struct{}

func (panickyHandler) HandleMessage(context.Context, platform.IncomingMessage) { panic("bad message") }
func (panickyHandler) HandleInteraction(context.Context, platform.Interaction) {}

func TestFaultSinkReportsPlatformPanic(t *testing.T) {
	sink := newFaultSink(zaptest.NewLogger(t))
	h := sink.guardPlatform(panickyHandler{})

	assert.NotPanics(t, func() { h.HandleMessage(context.Background(), platform.IncomingMessage{}) })
	assert.NotPanics(t, func() { h.HandleInteraction(context.Background(), platform.Interaction{}) })

	err := sink.wait(make(chan struct{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in message handler: bad message")
}

func TestFaultSinkReportsEventPanic(t *testing.T) {
	sink := newFaultSink(zaptest.NewLogger(t))
	guarded := sink.guardEvents(func(context.Context, world.Event) { panic("bad event") })
	guarded(context.Background(), world.Event{})
	guarded(context.Background(), world.Event{})

	err := sink.wait(make(chan struct{}))
	assert.ErrorContains(t, err, "bad event")
}

func TestFaultSinkGuardReportsTimerPanic(t *testing.T) {
	sink := newFaultSink(zaptest.NewLogger(t))
	ran := false
	sink.guard("reconnect timer", func() { ran = true })
	assert.True(t, ran)

	assert.NotPanics(t, func() { sink.guard("dialog countdown", func() { panic("edit exploded") }) })
	err := sink.wait(make(chan struct{}))
	assert.ErrorContains(t, err, "panic in dialog countdown: edit exploded")
}

func TestFaultSinkWaitReturnsOnDone(t *testing.T) {
	sink := newFaultSink(zaptest.NewLogger(t))
	done := make(chan struct{})
	close(done)
	assert.NoError(t, sink.wait(done))
}

func TestNewMatcher(t *testing.T) {
	m, closeFn, err := newMatcher(config.AttributionConfig{})
	require.NoError(t, err)
	closeFn()
	assert.True(t, m.Match("3 days"))
	assert.False(t, m.Match("hello"))

	dir := t.TempDir()
	script := filepath.Join(dir, "reply.lua")
	require.NoError(t, os.WriteFile(script, []byte(`function is_reply(text) return text == "pong" end`), 0o600))
	m, closeFn, err = newMatcher(config.AttributionConfig{Script: script})
	require.NoError(t, err)
	defer closeFn()
	assert.True(t, m.Match("pong"))
	assert.True(t, m.Match("12"))
	assert.False(t, m.Match("ping"))

	_, _, err = newMatcher(config.AttributionConfig{PatternsFile: filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestNewDialerRejectsUnknownTransport(t *testing.T) {
	_, err := newDialer(config.WorldConfig{Transport: "carrier-pigeon"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
