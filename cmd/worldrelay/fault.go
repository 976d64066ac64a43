package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/connection"
	"github.com/cory-johannsen/worldrelay/internal/platform"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

// faultSink turns panics in callback goroutines into a service error so the
// supervisor restarts the relay.
type faultSink struct {
	ch     chan error
	logger *zap.Logger
}

func newFaultSink(logger *zap.Logger) *faultSink {
	return &faultSink{ch: make(chan error, 1), logger: logger}
}

func (f *faultSink) catch(where string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic in %s: %v\n%s", where, r, debug.Stack())
	f.logger.Error("callback panicked", zap.String("where", where), zap.Any("panic", r))
	select {
	case f.ch <- err:
	default:
	}
}

// wait blocks until done is closed or a fault is reported.
func (f *faultSink) wait(done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case err := <-f.ch:
		return err
	}
}

// guard runs fn and reports a panic in it as a fault. It is handed to the
// components that run callbacks on timer goroutines.
func (f *faultSink) guard(where string, fn func()) {
	defer f.catch(where)
	fn()
}

func (f *faultSink) guardEvents(h connection.EventHandler) connection.EventHandler {
	return func(ctx context.Context, ev world.Event) {
		defer f.catch("world event handler")
		h(ctx, ev)
	}
}

func (f *faultSink) guardPlatform(h platform.Handler) platform.Handler {
	return guardedHandler{next: h, sink: f}
}

type guardedHandler struct {
	next platform.Handler
	sink *faultSink
}

func (g guardedHandler) HandleMessage(ctx context.Context, msg platform.IncomingMessage) {
	defer g.sink.catch("message handler")
	g.next.HandleMessage(ctx, msg)
}

func (g guardedHandler) HandleInteraction(ctx context.Context, in platform.Interaction) {
	defer g.sink.catch("interaction handler")
	g.next.HandleInteraction(ctx, in)
}
