package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/platform"
)

// countdown live-updates the remaining-time footer of one dialog message.
// stop is idempotent and waits for the update loop to exit.
type countdown struct {
	ref      platform.MessageRef
	msg      platform.Message
	platform platform.Platform
	ticker   clockwork.Ticker
	clock    clockwork.Clock
	deadline func() (time.Time, bool)
	logger   *zap.Logger

	once     sync.Once
	done     chan struct{}
	finished chan struct{}
}

// newCountdown creates the ticker synchronously so that a clock advance
// immediately after posting is observed.
func newCountdown(clock clockwork.Clock, interval time.Duration, p platform.Platform, ref platform.MessageRef,
	msg platform.Message, deadline func() (time.Time, bool), logger *zap.Logger) *countdown {
	return &countdown{
		ref:      ref,
		msg:      msg,
		platform: p,
		ticker:   clock.NewTicker(interval),
		clock:    clock,
		deadline: deadline,
		logger:   logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (c *countdown) run(ctx context.Context) {
	defer close(c.finished)
	defer c.ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.Chan():
		}
		deadline, ok := c.deadline()
		if !ok {
			return
		}
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return
		}
		msg := c.msg
		msg.Footer = FormatRemaining(remaining)
		if err := c.platform.EditMessage(ctx, c.ref, msg); err != nil {
			c.logger.Debug("countdown edit failed; stopping", zap.String("message", c.ref.MessageID), zap.Error(err))
			return
		}
	}
}

// stop halts the loop. When strip is set the message is rewritten without
// its footer and controls.
func (c *countdown) stop(ctx context.Context, strip bool) {
	c.once.Do(func() {
		close(c.done)
	})
	<-c.finished
	if !strip {
		return
	}
	if err := c.platform.EditMessage(ctx, c.ref, platform.Message{Content: c.msg.Content}); err != nil {
		c.logger.Debug("stripping dialog footer", zap.String("message", c.ref.MessageID), zap.Error(err))
	}
}

// FormatRemaining renders a countdown footer such as "Deletes in 9m 57s".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	if secs < 60 {
		return fmt.Sprintf("Deletes in %ds", secs)
	}
	return fmt.Sprintf("Deletes in %dm %ds", secs/60, secs%60)
}
