// Package classify decides, for each incoming world line, whether it is
// dropped, delivered as a whisper, relayed publicly after a grace delay, or
// re-attributed to an automated participant.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/attribution"
	"github.com/cory-johannsen/worldrelay/internal/pending"
	"github.com/cory-johannsen/worldrelay/internal/suppress"
	"github.com/cory-johannsen/worldrelay/internal/textutil"
)

// Kind is the protocol-level class of an incoming line.
type Kind int

const (
	// Public is ordinary chat visible to everyone.
	Public Kind = iota
	// Whisper is a private message addressed to the relay.
	Whisper
	// System is any other world line.
	System
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Whisper:
		return "whisper"
	case System:
		return "system"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one world line to classify.
type Event struct {
	Kind   Kind
	Sender string
	Text   string
}

// Action is the outcome of classification.
type Action int

const (
	// Drop discards the line.
	Drop Action = iota
	// DeliverWhisper routes the line to the dialog manager.
	DeliverWhisper
	// SchedulePublic defers the line to the pending-relay scheduler.
	SchedulePublic
	// AutomationReply delivers the line under the automation identity.
	AutomationReply
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case DeliverWhisper:
		return "deliver-whisper"
	case SchedulePublic:
		return "schedule-public"
	case AutomationReply:
		return "automation-reply"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Delivery is a line ready for the platform.
type Delivery struct {
	// Sender is the world identity the line came from.
	Sender string
	// Display is the identity the line is shown under.
	Display string
	Text    string
	// Quote is "requester: text" for automation replies.
	Quote      string
	Automation bool
}

// Decision is the result of Classify.
type Decision struct {
	Action   Action
	Reason   string
	Delivery Delivery
}

// Publisher receives public deliveries once their grace delay has elapsed.
type Publisher func(ctx context.Context, d Delivery)

// IgnoreList reports whether a world identity is ignored for chat.
type IgnoreList interface {
	IsIgnored(ctx context.Context, identity string) (bool, error)
}

// Options configures a Classifier.
type Options struct {
	// Self returns the relay's current world identity; re-resolved per event.
	Self           func() string
	Ignore         IgnoreList
	Markers        *suppress.Store
	Pending        *pending.Scheduler
	Windows        *attribution.Tracker
	Matcher        attribution.ReplyMatcher
	Publish        Publisher
	Prefix         string
	AutomationName string
	Grace          time.Duration
	// Guard, when set, wraps the delayed public relay callback.
	Guard func(where string, fn func())
}

// embeddedTag matches a line relayed by a third-party bridge: "<name> text".
var embeddedTag = regexp.MustCompile(`^<([A-Za-z0-9_]{1,32})>\s+(.+)$`)

// Classifier applies the relay's drop, suppression and attribution rules.
type Classifier struct {
	opts   Options
	logger *zap.Logger
}

// New creates a Classifier.
//
// Precondition: opts.Markers, opts.Pending, opts.Windows, opts.Matcher and
// opts.Publish must not be nil; opts.Grace > 0.
func New(opts Options, logger *zap.Logger) *Classifier {
	if opts.Self == nil {
		opts.Self = func() string { return "" }
	}
	return &Classifier{opts: opts, logger: logger}
}

// Classify decides what to do with ev. SchedulePublic decisions are
// completed later through the Publisher.
func (c *Classifier) Classify(ctx context.Context, ev Event) Decision {
	text := textutil.Normalize(ev.Text)
	sender := strings.TrimSpace(ev.Sender)
	c.opts.Markers.Sweep()

	if text == "" {
		return drop("empty")
	}
	if ev.Kind != System {
		if sender == "" {
			return drop("no sender")
		}
		if self := c.opts.Self(); self != "" && textutil.Fold(self) == textutil.Fold(sender) {
			return drop("self")
		}
		if c.ignored(ctx, sender) {
			return drop("ignored")
		}
	}
	if c.opts.Prefix != "" && strings.HasPrefix(text, c.opts.Prefix) {
		return drop("relay echo")
	}
	if ev.Kind == Public && c.opts.Windows.IsCommand(text) {
		c.opts.Windows.Open(sender, text)
	}

	switch ev.Kind {
	case Public:
		return c.public(ctx, sender, text)
	case Whisper:
		c.opts.Markers.Mark(suppress.Whisper, sender, text)
		if c.opts.Pending.Cancel(sender, text) {
			c.logger.Debug("public relay superseded by whisper",
				zap.String("sender", sender))
		}
		return Decision{
			Action:   DeliverWhisper,
			Delivery: Delivery{Sender: sender, Display: sender, Text: text},
		}
	case System:
		return c.system(text)
	default:
		return drop("unknown kind")
	}
}

func (c *Classifier) public(ctx context.Context, sender, text string) Decision {
	if c.opts.Markers.Has(suppress.Whisper, sender, text) {
		return drop("already whispered")
	}
	fireCtx := context.WithoutCancel(ctx)
	publish := func() {
		if d, ok := c.resolvePublic(sender, text); ok {
			c.opts.Publish(fireCtx, d)
		}
	}
	fire := publish
	if guard := c.opts.Guard; guard != nil {
		fire = func() { guard("pending relay", publish) }
	}
	c.opts.Pending.Schedule(sender, text, c.opts.Grace, fire)
	return Decision{Action: SchedulePublic}
}

// resolvePublic runs when a public line's grace delay elapses.
func (c *Classifier) resolvePublic(sender, text string) (Delivery, bool) {
	if c.opts.Markers.Has(suppress.Whisper, sender, text) ||
		c.opts.Markers.Has(suppress.Outbound, sender, text) {
		c.logger.Debug("public relay suppressed at fire", zap.String("sender", sender))
		return Delivery{}, false
	}

	if w, ok := c.opts.Windows.For(sender); ok && text != w.Command && c.opts.Matcher.Match(text) {
		c.opts.Windows.Consume(sender)
		return c.automation(w.Requester, text), true
	}

	if w, ok := c.opts.Windows.Active(); ok {
		trigger := textutil.Fold(w.Requester) == textutil.Fold(sender) && text == w.Command
		if !trigger {
			c.logger.Debug("public relay deferred to attribution window",
				zap.String("sender", sender),
				zap.String("requester", w.Requester))
			return Delivery{}, false
		}
	}

	d := Delivery{Sender: sender, Display: sender, Text: text}
	if m := embeddedTag.FindStringSubmatch(text); m != nil {
		d.Display = m[1]
		d.Text = m[2]
	}
	return d, true
}

func (c *Classifier) system(text string) Decision {
	w, ok := c.opts.Windows.Active()
	if !ok || text == w.Command {
		return drop("no attribution window")
	}
	c.opts.Windows.Consume(w.Requester)
	return Decision{Action: AutomationReply, Delivery: c.automation(w.Requester, text)}
}

func (c *Classifier) automation(requester, text string) Delivery {
	return Delivery{
		Sender:     requester,
		Display:    c.opts.AutomationName,
		Text:       text,
		Quote:      requester + ": " + text,
		Automation: true,
	}
}

func (c *Classifier) ignored(ctx context.Context, identity string) bool {
	if c.opts.Ignore == nil {
		return false
	}
	ignored, err := c.opts.Ignore.IsIgnored(ctx, identity)
	if err != nil {
		c.logger.Warn("ignore list lookup failed", zap.String("identity", identity), zap.Error(err))
		return false
	}
	return ignored
}

func drop(reason string) Decision {
	return Decision{Action: Drop, Reason: reason}
}
