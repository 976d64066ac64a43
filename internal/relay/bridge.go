// Package relay wires world events, the classifier, the dialog manager and
// the messaging platform into one bridge.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/attribution"
	"github.com/cory-johannsen/worldrelay/internal/classify"
	"github.com/cory-johannsen/worldrelay/internal/command"
	"github.com/cory-johannsen/worldrelay/internal/connection"
	"github.com/cory-johannsen/worldrelay/internal/dialog"
	"github.com/cory-johannsen/worldrelay/internal/pending"
	"github.com/cory-johannsen/worldrelay/internal/platform"
	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/suppress"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

const instrumentationName = "github.com/cory-johannsen/worldrelay/internal/relay"

// touchTimeout bounds the fire-and-forget last-seen update.
const touchTimeout = 5 * time.Second

// Connection is the part of the connection manager the bridge drives.
type Connection interface {
	SendCommand(ctx context.Context, text string) error
	Identity() string
	Status() connection.Status
	Pause(d time.Duration)
	Resume(ctx context.Context)
}

// Dialogs is the part of the dialog manager the bridge drives.
type Dialogs interface {
	DeliverWhisper(ctx context.Context, sender, body string) error
	Claim(ctx context.Context, requester, target string) (string, error)
	SendOutbound(ctx context.Context, requester, target, text string) (string, error)
	SetTTL(ctx context.Context, actor, channelID string, minutes int) error
	Delete(ctx context.Context, actor, channelID string) error
	Lookup(ctx context.Context, channelID string) (dialog.Info, bool)
	Sessions() []dialog.Info
}

// Options configures a Bridge.
type Options struct {
	// RelayChannelID is the platform channel mirroring public world chat.
	RelayChannelID string
	// Prefix marks lines the relay sends into the world.
	Prefix string
	// CommandPrefix introduces bridge commands on the platform.
	CommandPrefix  string
	AutomationName string
	Grace          time.Duration
	// WhisperTemplate renders in-world status replies.
	WhisperTemplate string
	// Tracer overrides the global tracer.
	Tracer trace.Tracer
	// Guard, when set, wraps callbacks the bridge runs off the caller's
	// goroutine.
	Guard func(where string, fn func())
}

// Deps are the collaborators of a Bridge.
type Deps struct {
	Conn     Connection
	Dialogs  Dialogs
	Platform platform.Platform
	Store    storage.Store
	Markers  *suppress.Store
	Pending  *pending.Scheduler
	Windows  *attribution.Tracker
	Matcher  attribution.ReplyMatcher
	Clock    clockwork.Clock
}

// Bridge routes traffic between the world and the platform.
type Bridge struct {
	opts       Options
	deps       Deps
	classifier *classify.Classifier
	registry   *command.Registry
	tracer     trace.Tracer
	logger     *zap.Logger
}

var _ platform.Handler = (*Bridge)(nil)

// New creates a Bridge and the classifier it feeds.
//
// Precondition: every Deps field must be non-nil.
func New(opts Options, deps Deps, logger *zap.Logger) *Bridge {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	b := &Bridge{
		opts:     opts,
		deps:     deps,
		registry: command.DefaultRegistry(),
		tracer:   opts.Tracer,
		logger:   logger,
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(instrumentationName)
	}
	b.classifier = classify.New(classify.Options{
		Self:           deps.Conn.Identity,
		Ignore:         deps.Store,
		Markers:        deps.Markers,
		Pending:        deps.Pending,
		Windows:        deps.Windows,
		Matcher:        deps.Matcher,
		Publish:        b.publish,
		Prefix:         opts.Prefix,
		AutomationName: opts.AutomationName,
		Grace:          opts.Grace,
		Guard:          opts.Guard,
	}, logger)
	return b
}

// HandleWorldEvent classifies one world event and acts on the decision.
// It is installed as the connection manager's event handler.
func (b *Bridge) HandleWorldEvent(ctx context.Context, ev world.Event) {
	var kind classify.Kind
	switch ev.Kind {
	case world.EventChat:
		kind = classify.Public
	case world.EventWhisper:
		kind = classify.Whisper
	case world.EventMessage:
		kind = classify.System
	default:
		return
	}

	ctx, span := b.tracer.Start(ctx, "relay.world_event", trace.WithAttributes(
		attribute.String("world.kind", kind.String()),
		attribute.String("world.sender", ev.Sender),
	))
	defer span.End()

	if kind != classify.System && ev.Sender != "" {
		b.touch(ctx, ev.Sender)
	}

	d := b.classifier.Classify(ctx, classify.Event{Kind: kind, Sender: ev.Sender, Text: ev.Text})
	span.SetAttributes(attribute.String("relay.action", d.Action.String()))

	switch d.Action {
	case classify.DeliverWhisper:
		b.whisper(ctx, d.Delivery)
	case classify.AutomationReply:
		b.publish(ctx, d.Delivery)
	case classify.Drop:
		b.logger.Debug("world line dropped",
			zap.String("kind", kind.String()),
			zap.String("sender", ev.Sender),
			zap.String("reason", d.Reason))
	}
}

func (b *Bridge) touch(ctx context.Context, identity string) {
	at := b.deps.Clock.Now()
	bg := context.WithoutCancel(ctx)
	update := func() {
		ctx, cancel := context.WithTimeout(bg, touchTimeout)
		defer cancel()
		if err := b.deps.Store.TouchPlayer(ctx, identity, at); err != nil {
			b.logger.Debug("touching player", zap.String("identity", identity), zap.Error(err))
		}
	}
	if guard := b.opts.Guard; guard != nil {
		go guard("player touch", update)
		return
	}
	go update()
}

func (b *Bridge) whisper(ctx context.Context, d classify.Delivery) {
	if isStatusRequest(d.Text, b.opts.CommandPrefix) {
		ok, err := b.deps.Store.IsWhitelisted(ctx, d.Sender)
		if err != nil {
			b.logger.Warn("whitelist lookup failed", zap.String("identity", d.Sender), zap.Error(err))
		}
		if ok {
			reply := world.FormatWhisper(b.opts.WhisperTemplate, d.Sender, b.statusLine())
			if err := b.deps.Conn.SendCommand(ctx, reply); err != nil {
				b.logger.Warn("replying to status whisper", zap.String("identity", d.Sender), zap.Error(err))
			}
			return
		}
	}
	if err := b.deps.Dialogs.DeliverWhisper(ctx, d.Sender, d.Text); err != nil {
		b.logger.Warn("delivering whisper", zap.String("sender", d.Sender), zap.Error(err))
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

func isStatusRequest(text, prefix string) bool {
	res, ok := command.Parse(text, prefix)
	return ok && res.Command == "status" && len(res.Args) == 0
}

// publish posts a delivery into the relay channel, pinging keyword
// subscribers.
func (b *Bridge) publish(ctx context.Context, d classify.Delivery) {
	ctx, span := b.tracer.Start(ctx, "relay.publish", trace.WithAttributes(
		attribute.String("relay.display", d.Display),
		attribute.Bool("relay.automation", d.Automation),
	))
	defer span.End()

	content := FormatDelivery(d)
	if mentions := b.keywordMentions(ctx, d.Text); len(mentions) > 0 {
		content += "\n" + strings.Join(mentions, " ")
	}
	if _, err := b.deps.Platform.SendMessage(ctx, b.opts.RelayChannelID, platform.Message{Content: content}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.logger.Warn("publishing to relay channel", zap.Error(err))
	}
}

// FormatDelivery renders a delivery as relay channel content.
func FormatDelivery(d classify.Delivery) string {
	if d.Automation {
		return fmt.Sprintf("**%s**: > %s", d.Display, d.Quote)
	}
	return fmt.Sprintf("**%s**: %s", d.Display, d.Text)
}

func (b *Bridge) keywordMentions(ctx context.Context, text string) []string {
	subs, err := b.deps.Store.AllKeywords(ctx)
	if err != nil {
		b.logger.Warn("loading keyword subscriptions", zap.Error(err))
		return nil
	}
	lower := strings.ToLower(text)
	seen := make(map[string]struct{})
	var out []string
	for _, s := range subs {
		if s.Keyword == "" || !strings.Contains(lower, s.Keyword) {
			continue
		}
		if _, dup := seen[s.UserID]; dup {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, platform.Mention(s.UserID))
	}
	sort.Strings(out)
	return out
}

// HandleMessage routes a platform message: relay channel lines go to the
// world, bridge commands are executed and owner posts in a dialog channel
// become whispers.
func (b *Bridge) HandleMessage(ctx context.Context, msg platform.IncomingMessage) {
	if msg.Bot || msg.AuthorID == b.deps.Platform.BotUserID() {
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	ctx, span := b.tracer.Start(ctx, "relay.platform_message", trace.WithAttributes(
		attribute.String("platform.channel", msg.ChannelID),
		attribute.String("platform.author", msg.AuthorID),
	))
	defer span.End()

	if msg.ChannelID == b.opts.RelayChannelID {
		if res, ok := command.Parse(content, b.opts.CommandPrefix); ok {
			if cmd, found := b.registry.Resolve(res.Command); found {
				b.runCommand(ctx, msg, cmd, res)
				return
			}
		}
		line := fmt.Sprintf("%s%s: %s", b.opts.Prefix, msg.AuthorName, content)
		if err := b.deps.Conn.SendCommand(ctx, line); err != nil {
			span.RecordError(err)
			b.logger.Info("relaying to world failed", zap.Error(err))
			if errors.Is(err, connection.ErrOffline) {
				b.reply(ctx, msg.ChannelID, "The world is offline; message not sent.")
			}
		}
		return
	}

	info, ok := b.deps.Dialogs.Lookup(ctx, msg.ChannelID)
	if !ok || info.Requester != msg.AuthorID || info.Target == "" {
		return
	}
	if _, err := b.deps.Dialogs.SendOutbound(ctx, msg.AuthorID, info.Target, content); err != nil {
		span.RecordError(err)
		b.logger.Info("dialog whisper failed", zap.String("target", info.Target), zap.Error(err))
		b.reply(ctx, msg.ChannelID, "Could not whisper "+info.Target+": "+userError(err))
	}
}

func (b *Bridge) runCommand(ctx context.Context, msg platform.IncomingMessage, cmd *command.Command, res command.ParseResult) {
	b.logger.Info("bridge command",
		zap.String("command", cmd.Name),
		zap.String("author", msg.AuthorID))

	switch cmd.Handler {
	case command.HandlerWhisper:
		if len(res.Args) < 2 {
			b.reply(ctx, msg.ChannelID, "Usage: `"+b.opts.CommandPrefix+cmd.Name+" "+cmd.Usage+"`")
			return
		}
		target := res.Args[0]
		ch, err := b.deps.Dialogs.SendOutbound(ctx, msg.AuthorID, target, res.After(1))
		if err != nil {
			b.reply(ctx, msg.ChannelID, "Could not whisper "+target+": "+userError(err))
			return
		}
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Whispered **%s**; continue in %s.", target, platform.ChannelMention(ch)))

	case command.HandlerPause:
		var d time.Duration
		if len(res.Args) > 0 {
			minutes, err := strconv.Atoi(res.Args[0])
			if err != nil || minutes <= 0 {
				b.reply(ctx, msg.ChannelID, "Usage: `"+b.opts.CommandPrefix+cmd.Name+" "+cmd.Usage+"`")
				return
			}
			d = time.Duration(minutes) * time.Minute
		}
		b.deps.Conn.Pause(d)
		if d > 0 {
			b.reply(ctx, msg.ChannelID, fmt.Sprintf("Paused for %s.", d))
		} else {
			b.reply(ctx, msg.ChannelID, "Paused until resumed.")
		}

	case command.HandlerResume:
		b.deps.Conn.Resume(ctx)
		b.reply(ctx, msg.ChannelID, "Resuming.")

	case command.HandlerStatus:
		b.reply(ctx, msg.ChannelID, b.StatusText())

	case command.HandlerKeyword:
		b.keywordCommand(ctx, msg, res)

	case command.HandlerHelp:
		b.reply(ctx, msg.ChannelID, b.registry.Help(b.opts.CommandPrefix))
	}
}

func (b *Bridge) keywordCommand(ctx context.Context, msg platform.IncomingMessage, res command.ParseResult) {
	usage := "Usage: `" + b.opts.CommandPrefix + "kw add|remove|list [word]`"
	if len(res.Args) == 0 {
		b.reply(ctx, msg.ChannelID, usage)
		return
	}
	sub := strings.ToLower(res.Args[0])
	word := storage.NormalizeKeyword(res.After(1))
	switch {
	case sub == "list":
		words, err := b.deps.Store.ListKeywords(ctx, msg.AuthorID)
		if err != nil {
			b.reply(ctx, msg.ChannelID, "Could not load keywords.")
			return
		}
		if len(words) == 0 {
			b.reply(ctx, msg.ChannelID, "You have no keywords.")
			return
		}
		b.reply(ctx, msg.ChannelID, "Your keywords: "+strings.Join(words, ", "))
	case sub == "add" && word != "":
		if err := b.deps.Store.AddKeyword(ctx, msg.AuthorID, word); err != nil {
			b.logger.Warn("adding keyword", zap.Error(err))
			b.reply(ctx, msg.ChannelID, "Could not save keyword.")
			return
		}
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("You will be pinged for %q.", word))
	case sub == "remove" && word != "":
		err := b.deps.Store.RemoveKeyword(ctx, msg.AuthorID, word)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			b.reply(ctx, msg.ChannelID, fmt.Sprintf("%q was not one of your keywords.", word))
		case err != nil:
			b.logger.Warn("removing keyword", zap.Error(err))
			b.reply(ctx, msg.ChannelID, "Could not remove keyword.")
		default:
			b.reply(ctx, msg.ChannelID, fmt.Sprintf("Removed %q.", word))
		}
	default:
		b.reply(ctx, msg.ChannelID, usage)
	}
}

// HandleInteraction handles claim buttons and dialog controls.
func (b *Bridge) HandleInteraction(ctx context.Context, in platform.Interaction) {
	ctx, span := b.tracer.Start(ctx, "relay.interaction", trace.WithAttributes(
		attribute.String("platform.custom_id", in.CustomID),
		attribute.String("platform.user", in.UserID),
	))
	defer span.End()

	var reply string
	switch {
	case strings.HasPrefix(in.CustomID, dialog.ClaimPrefix):
		target := strings.TrimPrefix(in.CustomID, dialog.ClaimPrefix)
		ch, err := b.deps.Dialogs.Claim(ctx, in.UserID, target)
		if err != nil {
			reply = "Could not claim " + target + ": " + userError(err)
			break
		}
		reply = "Dialog with **" + target + "** opened in " + platform.ChannelMention(ch) + "."

	case in.CustomID == dialog.DeleteButton:
		if err := b.deps.Dialogs.Delete(ctx, in.UserID, in.ChannelID); err != nil {
			reply = "Could not delete this dialog: " + userError(err)
		}

	case in.CustomID == dialog.TTLSelect:
		if len(in.Values) == 0 {
			return
		}
		minutes, err := strconv.Atoi(in.Values[0])
		if err != nil {
			reply = "Invalid duration."
			break
		}
		if err := b.deps.Dialogs.SetTTL(ctx, in.UserID, in.ChannelID, minutes); err != nil {
			reply = "Could not change the timer: " + userError(err)
			break
		}
		reply = fmt.Sprintf("This dialog will now be deleted %d minutes after the last message.", minutes)

	default:
		b.logger.Debug("unknown interaction", zap.String("custom_id", in.CustomID))
		return
	}

	if reply == "" {
		return
	}
	if err := in.Reply(ctx, reply); err != nil {
		b.logger.Debug("responding to interaction", zap.Error(err))
	}
}

func (b *Bridge) reply(ctx context.Context, channelID, content string) {
	if _, err := b.deps.Platform.SendMessage(ctx, channelID, platform.Message{Content: content}); err != nil {
		b.logger.Warn("sending reply", zap.String("channel", channelID), zap.Error(err))
	}
}

// StatusText renders the connection and dialog status for the platform.
func (b *Bridge) StatusText() string {
	st := b.deps.Conn.Status()
	now := b.deps.Clock.Now()
	var lines []string
	lines = append(lines, "World: "+describe(st, now))
	if st.LastReason != "" && st.State != connection.Connected {
		lines = append(lines, "Last reason: "+st.LastReason)
	}
	lines = append(lines, fmt.Sprintf("Reconnect backoff: %s", st.Backoff))
	lines = append(lines, fmt.Sprintf("Open dialogs: %d", len(b.deps.Dialogs.Sessions())))
	return strings.Join(lines, "\n")
}

func (b *Bridge) statusLine() string {
	return "relay " + describe(b.deps.Conn.Status(), b.deps.Clock.Now())
}

func describe(st connection.Status, now time.Time) string {
	switch {
	case st.State == connection.Connected:
		return fmt.Sprintf("connected as %s for %s", st.Identity, roundDuration(now.Sub(st.ConnectedAt)))
	case st.Paused && !st.ResumeAt.IsZero():
		return fmt.Sprintf("paused, resuming in %s", roundDuration(st.ResumeAt.Sub(now)))
	case st.Paused:
		return "paused until resumed"
	case st.State == connection.ReconnectScheduled && !st.ReconnectAt.IsZero():
		return fmt.Sprintf("reconnecting in %s", roundDuration(st.ReconnectAt.Sub(now)))
	default:
		return st.State.String()
	}
}

func roundDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

// userError maps internal errors onto short user-facing text.
func userError(err error) string {
	switch {
	case errors.Is(err, dialog.ErrClaimUnavailable):
		return dialog.ErrClaimUnavailable.Error()
	case errors.Is(err, dialog.ErrNotOwner):
		return dialog.ErrNotOwner.Error()
	case errors.Is(err, dialog.ErrNoCategory):
		return "cannot create dialog channel"
	case errors.Is(err, dialog.ErrInvalidTTL):
		return dialog.ErrInvalidTTL.Error()
	case errors.Is(err, dialog.ErrOwnerUnknown):
		return dialog.ErrOwnerUnknown.Error()
	case errors.Is(err, connection.ErrOffline):
		return "the world is offline"
	default:
		return "internal error"
	}
}

// Close cancels pending public relays.
func (b *Bridge) Close() {
	b.deps.Pending.StopAll()
}
