// Package dialog maps private world conversations onto dedicated,
// auto-expiring platform channels, one per (requester, target) pair.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/platform"
	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/suppress"
	"github.com/cory-johannsen/worldrelay/internal/textutil"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

var (
	// ErrNoCategory is returned when no parent category is configured for
	// dialog channels.
	ErrNoCategory = errors.New("cannot create dialog channel: no dialog category configured")
	// ErrNoClaimChannel is returned when an unclaimed whisper cannot be
	// announced because no claim channel is configured.
	ErrNoClaimChannel = errors.New("cannot post claim prompt: no claim channel configured")
	// ErrClaimUnavailable is returned by Claim when the claim no longer exists.
	ErrClaimUnavailable = errors.New("already claimed or expired")
	// ErrNotOwner is returned when a non-owner tries to manage a dialog.
	ErrNotOwner = errors.New("only the dialog owner may do that")
	// ErrOwnerUnknown is returned when a channel's owner cannot be determined.
	ErrOwnerUnknown = errors.New("dialog owner unknown")
	// ErrInvalidTTL is returned by SetTTL for a non-positive duration.
	ErrInvalidTTL = errors.New("ttl must be a positive number of minutes")
)

// Interaction custom IDs attached to dialog and claim messages.
const (
	ClaimPrefix  = "claim:"
	DeleteButton = "dialog:delete"
	TTLSelect    = "dialog:ttl"
)

// TTLChoices are the minute values offered by the TTL select.
var TTLChoices = []int{5, 10, 15, 30, 60}

// Commander issues commands to the live world session.
type Commander interface {
	SendCommand(ctx context.Context, text string) error
}

// Options configures a Manager.
type Options struct {
	// CategoryID is the parent group of dialog channels.
	CategoryID string
	// ClaimChannelID receives prompts for unclaimed whispers.
	ClaimChannelID string
	// EveryoneRoleID is the default role hidden from dialog channels.
	EveryoneRoleID    string
	DefaultTTL        time.Duration
	CountdownInterval time.Duration
	ClaimTTL          time.Duration
	// WhisperTemplate renders outbound whispers; see world.FormatWhisper.
	WhisperTemplate string
	// Guard, when set, runs timer and countdown callbacks.
	Guard func(where string, fn func())
}

// OptionsFromConfig assembles Options from validated configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		CategoryID:        cfg.Platform.DialogCategoryID,
		ClaimChannelID:    cfg.Platform.ClaimChannelID,
		EveryoneRoleID:    cfg.Platform.GuildID,
		DefaultTTL:        cfg.Dialog.DefaultTTL,
		CountdownInterval: cfg.Dialog.CountdownInterval,
		ClaimTTL:          cfg.Dialog.ClaimTTL,
		WhisperTemplate:   cfg.World.WhisperCommand,
	}
}

type sessionKey struct {
	requester string
	target    string
}

// Session is one dialog channel.
type Session struct {
	Requester string
	Target    string
	ChannelID string
	// TTL is the per-channel override; zero means the default.
	TTL      time.Duration
	Deadline time.Time

	countdown   *countdown
	// postSeq numbers posts; countdownSeq is the post that owns countdown.
	postSeq      uint64
	countdownSeq uint64
	deleteTimer  clockwork.Timer
	deleteID    uuid.UUID
}

// PendingClaim is an unclaimed whisper waiting in the claim channel.
type PendingClaim struct {
	Target    string
	Body      string
	Prompt    platform.MessageRef
	UpdatedAt time.Time

	expiry   clockwork.Timer
	expiryID uuid.UUID
}

// Manager owns the dialog session and pending claim tables.
// All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	platform platform.Platform
	world    Commander
	markers  *suppress.Store
	owners   storage.DialogOwnerRepository
	clock    clockwork.Clock
	logger   *zap.Logger

	// createMu serializes channel and claim prompt creation. It is held
	// across platform calls; mu never is.
	createMu sync.Mutex

	mu        sync.Mutex
	sessions  map[sessionKey]*Session
	byChannel map[string]*Session
	claims    map[string]*PendingClaim
	closed    bool
}

// NewManager creates an empty Manager.
//
// Precondition: every argument must be non-nil.
func NewManager(opts Options, p platform.Platform, w Commander, markers *suppress.Store,
	owners storage.DialogOwnerRepository, clock clockwork.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		opts:      opts,
		platform:  p,
		world:     w,
		markers:   markers,
		owners:    owners,
		clock:     clock,
		logger:    logger,
		sessions:  make(map[sessionKey]*Session),
		byChannel: make(map[string]*Session),
		claims:    make(map[string]*PendingClaim),
	}
}

func keyFor(requester, target string) sessionKey {
	return sessionKey{requester: requester, target: textutil.Fold(target)}
}

// DeliverWhisper posts body into every dialog whose target is sender. When
// no dialog exists a claim prompt is created, or edited in place if one is
// already waiting for sender.
func (m *Manager) DeliverWhisper(ctx context.Context, sender, body string) error {
	targets := m.sessionsFor(sender)
	if len(targets) == 0 {
		return m.upsertClaim(ctx, sender, body)
	}
	var errs []error
	for _, s := range targets {
		if err := m.post(ctx, s, formatInbound(sender, body)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) sessionsFor(target string) []*Session {
	folded := textutil.Fold(target)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for k, s := range m.sessions {
		if k.target == folded {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (m *Manager) upsertClaim(ctx context.Context, sender, body string) error {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	// A claim may have completed while we waited.
	if targets := m.sessionsFor(sender); len(targets) > 0 {
		var errs []error
		for _, s := range targets {
			errs = append(errs, m.post(ctx, s, formatInbound(sender, body)))
		}
		return errors.Join(errs...)
	}

	folded := textutil.Fold(sender)
	m.mu.Lock()
	pc, ok := m.claims[folded]
	if ok {
		pc.Body = body
		pc.UpdatedAt = m.clock.Now()
		m.armClaimExpiryLocked(folded, pc)
		ref := pc.Prompt
		m.mu.Unlock()
		if err := m.platform.EditMessage(ctx, ref, claimPrompt(sender, body)); err != nil {
			m.logger.Warn("editing claim prompt", zap.String("target", sender), zap.Error(err))
		}
		return nil
	}
	m.mu.Unlock()

	if m.opts.ClaimChannelID == "" {
		return ErrNoClaimChannel
	}
	ref, err := m.platform.SendMessage(ctx, m.opts.ClaimChannelID, claimPrompt(sender, body))
	if err != nil {
		return fmt.Errorf("posting claim prompt: %w", err)
	}

	m.mu.Lock()
	pc = &PendingClaim{Target: sender, Body: body, Prompt: ref, UpdatedAt: m.clock.Now()}
	m.claims[folded] = pc
	m.armClaimExpiryLocked(folded, pc)
	m.mu.Unlock()
	m.logger.Info("claim prompt posted", zap.String("target", sender))
	return nil
}

func (m *Manager) armClaimExpiryLocked(folded string, pc *PendingClaim) {
	if pc.expiry != nil {
		pc.expiry.Stop()
	}
	if m.opts.ClaimTTL <= 0 {
		pc.expiry = nil
		return
	}
	id := uuid.New()
	pc.expiryID = id
	pc.expiry = m.clock.AfterFunc(m.opts.ClaimTTL, m.guarded("claim expiry", func() {
		m.mu.Lock()
		cur, ok := m.claims[folded]
		if !ok || cur.expiryID != id {
			m.mu.Unlock()
			return
		}
		delete(m.claims, folded)
		m.mu.Unlock()

		msg := platform.Message{Content: fmt.Sprintf("Whisper from **%s** expired unclaimed.", cur.Target)}
		if err := m.platform.EditMessage(context.Background(), cur.Prompt, msg); err != nil {
			m.logger.Debug("editing expired claim prompt", zap.Error(err))
		}
		m.logger.Info("claim expired", zap.String("target", cur.Target))
	}))
}

// Claim hands the pending whisper from target to requester, creating the
// dialog channel if needed.
//
// Postcondition: On success the claim is removed and its body has been
// posted into the returned channel; on failure the claim is left in place.
func (m *Manager) Claim(ctx context.Context, requester, target string) (string, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	folded := textutil.Fold(target)
	m.mu.Lock()
	pc, ok := m.claims[folded]
	if !ok {
		m.mu.Unlock()
		return "", ErrClaimUnavailable
	}
	delete(m.claims, folded)
	if pc.expiry != nil {
		pc.expiry.Stop()
	}
	m.mu.Unlock()

	s, err := m.ensureSessionLocked(ctx, requester, pc.Target)
	if err != nil {
		m.mu.Lock()
		if _, taken := m.claims[folded]; !taken {
			m.claims[folded] = pc
			m.armClaimExpiryLocked(folded, pc)
		}
		m.mu.Unlock()
		return "", err
	}

	if err := m.post(ctx, s, formatInbound(pc.Target, pc.Body)); err != nil {
		m.logger.Warn("delivering claimed whisper", zap.String("channel", s.ChannelID), zap.Error(err))
	}
	msg := platform.Message{Content: fmt.Sprintf("Whisper from **%s** claimed by %s.", pc.Target, platform.Mention(requester))}
	if err := m.platform.EditMessage(ctx, pc.Prompt, msg); err != nil {
		m.logger.Debug("editing claimed prompt", zap.Error(err))
	}
	m.logger.Info("whisper claimed", zap.String("target", pc.Target), zap.String("requester", requester))
	return s.ChannelID, nil
}

// SendOutbound whispers text to target on behalf of requester and mirrors
// it into their dialog channel, creating the channel if needed.
func (m *Manager) SendOutbound(ctx context.Context, requester, target, text string) (string, error) {
	m.createMu.Lock()
	s, err := m.ensureSessionLocked(ctx, requester, target)
	m.createMu.Unlock()
	if err != nil {
		return "", err
	}

	cmd := world.FormatWhisper(m.opts.WhisperTemplate, target, text)
	if err := m.world.SendCommand(ctx, cmd); err != nil {
		return s.ChannelID, fmt.Errorf("sending whisper to %s: %w", target, err)
	}
	m.markers.Mark(suppress.Outbound, target, textutil.Normalize(text))

	if err := m.post(ctx, s, formatOutbound(target, text)); err != nil {
		return s.ChannelID, err
	}
	return s.ChannelID, nil
}

// ensureSessionLocked returns the session for (requester, target), creating
// its channel when absent. createMu must be held.
func (m *Manager) ensureSessionLocked(ctx context.Context, requester, target string) (*Session, error) {
	k := keyFor(requester, target)
	m.mu.Lock()
	if s, ok := m.sessions[k]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if m.opts.CategoryID == "" {
		return nil, ErrNoCategory
	}
	grants := []platform.Grant{
		{ID: m.opts.EveryoneRoleID, Type: platform.GrantRole, Allow: false},
		{ID: m.platform.BotUserID(), Type: platform.GrantMember, Allow: true},
		{ID: requester, Type: platform.GrantMember, Allow: true},
	}
	channelID, err := m.platform.CreateChannel(ctx, m.opts.CategoryID, channelName(target), grants)
	if err != nil {
		return nil, fmt.Errorf("creating dialog channel for %s: %w", target, err)
	}

	now := m.clock.Now()
	s := &Session{Requester: requester, Target: target, ChannelID: channelID}
	m.mu.Lock()
	m.sessions[k] = s
	m.byChannel[channelID] = s
	m.rescheduleLocked(s, now)
	m.mu.Unlock()

	rec := storage.DialogOwner{ChannelID: channelID, OwnerID: requester, Target: target, CreatedAt: now}
	if err := m.owners.SaveDialogOwner(ctx, rec); err != nil {
		m.logger.Warn("saving dialog owner", zap.String("channel", channelID), zap.Error(err))
	}
	m.logger.Info("dialog channel created",
		zap.String("channel", channelID),
		zap.String("requester", requester),
		zap.String("target", target),
	)
	return s, nil
}

func (m *Manager) effectiveTTL(s *Session) time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return m.opts.DefaultTTL
}

// rescheduleLocked sets the deadline to now + effective TTL and replaces the
// auto-delete timer.
func (m *Manager) rescheduleLocked(s *Session, now time.Time) {
	if s.deleteTimer != nil {
		s.deleteTimer.Stop()
	}
	ttl := m.effectiveTTL(s)
	s.Deadline = now.Add(ttl)
	id := uuid.New()
	s.deleteID = id
	s.deleteTimer = m.clock.AfterFunc(ttl, m.guarded("dialog expiry", func() { m.expire(s.ChannelID, id) }))
}

func (m *Manager) guarded(where string, fn func()) func() {
	if m.opts.Guard == nil {
		return fn
	}
	return func() { m.opts.Guard(where, fn) }
}

func (m *Manager) expire(channelID string, id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.byChannel[channelID]
	if !ok || s.deleteID != id {
		m.mu.Unlock()
		return
	}
	cd := m.removeLocked(s)
	m.mu.Unlock()

	m.logger.Info("dialog channel expired", zap.String("channel", channelID))
	m.teardown(context.Background(), channelID, cd)
}

// removeLocked drops s from every table and stops its timer. The returned
// countdown must be stopped by the caller outside the lock.
func (m *Manager) removeLocked(s *Session) *countdown {
	delete(m.byChannel, s.ChannelID)
	delete(m.sessions, keyFor(s.Requester, s.Target))
	if s.deleteTimer != nil {
		s.deleteTimer.Stop()
		s.deleteTimer = nil
	}
	s.deleteID = uuid.Nil
	cd := s.countdown
	s.countdown = nil
	return cd
}

func (m *Manager) teardown(ctx context.Context, channelID string, cd *countdown) {
	if cd != nil {
		cd.stop(ctx, false)
	}
	if err := m.platform.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, platform.ErrUnknownChannel) {
		m.logger.Warn("deleting dialog channel", zap.String("channel", channelID), zap.Error(err))
	}
	if err := m.owners.DeleteDialogOwner(ctx, channelID); err != nil {
		m.logger.Warn("deleting dialog owner", zap.String("channel", channelID), zap.Error(err))
	}
}

// post sends content into the session channel with a fresh countdown,
// refreshing the deletion deadline and stripping the previous countdown.
func (m *Manager) post(ctx context.Context, s *Session, content string) error {
	m.mu.Lock()
	if m.byChannel[s.ChannelID] != s {
		m.mu.Unlock()
		return fmt.Errorf("dialog channel %s: %w", s.ChannelID, platform.ErrUnknownChannel)
	}
	now := m.clock.Now()
	m.rescheduleLocked(s, now)
	deadline := s.Deadline
	s.postSeq++
	seq := s.postSeq
	m.mu.Unlock()

	msg := dialogMessage(content)
	withFooter := msg
	withFooter.Footer = FormatRemaining(deadline.Sub(now))
	ref, err := m.platform.SendMessage(ctx, s.ChannelID, withFooter)
	if err != nil {
		m.logger.Warn("posting to dialog channel", zap.String("channel", s.ChannelID), zap.Error(err))
		return fmt.Errorf("posting to dialog channel: %w", err)
	}

	cd := newCountdown(m.clock, m.opts.CountdownInterval, m.platform, ref, msg, func() (time.Time, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.byChannel[s.ChannelID] != s {
			return time.Time{}, false
		}
		return s.Deadline, true
	}, m.logger)

	// A post that finishes after a newer one keeps no countdown.
	m.mu.Lock()
	live := m.byChannel[s.ChannelID] == s && !m.closed
	superseded := live && seq < s.countdownSeq
	var old *countdown
	if live && !superseded {
		old = s.countdown
		s.countdown = cd
		s.countdownSeq = seq
		m.mu.Unlock()
		go m.guarded("dialog countdown", func() { cd.run(context.WithoutCancel(ctx)) })()
	} else {
		m.mu.Unlock()
		cd.ticker.Stop()
	}
	if superseded {
		if err := m.platform.EditMessage(ctx, ref, platform.Message{Content: msg.Content}); err != nil {
			m.logger.Debug("stripping superseded dialog footer", zap.String("message", ref.MessageID), zap.Error(err))
		}
	}
	if old != nil {
		old.stop(ctx, true)
	}
	return nil
}

// Owner returns the platform user that owns channelID. The in-memory table
// is consulted first, then the persisted owner record, then the channel's
// access grants.
func (m *Manager) Owner(ctx context.Context, channelID string) (string, error) {
	m.mu.Lock()
	s, ok := m.byChannel[channelID]
	m.mu.Unlock()
	if ok {
		return s.Requester, nil
	}

	rec, err := m.owners.DialogOwner(ctx, channelID)
	if err == nil && rec.OwnerID != "" {
		return rec.OwnerID, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("loading dialog owner", zap.String("channel", channelID), zap.Error(err))
	}

	grants, err := m.platform.ChannelGrants(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("reading channel grants: %w", err)
	}
	owner := ""
	bot := m.platform.BotUserID()
	for _, g := range grants {
		if g.Type != platform.GrantMember || !g.Allow || g.ID == bot {
			continue
		}
		if owner != "" {
			return "", ErrOwnerUnknown
		}
		owner = g.ID
	}
	if owner == "" {
		return "", ErrOwnerUnknown
	}
	return owner, nil
}

func (m *Manager) authorize(ctx context.Context, actor, channelID string) error {
	owner, err := m.Owner(ctx, channelID)
	if err != nil {
		return err
	}
	if owner != actor {
		return ErrNotOwner
	}
	return nil
}

// Info describes a dialog channel for callers outside the package.
type Info struct {
	ChannelID string
	Requester string
	Target    string
	Deadline  time.Time
}

// Lookup returns the dialog bound to channelID. A channel known only from
// its persisted owner record is adopted with a fresh default deadline.
func (m *Manager) Lookup(ctx context.Context, channelID string) (Info, bool) {
	m.mu.Lock()
	s, ok := m.byChannel[channelID]
	if ok {
		info := s.info()
		m.mu.Unlock()
		return info, true
	}
	m.mu.Unlock()

	rec, err := m.owners.DialogOwner(ctx, channelID)
	if err != nil || rec.Target == "" {
		return Info{}, false
	}
	s = m.adopt(rec.ChannelID, rec.OwnerID, rec.Target)
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.info(), true
}

// adopt registers a channel that survived a restart.
func (m *Manager) adopt(channelID, requester, target string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byChannel[channelID]; ok {
		return s
	}
	k := keyFor(requester, target)
	if s, ok := m.sessions[k]; ok {
		return s
	}
	s := &Session{Requester: requester, Target: target, ChannelID: channelID}
	m.sessions[k] = s
	m.byChannel[channelID] = s
	m.rescheduleLocked(s, m.clock.Now())
	m.logger.Info("dialog channel adopted", zap.String("channel", channelID), zap.String("requester", requester))
	return s
}

func (s *Session) info() Info {
	return Info{ChannelID: s.ChannelID, Requester: s.Requester, Target: s.Target, Deadline: s.Deadline}
}

// SetTTL overrides the channel TTL and reschedules its deletion from now.
//
// Precondition: actor must own channelID.
// Postcondition: The channel deadline is now + minutes.
func (m *Manager) SetTTL(ctx context.Context, actor, channelID string, minutes int) error {
	if minutes <= 0 {
		return ErrInvalidTTL
	}
	if err := m.authorize(ctx, actor, channelID); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.byChannel[channelID]
	m.mu.Unlock()
	if !ok {
		target := ""
		if rec, err := m.owners.DialogOwner(ctx, channelID); err == nil {
			target = rec.Target
		}
		s = m.adopt(channelID, actor, target)
	}

	m.mu.Lock()
	s.TTL = time.Duration(minutes) * time.Minute
	m.rescheduleLocked(s, m.clock.Now())
	deadline := s.Deadline
	m.mu.Unlock()

	m.logger.Info("dialog ttl changed",
		zap.String("channel", channelID),
		zap.Int("minutes", minutes),
		zap.Time("deadline", deadline),
	)
	return nil
}

// Delete removes channelID immediately.
//
// Precondition: actor must own channelID.
func (m *Manager) Delete(ctx context.Context, actor, channelID string) error {
	if err := m.authorize(ctx, actor, channelID); err != nil {
		return err
	}
	m.mu.Lock()
	var cd *countdown
	if s, ok := m.byChannel[channelID]; ok {
		cd = m.removeLocked(s)
	}
	m.mu.Unlock()

	m.logger.Info("dialog channel deleted by owner", zap.String("channel", channelID))
	m.teardown(ctx, channelID, cd)
	return nil
}

// Sessions returns a snapshot of every live dialog ordered by channel ID.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.byChannel))
	for _, s := range m.byChannel {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Claims returns the targets with a pending claim, folded and sorted.
func (m *Manager) Claims() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.claims))
	for k := range m.claims {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close stops every timer and countdown. Channels are left in place.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var cds []*countdown
	for _, s := range m.byChannel {
		if s.deleteTimer != nil {
			s.deleteTimer.Stop()
		}
		s.deleteID = uuid.Nil
		if s.countdown != nil {
			cds = append(cds, s.countdown)
			s.countdown = nil
		}
	}
	for _, pc := range m.claims {
		if pc.expiry != nil {
			pc.expiry.Stop()
		}
		pc.expiryID = uuid.Nil
	}
	m.mu.Unlock()
	for _, cd := range cds {
		cd.stop(context.Background(), false)
	}
}

func formatInbound(sender, body string) string {
	return fmt.Sprintf("**%s**: %s", sender, body)
}

func formatOutbound(target, text string) string {
	return fmt.Sprintf("→ **%s**: %s", target, text)
}

func claimPrompt(target, body string) platform.Message {
	return platform.Message{
		Content: fmt.Sprintf("Unclaimed whisper from **%s**: %s", target, body),
		Buttons: []platform.Button{{Label: "Claim", CustomID: ClaimPrefix + target}},
	}
}

func dialogMessage(content string) platform.Message {
	opts := make([]platform.SelectOption, 0, len(TTLChoices))
	for _, n := range TTLChoices {
		opts = append(opts, platform.SelectOption{Label: fmt.Sprintf("%d minutes", n), Value: strconv.Itoa(n)})
	}
	return platform.Message{
		Content: content,
		Buttons: []platform.Button{{Label: "Delete", CustomID: DeleteButton, Danger: true}},
		Select:  &platform.Select{CustomID: TTLSelect, Placeholder: "Keep this dialog for...", Options: opts},
	}
}

// channelName renders a platform-safe channel name for target.
func channelName(target string) string {
	var b strings.Builder
	b.WriteString("dm-")
	for _, r := range strings.ToLower(target) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
