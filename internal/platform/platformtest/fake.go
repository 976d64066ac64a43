// Package platformtest provides an in-memory platform.Platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cory-johannsen/worldrelay/internal/platform"
)

// Channel is a channel created on the Fake.
type Channel struct {
	ID       string
	ParentID string
	Name     string
	Grants   []platform.Grant
}

// Fake records every platform call. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	seq      int
	botID    string
	channels map[string]*Channel
	messages map[platform.MessageRef]platform.Message
	order    []platform.MessageRef
	edits    map[platform.MessageRef]int
	deleted  []string

	// FailCreate, FailEdit and FailSend force the matching call to error.
	FailCreate error
	FailEdit   error
	FailSend   error
}

var _ platform.Platform = (*Fake)(nil)

// NewFake creates a Fake whose bot user ID is botID.
func NewFake(botID string) *Fake {
	return &Fake{
		botID:    botID,
		channels: make(map[string]*Channel),
		messages: make(map[platform.MessageRef]platform.Message),
		edits:    make(map[platform.MessageRef]int),
	}
}

func (f *Fake) BotUserID() string { return f.botID }

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) CreateChannel(_ context.Context, parentID, name string, grants []platform.Grant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	id := f.next("chan")
	f.channels[id] = &Channel{ID: id, ParentID: parentID, Name: name, Grants: append([]platform.Grant(nil), grants...)}
	return id, nil
}

// AddChannel registers a pre-existing channel, as if created before a restart.
func (f *Fake) AddChannel(id, name string, grants []platform.Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &Channel{ID: id, Name: name, Grants: grants}
}

func (f *Fake) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return platform.ErrUnknownChannel
	}
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *Fake) ChannelGrants(_ context.Context, channelID string) ([]platform.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, platform.ErrUnknownChannel
	}
	return append([]platform.Grant(nil), ch.Grants...), nil
}

func (f *Fake) SendMessage(_ context.Context, channelID string, msg platform.Message) (platform.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return platform.MessageRef{}, f.FailSend
	}
	ref := platform.MessageRef{ChannelID: channelID, MessageID: f.next("msg")}
	f.messages[ref] = msg
	f.order = append(f.order, ref)
	return ref, nil
}

func (f *Fake) EditMessage(_ context.Context, ref platform.MessageRef, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEdit != nil {
		return f.FailEdit
	}
	if _, ok := f.messages[ref]; !ok {
		return fmt.Errorf("unknown message %s", ref.MessageID)
	}
	f.messages[ref] = msg
	f.edits[ref]++
	return nil
}

func (f *Fake) DeleteMessage(_ context.Context, ref platform.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, ref)
	return nil
}

// SetFailEdit sets FailEdit under the Fake's lock.
func (f *Fake) SetFailEdit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEdit = err
}

// Channels returns a snapshot of live channels.
func (f *Fake) Channels() []Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, *ch)
	}
	return out
}

// Channel returns the live channel with id.
func (f *Fake) Channel(id string) (Channel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Deleted returns the IDs of deleted channels in deletion order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Messages returns the current content of every message sent to channelID,
// in send order.
func (f *Fake) Messages(channelID string) []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Message
	for _, ref := range f.order {
		if ref.ChannelID != channelID {
			continue
		}
		if msg, ok := f.messages[ref]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// Refs returns the refs of messages sent to channelID in send order.
func (f *Fake) Refs(channelID string) []platform.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.MessageRef
	for _, ref := range f.order {
		if ref.ChannelID == channelID {
			out = append(out, ref)
		}
	}
	return out
}

// Message returns the current content of ref.
func (f *Fake) Message(ref platform.MessageRef) (platform.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[ref]
	return msg, ok
}

// Edits returns how many times ref has been edited.
func (f *Fake) Edits(ref platform.MessageRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[ref]
}
