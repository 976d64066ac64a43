// Package platform defines the narrow contract the relay needs from a
// channel-based messaging platform.
package platform

import (
	"context"
	"errors"
)

// GrantType says whether a Grant targets a role or a single member.
type GrantType int

const (
	// GrantRole applies to every holder of a role.
	GrantRole GrantType = iota
	// GrantMember applies to one user.
	GrantMember
)

// Grant is one access rule on a channel: Allow true lets the subject view and
// post, Allow false hides the channel from it.
type Grant struct {
	ID    string
	Type  GrantType
	Allow bool
}

// Button is a clickable control attached to a message.
type Button struct {
	Label    string
	CustomID string
	Danger   bool
}

// SelectOption is one entry of a Select.
type SelectOption struct {
	Label string
	Value string
}

// Select is a drop-down control attached to a message.
type Select struct {
	CustomID    string
	Placeholder string
	Options     []SelectOption
}

// Message is outgoing message content. Footer is rendered as small text
// beneath Content; an empty Footer renders nothing.
type Message struct {
	Content string
	Footer  string
	Buttons []Button
	Select  *Select
}

// MessageRef identifies a posted message.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// IsZero reports whether r refers to no message.
func (r MessageRef) IsZero() bool {
	return r.MessageID == ""
}

// ErrUnknownChannel is returned when a channel no longer exists.
var ErrUnknownChannel = errors.New("unknown channel")

// Platform is the outbound side of a messaging platform.
type Platform interface {
	// BotUserID returns the relay's own user ID on the platform.
	BotUserID() string
	CreateChannel(ctx context.Context, parentID, name string, grants []Grant) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelGrants(ctx context.Context, channelID string) ([]Grant, error)
	SendMessage(ctx context.Context, channelID string, msg Message) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, msg Message) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// IncomingMessage is a message posted by a platform user.
type IncomingMessage struct {
	ChannelID  string
	AuthorID   string
	AuthorName string
	Content    string
	// Bot is true when the author is an automated account.
	Bot bool
}

// Interaction is a button press or select choice.
type Interaction struct {
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	CustomID  string
	Values    []string
	// Respond replies privately to the interacting user.
	Respond func(ctx context.Context, content string) error
}

// Reply calls Respond when it is set.
func (i Interaction) Reply(ctx context.Context, content string) error {
	if i.Respond == nil {
		return nil
	}
	return i.Respond(ctx, content)
}

// Handler consumes inbound platform activity.
type Handler interface {
	HandleMessage(ctx context.Context, msg IncomingMessage)
	HandleInteraction(ctx context.Context, in Interaction)
}

// Mention renders a user mention in message content.
func Mention(userID string) string {
	return "<@" + userID + ">"
}

// ChannelMention renders a channel link in message content.
func ChannelMention(channelID string) string {
	return "<#" + channelID + ">"
}
