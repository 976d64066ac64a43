// Package discord implements platform.Platform on top of a discordgo session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/platform"
)

// channelAccess is the permission set a Grant allows or denies.
const channelAccess = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionReadMessageHistory

// Client is a discordgo-backed platform.Platform.
type Client struct {
	session *discordgo.Session
	guildID string
	logger  *zap.Logger

	mu      sync.Mutex
	removes []func()
}

var _ platform.Platform = (*Client)(nil)

// New creates a Client for the bot token. The gateway is not opened until Open.
//
// Precondition: token and guildID must be non-empty; logger must be non-nil.
func New(token, guildID string, logger *zap.Logger) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	return &Client{session: s, guildID: guildID, logger: logger}, nil
}

// Open connects to the gateway and routes inbound activity to h.
//
// Precondition: h must be non-nil.
func (c *Client) Open(h platform.Handler) error {
	c.mu.Lock()
	c.removes = append(c.removes,
		c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m.GuildID != "" && m.GuildID != c.guildID {
				return
			}
			h.HandleMessage(context.Background(), toIncoming(m.Message))
		}),
		c.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
			if ic.Type != discordgo.InteractionMessageComponent {
				return
			}
			h.HandleInteraction(context.Background(), c.toInteraction(s, ic.Interaction))
		}),
		c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			c.logger.Info("discord gateway ready",
				zap.String("user", r.User.Username),
				zap.Int("guilds", len(r.Guilds)),
			)
		}),
	)
	c.mu.Unlock()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	return nil
}

// Close detaches handlers and disconnects from the gateway.
func (c *Client) Close() error {
	c.mu.Lock()
	removes := c.removes
	c.removes = nil
	c.mu.Unlock()
	for _, rm := range removes {
		rm()
	}
	return c.session.Close()
}

// BotUserID implements platform.Platform.
func (c *Client) BotUserID() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

// CreateChannel implements platform.Platform.
func (c *Client) CreateChannel(ctx context.Context, parentID, name string, grants []platform.Grant) (string, error) {
	ch, err := c.session.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             parentID,
		PermissionOverwrites: toOverwrites(grants),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("creating channel %q: %w", name, translate(err))
	}
	return ch.ID, nil
}

// DeleteChannel implements platform.Platform.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := c.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, translate(err))
	}
	return nil
}

// ChannelGrants implements platform.Platform.
func (c *Client) ChannelGrants(ctx context.Context, channelID string) ([]platform.Grant, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("reading channel %s: %w", channelID, translate(err))
	}
	return fromOverwrites(ch.PermissionOverwrites), nil
}

// SendMessage implements platform.Platform.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg platform.Message) (platform.MessageRef, error) {
	sent, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         msg.Content,
		Embeds:          toEmbeds(msg.Footer),
		Components:      toComponents(msg),
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return platform.MessageRef{}, fmt.Errorf("sending to %s: %w", channelID, translate(err))
	}
	return platform.MessageRef{ChannelID: sent.ChannelID, MessageID: sent.ID}, nil
}

// EditMessage implements platform.Platform.
func (c *Client) EditMessage(ctx context.Context, ref platform.MessageRef, msg platform.Message) error {
	components := toComponents(msg)
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).
		SetContent(msg.Content).
		SetEmbeds(toEmbeds(msg.Footer))
	edit.Components = &components
	if _, err := c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("editing %s/%s: %w", ref.ChannelID, ref.MessageID, translate(err))
	}
	return nil
}

// DeleteMessage implements platform.Platform.
func (c *Client) DeleteMessage(ctx context.Context, ref platform.MessageRef) error {
	if err := c.session.ChannelMessageDelete(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", ref.ChannelID, ref.MessageID, translate(err))
	}
	return nil
}

func (c *Client) toInteraction(s *discordgo.Session, i *discordgo.Interaction) platform.Interaction {
	data := i.MessageComponentData()
	in := platform.Interaction{
		ChannelID: i.ChannelID,
		CustomID:  data.CustomID,
		Values:    data.Values,
	}
	if i.Message != nil {
		in.MessageID = i.Message.ID
	}
	if u := interactionUser(i); u != nil {
		in.UserID = u.ID
		in.UserName = u.Username
	}
	in.Respond = func(ctx context.Context, content string) error {
		err := s.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		}, discordgo.WithContext(ctx))
		if err != nil {
			c.logger.Debug("interaction response failed", zap.Error(err))
		}
		return err
	}
	return in
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func toIncoming(m *discordgo.Message) platform.IncomingMessage {
	in := platform.IncomingMessage{
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		in.AuthorID = m.Author.ID
		in.AuthorName = m.Author.Username
		in.Bot = m.Author.Bot
	}
	if m.Member != nil && m.Member.Nick != "" {
		in.AuthorName = m.Member.Nick
	}
	return in
}

func toOverwrites(grants []platform.Grant) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(grants))
	for _, g := range grants {
		o := &discordgo.PermissionOverwrite{ID: g.ID, Type: discordgo.PermissionOverwriteTypeRole}
		if g.Type == platform.GrantMember {
			o.Type = discordgo.PermissionOverwriteTypeMember
		}
		if g.Allow {
			o.Allow = channelAccess
		} else {
			o.Deny = channelAccess
		}
		out = append(out, o)
	}
	return out
}

// fromOverwrites keeps only overwrites that decide channel visibility.
func fromOverwrites(ows []*discordgo.PermissionOverwrite) []platform.Grant {
	var out []platform.Grant
	for _, o := range ows {
		g := platform.Grant{ID: o.ID, Type: platform.GrantRole}
		if o.Type == discordgo.PermissionOverwriteTypeMember {
			g.Type = platform.GrantMember
		}
		switch {
		case o.Allow&discordgo.PermissionViewChannel != 0:
			g.Allow = true
		case o.Deny&discordgo.PermissionViewChannel != 0:
			g.Allow = false
		default:
			continue
		}
		out = append(out, g)
	}
	return out
}

func toEmbeds(footer string) []*discordgo.MessageEmbed {
	if footer == "" {
		return []*discordgo.MessageEmbed{}
	}
	return []*discordgo.MessageEmbed{{Footer: &discordgo.MessageEmbedFooter{Text: footer}}}
}

func toComponents(msg platform.Message) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	if len(msg.Buttons) > 0 {
		buttons := make([]discordgo.MessageComponent, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			style := discordgo.PrimaryButton
			if b.Danger {
				style = discordgo.DangerButton
			}
			buttons = append(buttons, discordgo.Button{Label: b.Label, Style: style, CustomID: b.CustomID})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}
	if msg.Select != nil {
		opts := make([]discordgo.SelectMenuOption, 0, len(msg.Select.Options))
		for _, o := range msg.Select.Options {
			opts = append(opts, discordgo.SelectMenuOption{Label: o.Label, Value: o.Value})
		}
		rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.StringSelectMenu,
				CustomID:    msg.Select.CustomID,
				Placeholder: msg.Select.Placeholder,
				Options:     opts,
			},
		}})
	}
	return rows
}

// translate maps REST errors the relay reacts to onto platform errors.
func translate(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownChannel {
		return fmt.Errorf("%w: %v", platform.ErrUnknownChannel, err)
	}
	if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound && rest.Message == nil {
		return fmt.Errorf("%w: %v", platform.ErrUnknownChannel, err)
	}
	return err
}
