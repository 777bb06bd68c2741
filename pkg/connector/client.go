// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
)

// maxWebhookUsername is Discord's limit on webhook display names.
const maxWebhookUsername = 80

// maxChannelName is Discord's limit on channel names.
const maxChannelName = 100

// maxDownloadSize bounds media downloads from either side.
const maxDownloadSize = 100 << 20

// ErrTooLarge is returned by downloads exceeding maxDownloadSize.
var ErrTooLarge = errors.New("download exceeds size limit")

// readLimited reads all of r, failing instead of truncating when r holds
// more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// discordSession is the part of *discordgo.Session the client uses. Tests
// inject a fake instead of a live gateway connection.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
	GuildBanDelete(guildID, userID string, options ...discordgo.RequestOption) error
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

var _ discordSession = (*discordgo.Session)(nil)

// DiscordClient implements DiscordAPI, DirectoryProvider, ModerationHandler
// and StateSyncHook on top of a discordgo session.
type DiscordClient struct {
	session     discordSession
	state       *discordgo.State
	httpClient  *http.Client
	maxDownload int64
	webhookName string
	portals     PortalStore

	relayMu    sync.Mutex
	relays     map[string]*Relay
	relayGroup singleflight.Group

	log zerolog.Logger
}

var (
	_ DiscordAPI        = (*DiscordClient)(nil)
	_ DirectoryProvider = (*DiscordClient)(nil)
	_ ModerationHandler = (*DiscordClient)(nil)
	_ StateSyncHook     = (*DiscordClient)(nil)
)

// NewDiscordClient wraps a discordgo session. portals is used to find the
// guilds a moderated room is linked to.
func NewDiscordClient(s *discordgo.Session, webhookName string, portals PortalStore, log zerolog.Logger) *DiscordClient {
	return newDiscordClient(s, s.State, s.Client, webhookName, portals, log)
}

func newDiscordClient(s discordSession, state *discordgo.State, httpClient *http.Client, webhookName string, portals PortalStore, log zerolog.Logger) *DiscordClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DiscordClient{
		session:     s,
		state:       state,
		httpClient:  httpClient,
		maxDownload: maxDownloadSize,
		webhookName: webhookName,
		portals:     portals,
		relays:      make(map[string]*Relay),
		log:         log.With().Str("component", "discord_client").Logger(),
	}
}

func files(msg *OutboundMessage) []*discordgo.File {
	out := make([]*discordgo.File, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		out = append(out, &discordgo.File{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(a.Data),
		})
	}
	return out
}

// allowedMentions lets user mentions and unescaped broadcasts ping. The
// converter has already defused broadcasts that are not allowed.
func allowedMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{
			discordgo.AllowedMentionTypeUsers,
			discordgo.AllowedMentionTypeEveryone,
		},
	}
}

func (c *DiscordClient) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	sent, err := c.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content:         msg.Content,
		Embeds:          msg.Embeds,
		Files:           files(msg),
		AllowedMentions: allowedMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

// GetRelay returns the channel's bridge webhook, reusing an existing one with
// the configured name before creating a new one.
func (c *DiscordClient) GetRelay(ctx context.Context, channelID string) (*Relay, error) {
	c.relayMu.Lock()
	relay, ok := c.relays[channelID]
	c.relayMu.Unlock()
	if ok {
		return relay, nil
	}

	v, err, _ := c.relayGroup.Do(channelID, func() (any, error) {
		hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list webhooks: %w", err)
		}
		var hook *discordgo.Webhook
		for _, h := range hooks {
			if h.Name == c.webhookName && h.Token != "" {
				hook = h
				break
			}
		}
		if hook == nil {
			hook, err = c.session.WebhookCreate(channelID, c.webhookName, "", discordgo.WithContext(ctx))
			if err != nil {
				return nil, fmt.Errorf("failed to create webhook: %w", err)
			}
			c.log.Info().Str("channel_id", channelID).Str("webhook_id", hook.ID).Msg("Created webhook")
		}
		relay := &Relay{ID: hook.ID, Token: hook.Token}
		c.relayMu.Lock()
		c.relays[channelID] = relay
		c.relayMu.Unlock()
		return relay, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Relay), nil
}

// dropRelay forgets relay so the next GetRelay looks the webhook up again.
// A newer relay cached for the channel in the meantime is kept.
func (c *DiscordClient) dropRelay(channelID string, relay *Relay) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	if cached, ok := c.relays[channelID]; ok && cached.ID == relay.ID {
		delete(c.relays, channelID)
		c.log.Info().Str("channel_id", channelID).Str("webhook_id", relay.ID).Msg("Dropped deleted webhook")
	}
}

// isUnknownWebhook reports whether err means the webhook no longer exists.
func isUnknownWebhook(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownWebhook {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func webhookUsername(name string) string {
	runes := []rune(name)
	switch {
	case len(runes) == 0:
		return "Matrix user"
	case len(runes) > maxWebhookUsername:
		return string(runes[:maxWebhookUsername])
	default:
		return name
	}
}

func (c *DiscordClient) SendRelay(ctx context.Context, relay *Relay, msg *OutboundMessage) (string, error) {
	sent, err := c.session.WebhookExecute(relay.ID, relay.Token, true, &discordgo.WebhookParams{
		Content:         msg.Content,
		Username:        webhookUsername(msg.SenderName),
		AvatarURL:       msg.AvatarURL,
		Embeds:          msg.Embeds,
		Files:           files(msg),
		AllowedMentions: allowedMentions(),
	}, discordgo.WithContext(ctx))
	if isUnknownWebhook(err) {
		c.dropRelay(msg.ChannelID, relay)
	}
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

func (c *DiscordClient) Delete(ctx context.Context, channelID, messageID string) error {
	return c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

// Download fetches a Discord CDN URL.
func (c *DiscordClient) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}
	return readLimited(resp.Body, c.maxDownload)
}

func (c *DiscordClient) guild(guildID string) *discordgo.Guild {
	if c.state == nil || guildID == "" {
		return nil
	}
	g, err := c.state.Guild(guildID)
	if err != nil {
		return nil
	}
	return g
}

// MatrixDirectory snapshots the members, channels and emoji of a cached guild.
func (c *DiscordClient) MatrixDirectory(guildID string) matrixfmt.Directory {
	snap := matrixfmt.NewSnapshot()
	g := c.guild(guildID)
	if g == nil {
		return snap
	}
	c.state.RLock()
	defer c.state.RUnlock()
	for _, m := range g.Members {
		if m != nil && m.User != nil {
			snap.Members[m.User.ID] = struct{}{}
		}
	}
	for _, ch := range g.Channels {
		if ch != nil {
			snap.Channels[ch.ID] = struct{}{}
		}
	}
	for _, e := range g.Emojis {
		if e != nil && e.Name != "" {
			snap.Emoji[e.Name] = &matrixfmt.Emoji{ID: e.ID, Name: e.Name, Animated: e.Animated}
		}
	}
	return snap
}

// DiscordDirectory snapshots a cached guild for Discord to Matrix conversion.
func (c *DiscordClient) DiscordDirectory(guildID string) discordfmt.Directory {
	g := c.guild(guildID)
	if g == nil {
		return discordfmt.NewSnapshot()
	}
	c.state.RLock()
	defer c.state.RUnlock()
	return discordfmt.SnapshotFromGuild(g)
}

// HandleModeration applies a Matrix kick, ban or unban of a ghost to every
// guild the room is linked to.
func (c *DiscordClient) HandleModeration(ctx context.Context, action *ModerationAction) error {
	portals, err := c.portals.PortalsByRoom(ctx, action.RoomID.String())
	if err != nil {
		return fmt.Errorf("failed to look up portals: %w", err)
	}
	reason := fmt.Sprintf("%s by %s on Matrix", action.Kind, action.Actor)
	if action.Reason != "" {
		reason += ": " + action.Reason
	}

	seen := make(map[string]struct{}, len(portals))
	var errs []error
	for _, p := range portals {
		if _, ok := seen[p.GuildID]; ok {
			continue
		}
		seen[p.GuildID] = struct{}{}

		opt := discordgo.WithContext(ctx)
		switch action.Kind {
		case ModerationKick:
			err = c.session.GuildMemberDeleteWithReason(p.GuildID, action.DiscordUserID, reason, opt)
		case ModerationBan:
			err = c.session.GuildBanCreateWithReason(p.GuildID, action.DiscordUserID, reason, 0, opt)
		case ModerationUnban:
			err = c.session.GuildBanDelete(p.GuildID, action.DiscordUserID, opt)
		default:
			err = fmt.Errorf("unknown moderation kind %d", action.Kind)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to %s in guild %s: %w", action.Kind, p.GuildID, err))
		}
	}
	return errors.Join(errs...)
}

// SyncState copies Matrix room name and topic changes to every linked
// channel. Membership changes are ignored.
func (c *DiscordClient) SyncState(ctx context.Context, evt *event.Event) error {
	edit := &discordgo.ChannelEdit{}
	switch evt.Type.Type {
	case event.StateRoomName.Type:
		edit.Name = channelName(evt.Content.AsRoomName().Name)
		if edit.Name == "" {
			return nil
		}
	case event.StateTopic.Type:
		edit.Topic = evt.Content.AsTopic().Topic
		if edit.Topic == "" {
			return nil
		}
	default:
		return nil
	}

	portals, err := c.portals.PortalsByRoom(ctx, evt.RoomID.String())
	if err != nil {
		return fmt.Errorf("failed to look up portals: %w", err)
	}
	var errs []error
	for _, p := range portals {
		if _, err := c.session.ChannelEdit(p.ChannelID, edit, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("failed to edit channel %s: %w", p.ChannelID, err))
		}
	}
	return errors.Join(errs...)
}

// channelName turns a room name into a Discord text channel name.
func channelName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if runes := []rune(out); len(runes) > maxChannelName {
		out = strings.TrimSuffix(string(runes[:maxChannelName]), "-")
	}
	return out
}

// AddHandlers routes gateway events of s through r.
func AddHandlers(ctx context.Context, s *discordgo.Session, r *Router) {
	// Events must reach the router in gateway order so they are queued in
	// arrival order. Slow work runs in the delivery chains.
	s.SyncEvents = true
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.Ready) {
		r.SetDiscordBotID(e.User.ID)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageCreate) {
		_ = r.HandleDiscordMessage(ctx, e.Message)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageUpdate) {
		_ = r.HandleDiscordEdit(ctx, e.Message, e.BeforeUpdate)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageDelete) {
		_ = r.HandleDiscordDelete(ctx, e.ChannelID, e.ID)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildCreate) {
		go r.Emoji().HandleGuildEmojis(ctx, e.ID, e.Emojis)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildEmojisUpdate) {
		go r.Emoji().HandleGuildEmojis(ctx, e.GuildID, e.Emojis)
	})
}

