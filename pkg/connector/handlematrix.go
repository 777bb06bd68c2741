// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

const unknownReplyContent = "Reply with unknown content"

// RenderParams control how a Matrix event is rendered for Discord.
type RenderParams struct {
	GuildID string
	// Depth is the reply nesting level of the event being rendered. Reply
	// context is only resolved at depth 0, so it is never more than one
	// level deep.
	Depth int
}

func (r *Router) handleMatrixMessage(ctx context.Context, evt *event.Event) (Outcome, error) {
	if r.isBridgeUser(evt.Sender) {
		return OutcomeEcho, nil
	}
	content := evt.Content.AsMessage()
	if args, ok := r.commandArgs(content.Body); ok {
		return OutcomeCommand, r.hooks.Command.HandleCommand(ctx, evt, args)
	}

	portals, err := r.portals.PortalsByRoom(ctx, evt.RoomID.String())
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to look up portals")
		return OutcomeDropped, nil
	}
	if len(portals) == 0 {
		return OutcomeDropped, nil
	}

	// Rendering and media transfer run inside the queued tasks so that
	// enqueue order, and therefore delivery order, is arrival order.
	media := sync.OnceValue(func() *outboundMedia {
		return r.fetchMedia(context.WithoutCancel(ctx), evt, content)
	})
	for _, p := range portals {
		r.enqueueSend(ctx, evt, p, func(ctx context.Context) *OutboundMessage {
			msg := r.RenderMessage(ctx, evt, RenderParams{GuildID: p.GuildID})
			msg.ChannelID = p.ChannelID
			media().apply(msg)
			return msg
		})
	}
	return OutcomeQueued, nil
}

func (r *Router) commandArgs(body string) ([]string, bool) {
	prefix := r.cfg.CommandPrefix
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return nil, false
	}
	rest := body[len(prefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\n' {
		return nil, false
	}
	return strings.Fields(rest), true
}

func isMediaEvent(evt *event.Event, content *event.MessageEventContent) bool {
	if evt.Type.Type == event.EventSticker.Type {
		return true
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return true
	default:
		return false
	}
}

// hasCaption reports whether a media event carries text besides its file name.
func hasCaption(content *event.MessageEventContent) bool {
	return content.FileName != "" && content.Body != "" && content.Body != content.FileName
}

// RenderMessage renders a Matrix message event for the given guild. At depth
// 0 a reply relation adds the replied-to message as an embed, rendered at
// depth 1 so its own reply is ignored. Failures fetching the sender profile or
// the replied-to event degrade to fallbacks instead of failing.
func (r *Router) RenderMessage(ctx context.Context, evt *event.Event, params RenderParams) *OutboundMessage {
	content := evt.Content.AsMessage()
	relatesTo := content.RelatesTo
	edit := false
	if content.NewContent != nil && relatesTo.GetReplaceID() != "" {
		content = content.NewContent
		edit = true
	}

	profile := r.profiles.Get(ctx, evt.RoomID, evt.Sender)
	msg := &OutboundMessage{
		SenderName: profile.DisplayName,
		AvatarURL:  r.avatarURL(ctx, profile.AvatarURL),
	}
	if msg.SenderName == "" {
		msg.SenderName = localpart(evt.Sender)
	}

	if !isMediaEvent(evt, content) || hasCaption(content) {
		conv := matrixfmt.Params{
			Directory:  r.directory.MatrixDirectory(params.GuildID),
			SenderName: msg.SenderName,
		}
		if strings.Contains(content.Body, "@room") || strings.Contains(content.FormattedBody, "@room") {
			conv.CanNotifyRoom = r.canNotifyRoom(ctx, evt.RoomID, evt.Sender)
		}
		msg.Content = r.toDiscord.Convert(ctx, content, conv)
		if edit {
			msg.Content = "*edit:* " + msg.Content
		}
	}

	if params.Depth == 0 {
		if replyTo := relatesTo.GetReplyTo(); replyTo != "" {
			r.addReplyContext(ctx, evt.RoomID, replyTo, params, msg)
		}
	}
	return msg
}

func (r *Router) avatarURL(ctx context.Context, mxc id.ContentURIString) string {
	if mxc == "" {
		return ""
	}
	url, err := r.matrix.MediaURL(mxc, 0, 0)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("mxc", string(mxc)).Msg("Failed to resolve avatar URL")
		return ""
	}
	return url
}

// addReplyContext fetches the replied-to event and attaches it as an embed.
// A ghost author is also mentioned in the content so Discord notifies them.
func (r *Router) addReplyContext(ctx context.Context, roomID id.RoomID, replyTo id.EventID, params RenderParams, msg *OutboundMessage) {
	embed := &discordgo.MessageEmbed{Description: unknownReplyContent}
	defer func() {
		msg.Embeds = append(msg.Embeds, embed)
	}()

	src, err := r.matrix.GetEvent(ctx, roomID, replyTo)
	if err == nil {
		err = parseContent(&src.Content, src.Type)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("reply_to", replyTo).Msg("Failed to fetch reply source")
		return
	}

	quoted := r.RenderMessage(ctx, src, RenderParams{GuildID: params.GuildID, Depth: params.Depth + 1})
	if quoted.Content != "" {
		embed.Description = quoted.Content
	} else if srcContent := src.Content.AsMessage(); isMediaEvent(src, srcContent) {
		embed.Description = matrixfmt.Escape(srcContent.GetFileName())
	}
	embed.Author = &discordgo.MessageEmbedAuthor{Name: quoted.SenderName, IconURL: quoted.AvatarURL}

	if discordID, ok := r.ghostID(src.Sender); ok {
		mention := "<@" + discordID + ">"
		if msg.Content == "" {
			msg.Content = mention
		} else {
			msg.Content += "\n" + mention
		}
		msg.Mentions = append(msg.Mentions, discordID)
	}
}

// outboundMedia is the file of a Matrix media event, either downloaded for
// inline upload or as a link when it exceeds the size ceiling.
type outboundMedia struct {
	name       string
	link       string
	attachment *Attachment
}

func (m *outboundMedia) apply(msg *OutboundMessage) {
	if m == nil {
		return
	}
	if m.attachment != nil {
		msg.Attachments = append(msg.Attachments, *m.attachment)
		return
	}
	link := "[" + matrixfmt.Escape(m.name) + "](" + m.link + ")"
	if msg.Content == "" {
		msg.Content = link
	} else {
		msg.Content += "\n" + link
	}
}

// fetchMedia downloads the file of a media event once for all destinations.
// The size ceiling is checked against the declared size and again against
// the downloaded size.
func (r *Router) fetchMedia(ctx context.Context, evt *event.Event, content *event.MessageEventContent) *outboundMedia {
	if !isMediaEvent(evt, content) || content.URL == "" {
		return nil
	}
	log := zerolog.Ctx(ctx)
	link, err := r.matrix.MediaURL(content.URL, 0, 0)
	if err != nil {
		log.Warn().Err(err).Str("mxc", string(content.URL)).Msg("Failed to resolve media URL")
		return nil
	}
	media := &outboundMedia{name: content.GetFileName(), link: link}

	ceiling := r.cfg.MaxAttachmentSize
	if ceiling <= 0 || (content.Info != nil && int64(content.Info.Size) > ceiling) {
		return media
	}
	data, err := r.matrix.Download(ctx, content.URL)
	if err != nil {
		log.Warn().Err(err).Str("mxc", string(content.URL)).Msg("Failed to download media, sending link")
		return media
	}
	if int64(len(data)) > ceiling {
		log.Debug().Int("size", len(data)).Msg("Downloaded media exceeds ceiling, sending link")
		return media
	}
	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	media.attachment = &Attachment{Name: media.name, ContentType: mimeType, Data: data}
	return media
}

// enqueueSend queues the rendering and delivery of evt on the chain of the
// portal's channel.
func (r *Router) enqueueSend(ctx context.Context, evt *event.Event, portal store.Portal, render func(ctx context.Context) *OutboundMessage) <-chan error {
	log := zerolog.Ctx(ctx).With().Str("channel_id", portal.ChannelID).Logger()
	return r.chains.Enqueue(ctx, portal.ChannelID, func(ctx context.Context) error {
		mechanism, messageID, err := r.send(ctx, render(ctx))
		r.metrics.delivery("matrix", mechanism, err)
		if err != nil {
			log.Err(err).Str("mechanism", mechanism).Msg("Failed to deliver message to Discord")
			return err
		}
		err = r.mappings.InsertMapping(ctx, &store.EventMapping{
			MatrixEventID:    evt.ID.String(),
			MatrixRoomID:     evt.RoomID.String(),
			DiscordMessageID: messageID,
			DiscordChannelID: portal.ChannelID,
			DiscordGuildID:   portal.GuildID,
		})
		if err != nil {
			log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to store event mapping")
			return err
		}
		log.Debug().Str("message_id", messageID).Str("mechanism", mechanism).Msg("Delivered message to Discord")
		return nil
	})
}

// send delivers msg through the channel's relay when possible and through the
// bot otherwise. A failed relay send is not retried through the bot.
func (r *Router) send(ctx context.Context, msg *OutboundMessage) (mechanism, messageID string, err error) {
	if r.useWebhooks {
		relay, err := r.discord.GetRelay(ctx, msg.ChannelID)
		switch {
		case err != nil:
			zerolog.Ctx(ctx).Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to get webhook, falling back to bot")
		case relay != nil:
			r.relayIDs.Store(relay.ID, struct{}{})
			messageID, err := r.discord.SendRelay(ctx, relay, msg)
			if err != nil {
				return "webhook", "", fmt.Errorf("failed to send through webhook: %w", err)
			}
			r.echoes.Set(messageID, struct{}{})
			return "webhook", messageID, nil
		}
	}
	messageID, err = r.discord.Send(ctx, botMessage(msg))
	if err != nil {
		return "bot", "", fmt.Errorf("failed to send as bot: %w", err)
	}
	return "bot", messageID, nil
}

// botMessage moves the sender and text into an embed, since the bot cannot
// take the sender's name and avatar. Mentions stay in the content so they
// still notify.
func botMessage(msg *OutboundMessage) *OutboundMessage {
	out := *msg
	body := &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: msg.SenderName, IconURL: msg.AvatarURL},
		Description: msg.Content,
	}
	mentions := make([]string, len(msg.Mentions))
	for i, m := range msg.Mentions {
		mentions[i] = "<@" + m + ">"
	}
	out.Content = strings.Join(mentions, " ")
	out.Embeds = append([]*discordgo.MessageEmbed{body}, msg.Embeds...)
	return &out
}
