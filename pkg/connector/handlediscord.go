// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// HandleDiscordMessage bridges a new Discord message to its linked room.
func (r *Router) HandleDiscordMessage(ctx context.Context, msg *discordgo.Message) error {
	log := r.discordLogger(msg.ChannelID, msg.ID)
	ctx = log.WithContext(ctx)
	outcome, err := r.handleDiscordMessage(ctx, msg)
	return r.finishDiscord(log, KindDiscordMessage, outcome, err)
}

// HandleDiscordEdit bridges an edit. before is the cached previous version
// and may be nil.
func (r *Router) HandleDiscordEdit(ctx context.Context, msg, before *discordgo.Message) error {
	log := r.discordLogger(msg.ChannelID, msg.ID)
	ctx = log.WithContext(ctx)
	outcome, err := r.handleDiscordEdit(ctx, msg, before)
	return r.finishDiscord(log, KindDiscordEdit, outcome, err)
}

// HandleDiscordDelete redacts the Matrix events of a deleted Discord message.
func (r *Router) HandleDiscordDelete(ctx context.Context, channelID, messageID string) error {
	log := r.discordLogger(channelID, messageID)
	ctx = log.WithContext(ctx)
	outcome, err := r.handleDiscordDelete(ctx, channelID, messageID)
	return r.finishDiscord(log, KindDiscordDelete, outcome, err)
}

func (r *Router) discordLogger(channelID, messageID string) zerolog.Logger {
	return r.log.With().Str("channel_id", channelID).Str("message_id", messageID).Logger()
}

func (r *Router) finishDiscord(log zerolog.Logger, kind EventKind, outcome Outcome, err error) error {
	r.metrics.event("discord", kind, outcome)
	if err != nil {
		log.Err(err).Stringer("outcome", outcome).Msg("Failed to route Discord event")
		return err
	}
	log.Debug().Stringer("outcome", outcome).Stringer("kind", kind).Msg("Routed Discord event")
	return nil
}

// ownMessage reports whether msg was sent by the bridge bot or has no author.
func (r *Router) ownMessage(msg *discordgo.Message) (Outcome, bool) {
	if msg.Author == nil {
		return OutcomeDropped, true
	}
	if botID := r.discordBotID(); botID != "" && msg.Author.ID == botID {
		return OutcomeEcho, true
	}
	return OutcomeDropped, false
}

// isEcho reports whether msg is one of our relayed messages, recognized by
// message id in the echo set or by webhook id.
func (r *Router) isEcho(msg *discordgo.Message) bool {
	if r.echoes.Has(msg.ID) {
		r.metrics.echoes.Inc()
		return true
	}
	if msg.WebhookID != "" {
		if _, ok := r.relayIDs.Load(msg.WebhookID); ok {
			r.metrics.echoes.Inc()
			return true
		}
	}
	return false
}

// settle waits until the post-receipt delay has passed since receivedAt. The
// webhook send that produced an echo has then recorded its message id.
func (r *Router) settle(ctx context.Context, receivedAt time.Time) error {
	return r.sleep(ctx, r.cfg.DiscordSendDelay-r.now().Sub(receivedAt))
}

// handleDiscordMessage queues msg on the linked room's chain as soon as it
// arrives. The post-receipt delay and everything that depends on earlier
// events, like the echo check and reply mappings, run inside the task.
func (r *Router) handleDiscordMessage(ctx context.Context, msg *discordgo.Message) (Outcome, error) {
	if outcome, drop := r.ownMessage(msg); drop {
		return outcome, nil
	}
	portal, err := r.portals.PortalByChannel(ctx, msg.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, nil
	} else if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to look up portal")
		return OutcomeDropped, nil
	}

	log := zerolog.Ctx(ctx)
	roomID := id.RoomID(portal.RoomID)
	receivedAt := r.now()
	r.chains.Enqueue(ctx, portal.RoomID, func(ctx context.Context) error {
		if err := r.settle(ctx, receivedAt); err != nil {
			return err
		}
		if r.isEcho(msg) {
			log.Debug().Msg("Dropped echo of relayed message")
			return nil
		}
		ghost := r.ensureGhost(ctx, msg.Author, msg.Member)
		dir := r.directory.DiscordDirectory(portal.GuildID)

		var contents []*event.MessageEventContent
		if parsed := r.toMatrix.ConvertMessage(ctx, msg, dir); parsed.Body != "" {
			contents = append(contents, parsed.Content())
		}
		for _, att := range msg.Attachments {
			contents = append(contents, r.attachmentContent(ctx, att))
		}
		if len(contents) == 0 {
			return nil
		}
		if ref := msg.MessageReference; ref != nil && ref.MessageID != "" {
			if m, err := r.mappings.MappingByDiscordMessage(ctx, ref.MessageID); err == nil {
				contents[0].RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(m.MatrixEventID))
			}
		}

		for _, content := range contents {
			evtID, err := r.matrix.SendMessage(ctx, roomID, ghost, content)
			r.metrics.delivery("discord", "ghost", err)
			if err != nil {
				log.Err(err).Msg("Failed to send message to Matrix")
				return err
			}
			r.storeDiscordMapping(ctx, evtID, msg.ID, portal)
		}
		return nil
	})
	return OutcomeQueued, nil
}

func (r *Router) handleDiscordEdit(ctx context.Context, msg, before *discordgo.Message) (Outcome, error) {
	if msg.Author == nil && before != nil {
		msg.Author = before.Author
	}
	if outcome, drop := r.ownMessage(msg); drop {
		return outcome, nil
	}
	// Embed resolution arrives as an update with unchanged content.
	if before != nil && before.Content == msg.Content {
		return OutcomeDropped, nil
	}
	portal, err := r.portals.PortalByChannel(ctx, msg.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeDropped, nil
	} else if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to look up portal")
		return OutcomeDropped, nil
	}

	log := zerolog.Ctx(ctx)
	roomID := id.RoomID(portal.RoomID)
	receivedAt := r.now()
	r.chains.Enqueue(ctx, portal.RoomID, func(ctx context.Context) error {
		if err := r.settle(ctx, receivedAt); err != nil {
			return err
		}
		if r.isEcho(msg) {
			return nil
		}
		orig, err := r.mappings.MappingByDiscordMessage(ctx, msg.ID)
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().Msg("Edited message was never bridged")
			return nil
		} else if err != nil {
			log.Warn().Err(err).Msg("Failed to look up edited message")
			return nil
		}
		ghost := r.ensureGhost(ctx, msg.Author, msg.Member)
		dir := r.directory.DiscordDirectory(portal.GuildID)

		var content *event.MessageEventContent
		if before != nil && before.Content != "" {
			link := MatrixEventLink(roomID, id.EventID(orig.MatrixEventID))
			content = r.toMatrix.FormatEdit(ctx, before.Content, msg.Content, dir, link).Content()
		} else {
			content = r.toMatrix.Convert(ctx, msg.Content, dir).Content()
			content.SetEdit(id.EventID(orig.MatrixEventID))
		}

		evtID, err := r.matrix.SendMessage(ctx, roomID, ghost, content)
		r.metrics.delivery("discord", "ghost", err)
		if err != nil {
			log.Err(err).Msg("Failed to send edit to Matrix")
			return err
		}
		r.storeDiscordMapping(ctx, evtID, msg.ID, portal)
		return nil
	})
	return OutcomeQueued, nil
}

func (r *Router) handleDiscordDelete(ctx context.Context, channelID, messageID string) (Outcome, error) {
	var roomID string
	if portal, err := r.portals.PortalByChannel(ctx, channelID); err == nil {
		roomID = portal.RoomID
	} else if mappings, err := r.mappings.MappingsByDiscordMessage(ctx, messageID); err == nil {
		roomID = mappings[0].MatrixRoomID
	} else {
		return OutcomeDropped, nil
	}

	log := zerolog.Ctx(ctx)
	receivedAt := r.now()
	r.chains.Enqueue(ctx, roomID, func(ctx context.Context) error {
		if err := r.settle(ctx, receivedAt); err != nil {
			return err
		}
		mappings, err := r.mappings.MappingsByDiscordMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().Msg("Deleted message was never bridged")
			return nil
		} else if err != nil {
			log.Warn().Err(err).Msg("Failed to look up deleted message")
			return nil
		}
		var errs []error
		for _, m := range mappings {
			err := r.matrix.Redact(ctx, id.RoomID(m.MatrixRoomID), "", id.EventID(m.MatrixEventID))
			r.metrics.delivery("discord", "redact", err)
			if err != nil {
				log.Err(err).Str("matrix_event_id", m.MatrixEventID).Msg("Failed to redact Matrix event")
				errs = append(errs, err)
			}
		}
		if err := r.mappings.DeleteMappingByDiscordMessage(ctx, messageID); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return OutcomeRedacted, nil
}

func (r *Router) storeDiscordMapping(ctx context.Context, evtID id.EventID, messageID string, portal *store.Portal) {
	err := r.mappings.InsertMapping(ctx, &store.EventMapping{
		MatrixEventID:    evtID.String(),
		MatrixRoomID:     portal.RoomID,
		DiscordMessageID: messageID,
		DiscordChannelID: portal.ChannelID,
		DiscordGuildID:   portal.GuildID,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("matrix_event_id", evtID).Msg("Failed to store event mapping")
	}
}

// ensureGhost returns the ghost of a Discord user, updating its profile
// when the rendered name or avatar changed since it was last set.
func (r *Router) ensureGhost(ctx context.Context, user *discordgo.User, member *discordgo.Member) id.UserID {
	ghost := MakeGhostID(r.cfg.UserPrefix, r.domain, user.ID)
	params := DisplaynameParams{Username: user.Username, GlobalName: user.GlobalName, ID: user.ID}
	if member != nil {
		params.Nickname = member.Nick
	}
	name := r.cfg.FormatDisplayname(params)
	key := string(ghost) + "|" + name + "|" + user.Avatar
	if r.ghosts.Has(key) {
		return ghost
	}

	var avatar id.ContentURIString
	if user.Avatar != "" {
		data, err := r.discord.Download(ctx, user.AvatarURL("256"))
		if err == nil {
			avatar, err = r.matrix.Upload(ctx, data, user.Avatar+".png", "image/png")
		}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", user.ID).Msg("Failed to bridge avatar")
		}
	}
	if err := r.matrix.SetGhostProfile(ctx, ghost, name, avatar); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("ghost", ghost).Msg("Failed to update ghost profile")
		return ghost
	}
	r.ghosts.Set(key, struct{}{})
	return ghost
}

// attachmentContent uploads a Discord attachment to Matrix. Attachments over
// the size ceiling, or that fail to transfer, are sent as links.
func (r *Router) attachmentContent(ctx context.Context, att *discordgo.MessageAttachment) *event.MessageEventContent {
	link := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          att.URL,
		Format:        event.FormatHTML,
		FormattedBody: `<a href="` + html.EscapeString(att.URL) + `">` + html.EscapeString(att.Filename) + `</a>`,
	}
	ceiling := r.cfg.MaxAttachmentSize
	if ceiling <= 0 || int64(att.Size) > ceiling {
		return link
	}
	log := zerolog.Ctx(ctx).With().Str("attachment", att.Filename).Logger()
	data, err := r.discord.Download(ctx, att.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to download attachment, sending link")
		return link
	}
	if int64(len(data)) > ceiling {
		return link
	}
	mxc, err := r.matrix.Upload(ctx, data, att.Filename, att.ContentType)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upload attachment, sending link")
		return link
	}
	return &event.MessageEventContent{
		MsgType: msgTypeForMime(att.ContentType),
		Body:    att.Filename,
		URL:     mxc,
		Info: &event.FileInfo{
			MimeType: att.ContentType,
			Size:     len(data),
			Width:    att.Width,
			Height:   att.Height,
		},
	}
}

func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
