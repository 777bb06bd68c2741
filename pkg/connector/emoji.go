// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// EmojiBridge maps Discord custom emoji to Matrix media. Unknown emoji are
// downloaded from the Discord CDN and uploaded once.
type EmojiBridge struct {
	store   EmojiStore
	matrix  MatrixAPI
	discord DiscordAPI
	group   singleflight.Group
	log     zerolog.Logger
}

var (
	_ matrixfmt.EmojiLookup    = (*EmojiBridge)(nil)
	_ discordfmt.EmojiResolver = (*EmojiBridge)(nil)
)

// NewEmojiBridge creates an emoji bridge. A nil store disables emoji bridging.
func NewEmojiBridge(s EmojiStore, matrix MatrixAPI, discord DiscordAPI, log zerolog.Logger) *EmojiBridge {
	return &EmojiBridge{
		store:   s,
		matrix:  matrix,
		discord: discord,
		log:     log.With().Str("component", "emoji").Logger(),
	}
}

// EmojiByMXC returns the Discord emoji uploaded as mxc, or nil if there is none.
func (b *EmojiBridge) EmojiByMXC(_ context.Context, mxc string) (*matrixfmt.Emoji, error) {
	if b.store == nil {
		return nil, nil
	}
	e, err := b.store.ByMXC(mxc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &matrixfmt.Emoji{ID: e.ID, Name: e.Name, Animated: e.Animated}, nil
}

// EmojiMXC returns the Matrix media URI of a Discord emoji, uploading it
// first if needed.
func (b *EmojiBridge) EmojiMXC(ctx context.Context, emojiID, name string, animated bool) (string, error) {
	if b.store == nil {
		return "", nil
	}
	e, err := b.Ensure(ctx, &store.Emoji{ID: emojiID, Name: name, Animated: animated})
	if err != nil {
		return "", err
	}
	return e.MXC, nil
}

// Ensure returns the stored emoji, uploading it when it is new. A changed
// name is written back.
func (b *EmojiBridge) Ensure(ctx context.Context, want *store.Emoji) (*store.Emoji, error) {
	if e, err := b.store.ByID(want.ID); err == nil {
		if want.Name != "" && e.Name != want.Name {
			e.Name = want.Name
			if err := b.store.Put(e); err != nil {
				b.log.Warn().Err(err).Str("emoji_id", e.ID).Msg("Failed to rename emoji")
			}
		}
		return e, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	v, err, _ := b.group.Do(want.ID, func() (any, error) {
		url, ext, mimeType := discordgo.EndpointEmoji(want.ID), ".png", "image/png"
		if want.Animated {
			url, ext, mimeType = discordgo.EndpointEmojiAnimated(want.ID), ".gif", "image/gif"
		}
		data, err := b.discord.Download(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to download emoji %s: %w", want.ID, err)
		}
		mxc, err := b.matrix.Upload(ctx, data, want.Name+ext, mimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to upload emoji %s: %w", want.ID, err)
		}
		e := &store.Emoji{
			ID:       want.ID,
			Name:     want.Name,
			Animated: want.Animated,
			GuildID:  want.GuildID,
			MXC:      string(mxc),
		}
		if err := b.store.Put(e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Emoji), nil
}

// HandleGuildEmojis uploads the custom emoji of a guild.
func (b *EmojiBridge) HandleGuildEmojis(ctx context.Context, guildID string, emojis []*discordgo.Emoji) {
	if b.store == nil {
		return
	}
	for _, em := range emojis {
		if em == nil || em.ID == "" {
			continue
		}
		_, err := b.Ensure(ctx, &store.Emoji{ID: em.ID, Name: em.Name, Animated: em.Animated, GuildID: guildID})
		if err != nil {
			b.log.Warn().Err(err).Str("emoji_id", em.ID).Str("guild_id", guildID).Msg("Failed to bridge guild emoji")
		}
	}
}
