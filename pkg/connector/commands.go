// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

const commandHelp = "Commands: `link <guild_id> <channel_id>`, `unlink <channel_id>`, `list`, `help`"

// BridgeCommands handles the bridge commands typed in Matrix rooms. Linking
// and unlinking need the power to send state events in the room.
type BridgeCommands struct {
	matrix    MatrixAPI
	portals   PortalStore
	directory DirectoryProvider
	chains    *DeliveryChains
	log       zerolog.Logger
}

var _ CommandHandler = (*BridgeCommands)(nil)

// NewBridgeCommands creates the command handler. Linking reopens the chains
// of both ends.
func NewBridgeCommands(matrix MatrixAPI, portals PortalStore, directory DirectoryProvider, chains *DeliveryChains, log zerolog.Logger) *BridgeCommands {
	return &BridgeCommands{
		matrix:    matrix,
		portals:   portals,
		directory: directory,
		chains:    chains,
		log:       log.With().Str("component", "commands").Logger(),
	}
}

func (c *BridgeCommands) reply(ctx context.Context, evt *event.Event, format string, args ...any) error {
	_, err := c.matrix.SendMessage(ctx, evt.RoomID, "", &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf(format, args...),
	})
	return err
}

func (c *BridgeCommands) HandleCommand(ctx context.Context, evt *event.Event, args []string) error {
	if len(args) == 0 {
		return c.reply(ctx, evt, commandHelp)
	}
	switch strings.ToLower(args[0]) {
	case "link":
		if len(args) != 3 {
			return c.reply(ctx, evt, "Usage: `link <guild_id> <channel_id>`")
		}
		return c.link(ctx, evt, args[1], args[2])
	case "unlink":
		if len(args) != 2 {
			return c.reply(ctx, evt, "Usage: `unlink <channel_id>`")
		}
		return c.unlink(ctx, evt, args[1])
	case "list":
		return c.list(ctx, evt)
	case "help":
		return c.reply(ctx, evt, commandHelp)
	default:
		return c.reply(ctx, evt, "Unknown command `%s`. %s", args[0], commandHelp)
	}
}

func (c *BridgeCommands) authorized(ctx context.Context, evt *event.Event) (bool, error) {
	pl, err := fetchPowerLevels(ctx, c.matrix, evt.RoomID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch power levels: %w", err)
	}
	return pl.GetUserLevel(evt.Sender) >= pl.StateDefault(), nil
}

func (c *BridgeCommands) link(ctx context.Context, evt *event.Event, guildID, channelID string) error {
	if ok, err := c.authorized(ctx, evt); err != nil {
		return err
	} else if !ok {
		return c.reply(ctx, evt, "You do not have permission to link this room.")
	}
	if !isSnowflake(guildID) || !isSnowflake(channelID) {
		return c.reply(ctx, evt, "Guild and channel must be numeric Discord ids.")
	}
	if _, g, ok := c.directory.DiscordDirectory(guildID).Channel(channelID); !ok || g != guildID {
		return c.reply(ctx, evt, "Channel %s is not a channel of guild %s that the bot can see.", channelID, guildID)
	}
	// Reopening the chains below must not resume bridging an encrypted room.
	if encrypted, err := roomEncrypted(ctx, c.matrix, evt.RoomID); err != nil {
		return fmt.Errorf("failed to check room encryption: %w", err)
	} else if encrypted {
		return c.reply(ctx, evt, "This room is encrypted and cannot be bridged.")
	}

	p := &store.Portal{RoomID: evt.RoomID.String(), GuildID: guildID, ChannelID: channelID}
	err := c.portals.LinkPortal(ctx, p)
	if errors.Is(err, store.ErrChannelLinked) {
		return c.reply(ctx, evt, "Channel %s is already linked to another room.", channelID)
	} else if err != nil {
		return err
	}
	c.chains.Reopen(channelID)
	c.chains.Reopen(p.RoomID)
	zerolog.Ctx(ctx).Info().Str("channel_id", channelID).Stringer("linked_by", evt.Sender).Msg("Portal linked by command")
	return c.reply(ctx, evt, "Linked to channel %s.", channelID)
}

func (c *BridgeCommands) unlink(ctx context.Context, evt *event.Event, channelID string) error {
	if ok, err := c.authorized(ctx, evt); err != nil {
		return err
	} else if !ok {
		return c.reply(ctx, evt, "You do not have permission to unlink this room.")
	}
	err := c.portals.UnlinkPortal(ctx, evt.RoomID.String(), channelID)
	if errors.Is(err, store.ErrNotFound) {
		return c.reply(ctx, evt, "This room is not linked to channel %s.", channelID)
	} else if err != nil {
		return err
	}
	return c.reply(ctx, evt, "Unlinked from channel %s.", channelID)
}

func (c *BridgeCommands) list(ctx context.Context, evt *event.Event) error {
	portals, err := c.portals.PortalsByRoom(ctx, evt.RoomID.String())
	if err != nil {
		return err
	}
	if len(portals) == 0 {
		return c.reply(ctx, evt, "This room is not linked to any channel.")
	}
	lines := make([]string, len(portals))
	for i, p := range portals {
		lines[i] = fmt.Sprintf("- %s in guild %s", p.ChannelID, p.GuildID)
	}
	return c.reply(ctx, evt, "Linked channels:\n%s", strings.Join(lines, "\n"))
}
