// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// Profile is the display name and avatar of a Matrix user. RoomScoped is set
// when the values come from the user's membership in a specific room.
type Profile struct {
	DisplayName string
	AvatarURL   id.ContentURIString
	RoomScoped  bool
}

// ErrNoState is returned by MatrixAPI.StateEvent when the room has no such
// state event.
var ErrNoState = errors.New("state event not found")

// MatrixAPI is the subset of the homeserver API the router needs.
type MatrixAPI interface {
	// GetProfile returns the room member profile of userID, falling back to
	// the global profile.
	GetProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Profile, error)
	// StateEvent returns the raw content of a state event.
	StateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (json.RawMessage, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
	// SendMessage sends content as asUser, or as the bridge bot when asUser is empty.
	SendMessage(ctx context.Context, roomID id.RoomID, asUser id.UserID, content *event.MessageEventContent) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, asUser id.UserID, eventID id.EventID) error
	// MediaURL resolves a media URI to an HTTP URL. Width and height request
	// a thumbnail when non-zero.
	MediaURL(mxc id.ContentURIString, width, height int) (string, error)
	Download(ctx context.Context, mxc id.ContentURIString) ([]byte, error)
	Upload(ctx context.Context, data []byte, fileName, mimeType string) (id.ContentURIString, error)
	// SetGhostProfile registers a ghost if needed and sets its display name
	// and avatar. An empty avatar leaves the avatar unchanged.
	SetGhostProfile(ctx context.Context, userID id.UserID, displayName string, avatar id.ContentURIString) error
}

// Attachment is a file sent inline with a Discord message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// OutboundMessage is a message rendered for Discord.
type OutboundMessage struct {
	ChannelID   string
	Content     string
	Embeds      []*discordgo.MessageEmbed
	Attachments []Attachment
	// SenderName and AvatarURL identify the Matrix sender. A relay shows
	// them as its own name and avatar; the bot puts them in an embed author.
	SenderName string
	AvatarURL  string
	// Mentions lists user ids that may be pinged.
	Mentions []string
}

// Relay is a per-channel relay identity (a Discord webhook).
type Relay struct {
	ID    string
	Token string
}

// DiscordAPI is the subset of the Discord API the router needs.
type DiscordAPI interface {
	// Send sends as the bridge bot and returns the message id.
	Send(ctx context.Context, msg *OutboundMessage) (string, error)
	// GetRelay returns the relay identity of a channel, creating it when
	// needed. It returns nil without error when relays are unavailable.
	GetRelay(ctx context.Context, channelID string) (*Relay, error)
	SendRelay(ctx context.Context, relay *Relay, msg *OutboundMessage) (string, error)
	Delete(ctx context.Context, channelID, messageID string) error
	Download(ctx context.Context, url string) ([]byte, error)
}

// MappingStore records which Discord messages a Matrix event corresponds to.
type MappingStore interface {
	InsertMapping(ctx context.Context, m *store.EventMapping) error
	MappingsByMatrixEvent(ctx context.Context, eventID string) ([]store.EventMapping, error)
	MappingByDiscordMessage(ctx context.Context, messageID string) (*store.EventMapping, error)
	MappingsByDiscordMessage(ctx context.Context, messageID string) ([]store.EventMapping, error)
	DeleteMappingsByMatrixEvent(ctx context.Context, eventID string) error
	DeleteMappingByDiscordMessage(ctx context.Context, messageID string) error
}

// PortalStore records which rooms are linked to which channels. A channel is
// linked to at most one room; LinkPortal returns store.ErrChannelLinked
// otherwise.
type PortalStore interface {
	LinkPortal(ctx context.Context, p *store.Portal) error
	UnlinkPortal(ctx context.Context, roomID, channelID string) error
	DeletePortalsByRoom(ctx context.Context, roomID string) error
	PortalsByRoom(ctx context.Context, roomID string) ([]store.Portal, error)
	PortalByChannel(ctx context.Context, channelID string) (*store.Portal, error)
	AllPortals(ctx context.Context) ([]store.Portal, error)
}

// EmojiStore keeps bridged custom emoji.
type EmojiStore interface {
	Put(e *store.Emoji) error
	ByID(id string) (*store.Emoji, error)
	ByMXC(mxc string) (*store.Emoji, error)
}

// DirectoryProvider returns the resolvable Discord entities of a guild.
type DirectoryProvider interface {
	MatrixDirectory(guildID string) matrixfmt.Directory
	DiscordDirectory(guildID string) discordfmt.Directory
}

// InviteHandler accepts or rejects invites addressed to the bridge bot.
type InviteHandler interface {
	HandleInvite(ctx context.Context, evt *event.Event) error
}

// ModerationKind is the kind of moderation action taken on a ghost.
type ModerationKind int

const (
	ModerationKick ModerationKind = iota
	ModerationBan
	ModerationUnban
)

func (k ModerationKind) String() string {
	switch k {
	case ModerationKick:
		return "kick"
	case ModerationBan:
		return "ban"
	case ModerationUnban:
		return "unban"
	default:
		return "unknown"
	}
}

// ModerationAction is a kick, ban or unban of a Discord user's ghost.
type ModerationAction struct {
	Kind          ModerationKind
	RoomID        id.RoomID
	Actor         id.UserID
	DiscordUserID string
	Reason        string
}

// ModerationHandler propagates moderation of ghosts to Discord.
type ModerationHandler interface {
	HandleModeration(ctx context.Context, action *ModerationAction) error
}

// StateSyncHook receives membership, name and topic changes.
type StateSyncHook interface {
	SyncState(ctx context.Context, evt *event.Event) error
}

// CommandHandler handles bridge commands sent in Matrix rooms.
type CommandHandler interface {
	HandleCommand(ctx context.Context, evt *event.Event, args []string) error
}

// Hooks bundles the collaborators the router hands events to. Nil hooks are
// replaced with no-ops.
type Hooks struct {
	Invite     InviteHandler
	Moderation ModerationHandler
	StateSync  StateSyncHook
	Command    CommandHandler
}

type noopHooks struct{}

func (noopHooks) HandleInvite(context.Context, *event.Event) error { return nil }

func (noopHooks) HandleModeration(context.Context, *ModerationAction) error { return nil }

func (noopHooks) SyncState(context.Context, *event.Event) error { return nil }

func (noopHooks) HandleCommand(context.Context, *event.Event, []string) error { return nil }

func (h Hooks) withDefaults() Hooks {
	if h.Invite == nil {
		h.Invite = noopHooks{}
	}
	if h.Moderation == nil {
		h.Moderation = noopHooks{}
	}
	if h.StateSync == nil {
		h.StateSync = noopHooks{}
	}
	if h.Command == nil {
		h.Command = noopHooks{}
	}
	return h
}
