// Copyright 2024-2026 Aiku AI

package discordfmt

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// Directory resolves Discord entities referenced by message tokens.
type Directory interface {
	MemberName(userID string) (string, bool)
	Channel(channelID string) (name, guildID string, ok bool)
	Role(roleID string) (name string, color int, ok bool)
}

// EmojiResolver returns the Matrix media URI of a Discord custom emoji. An
// empty URI without error means the emoji could not be resolved.
type EmojiResolver interface {
	EmojiMXC(ctx context.Context, emojiID, name string, animated bool) (string, error)
}

// ChannelInfo is a channel entry of a Snapshot.
type ChannelInfo struct {
	Name    string
	GuildID string
}

// RoleInfo is a role entry of a Snapshot. Color 0 means uncolored.
type RoleInfo struct {
	Name  string
	Color int
}

// Snapshot is a plain in-memory Directory.
type Snapshot struct {
	Members  map[string]string
	Channels map[string]ChannelInfo
	Roles    map[string]RoleInfo
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Members:  make(map[string]string),
		Channels: make(map[string]ChannelInfo),
		Roles:    make(map[string]RoleInfo),
	}
}

// SnapshotFromGuild builds a snapshot from a cached guild. Member names
// prefer the guild nickname, then the global display name, then the username.
func SnapshotFromGuild(g *discordgo.Guild) *Snapshot {
	s := NewSnapshot()
	if g == nil {
		return s
	}
	for _, m := range g.Members {
		if m == nil || m.User == nil {
			continue
		}
		s.Members[m.User.ID] = memberName(m)
	}
	for _, ch := range g.Channels {
		if ch == nil {
			continue
		}
		s.Channels[ch.ID] = ChannelInfo{Name: ch.Name, GuildID: g.ID}
	}
	for _, r := range g.Roles {
		if r == nil {
			continue
		}
		s.Roles[r.ID] = RoleInfo{Name: r.Name, Color: r.Color}
	}
	return s
}

func memberName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}

func (s *Snapshot) MemberName(userID string) (string, bool) {
	name, ok := s.Members[userID]
	return name, ok
}

func (s *Snapshot) Channel(channelID string) (string, string, bool) {
	ch, ok := s.Channels[channelID]
	return ch.Name, ch.GuildID, ok
}

func (s *Snapshot) Role(roleID string) (string, int, bool) {
	r, ok := s.Roles[roleID]
	return r.Name, r.Color, ok
}
