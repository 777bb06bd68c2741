// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// MakeGhostID creates the Matrix user id of a Discord user's ghost.
func MakeGhostID(prefix, domain, discordUserID string) id.UserID {
	return id.NewUserID(prefix+discordUserID, domain)
}

// ParseGhostID extracts the Discord user id from a ghost's Matrix user id.
func ParseGhostID(prefix, domain string, userID id.UserID) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != domain || !strings.HasPrefix(localpart, prefix) {
		return "", false
	}
	discordID := localpart[len(prefix):]
	if !isSnowflake(discordID) {
		return "", false
	}
	return discordID, true
}

// MakeRoomAlias creates the alias of the Matrix room bridged to a channel.
func MakeRoomAlias(prefix, domain, guildID, channelID string) id.RoomAlias {
	return id.NewRoomAlias(prefix+guildID+"_"+channelID, domain)
}

// ParseRoomAlias extracts the guild and channel ids from a bridged room alias.
func ParseRoomAlias(prefix, domain string, alias id.RoomAlias) (guildID, channelID string, ok bool) {
	s := string(alias)
	if !strings.HasPrefix(s, "#") {
		return "", "", false
	}
	localpart, server, found := strings.Cut(s[1:], ":")
	if !found || server != domain || !strings.HasPrefix(localpart, prefix) {
		return "", "", false
	}
	guildID, channelID, found = strings.Cut(localpart[len(prefix):], "_")
	if !found || !isSnowflake(guildID) || !isSnowflake(channelID) {
		return "", "", false
	}
	return guildID, channelID, true
}

// MatrixEventLink returns the matrix.to permalink of an event.
func MatrixEventLink(roomID id.RoomID, eventID id.EventID) string {
	return "https://matrix.to/#/" + string(roomID) + "/" + string(eventID)
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
