// Copyright 2024-2026 Aiku AI

package connector

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestMakeGhostID(t *testing.T) {
	t.Parallel()
	got := MakeGhostID("_discord_", "example.org", "12345")
	if got != id.UserID("@_discord_12345:example.org") {
		t.Errorf("MakeGhostID: got %q", got)
	}
}

func TestParseGhostID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		userID id.UserID
		want   string
		ok     bool
	}{
		{"ghost", "@_discord_12345:example.org", "12345", true},
		{"other server", "@_discord_12345:evil.org", "", false},
		{"no prefix", "@alice:example.org", "", false},
		{"non numeric", "@_discord_abc:example.org", "", false},
		{"empty id", "@_discord_:example.org", "", false},
		{"malformed", "not-a-user", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseGhostID("_discord_", "example.org", tt.userID)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseGhostID(%q) = %q, %v; want %q, %v", tt.userID, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestGhostIDRoundTrip(t *testing.T) {
	t.Parallel()
	original := "80351110224678912"
	got, ok := ParseGhostID("_discord_", "example.org", MakeGhostID("_discord_", "example.org", original))
	if !ok || got != original {
		t.Errorf("ghost round trip: got %q, %v", got, ok)
	}
}

func TestRoomAliasRoundTrip(t *testing.T) {
	t.Parallel()
	alias := MakeRoomAlias("_discord_", "example.org", "111", "222")
	if alias != id.RoomAlias("#_discord_111_222:example.org") {
		t.Fatalf("MakeRoomAlias: got %q", alias)
	}
	guild, channel, ok := ParseRoomAlias("_discord_", "example.org", alias)
	if !ok || guild != "111" || channel != "222" {
		t.Errorf("ParseRoomAlias = %q, %q, %v", guild, channel, ok)
	}
}

func TestParseRoomAliasRejects(t *testing.T) {
	t.Parallel()
	for _, alias := range []id.RoomAlias{
		"#_discord_111:example.org",
		"#_discord_111_222:other.org",
		"#random:example.org",
		"_discord_111_222:example.org",
		"#_discord_1a_222:example.org",
	} {
		if _, _, ok := ParseRoomAlias("_discord_", "example.org", alias); ok {
			t.Errorf("ParseRoomAlias(%q) accepted", alias)
		}
	}
}

func TestMatrixEventLink(t *testing.T) {
	t.Parallel()
	got := MatrixEventLink("!room:example.org", "$evt")
	if got != "https://matrix.to/#/!room:example.org/$evt" {
		t.Errorf("MatrixEventLink: got %q", got)
	}
}
