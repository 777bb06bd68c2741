// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"context"
	"net/url"
	"strings"
)

// MatrixToPrefix is the entity link prefix used by Matrix pills.
const MatrixToPrefix = "https://matrix.to/#/"

// PillKind is the kind of entity a pill references.
type PillKind int

const (
	PillUser PillKind = iota
	PillChannel
	PillRole
)

// Pill is a reference to a Discord entity found in a Matrix link.
type Pill struct {
	Kind     PillKind
	TargetID string
	Fallback string
}

// Emoji is a Discord custom emoji.
type Emoji struct {
	ID       string
	Name     string
	Animated bool
}

// Token renders the emoji as a Discord message token.
func (e *Emoji) Token() string {
	if e.Animated {
		return "<a:" + e.Name + ":" + e.ID + ">"
	}
	return "<:" + e.Name + ":" + e.ID + ">"
}

// Directory is the snapshot of Discord entities available to a conversion.
type Directory interface {
	HasMember(userID string) bool
	HasChannel(channelID string) bool
	EmojiByName(name string) (*Emoji, bool)
}

// EmojiLookup resolves a Matrix media URI to a bridged Discord emoji. It
// returns nil without error when the URI is not a known emoji.
type EmojiLookup interface {
	EmojiByMXC(ctx context.Context, mxc string) (*Emoji, error)
}

// Snapshot is a plain in-memory Directory.
type Snapshot struct {
	Members  map[string]struct{}
	Channels map[string]struct{}
	Emoji    map[string]*Emoji
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Members:  make(map[string]struct{}),
		Channels: make(map[string]struct{}),
		Emoji:    make(map[string]*Emoji),
	}
}

func (s *Snapshot) HasMember(userID string) bool {
	_, ok := s.Members[userID]
	return ok
}

func (s *Snapshot) HasChannel(channelID string) bool {
	_, ok := s.Channels[channelID]
	return ok
}

func (s *Snapshot) EmojiByName(name string) (*Emoji, bool) {
	e, ok := s.Emoji[name]
	return e, ok
}

// ParsePill classifies a matrix.to link. User pills must point at a ghost
// whose localpart is userPrefix followed by a numeric Discord id; channel
// pills must point at an alias of the form roomPrefix<guild>_<channel>.
func ParsePill(href, fallback, userPrefix, roomPrefix string) (Pill, bool) {
	rest, ok := strings.CutPrefix(href, MatrixToPrefix)
	if !ok {
		return Pill{}, false
	}
	if i := strings.IndexAny(rest, "?/"); i >= 0 {
		rest = rest[:i]
	}
	if unescaped, err := url.PathUnescape(rest); err == nil {
		rest = unescaped
	}
	if len(rest) < 2 {
		return Pill{}, false
	}
	localpart, _, _ := strings.Cut(rest[1:], ":")

	switch rest[0] {
	case '@':
		id, ok := strings.CutPrefix(localpart, userPrefix)
		if !ok || !isNumeric(id) {
			return Pill{}, false
		}
		return Pill{Kind: PillUser, TargetID: id, Fallback: fallback}, true
	case '#':
		suffix, ok := strings.CutPrefix(localpart, roomPrefix)
		if !ok {
			return Pill{}, false
		}
		idx := strings.LastIndexByte(suffix, '_')
		channelID := suffix[idx+1:]
		if !isNumeric(channelID) {
			return Pill{}, false
		}
		return Pill{Kind: PillChannel, TargetID: channelID, Fallback: fallback}, true
	default:
		return Pill{}, false
	}
}

func isNumeric(s string) bool {
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
