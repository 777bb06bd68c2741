// Copyright 2024-2026 Aiku AI

package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// Emoji is a Discord custom emoji and the Matrix media it was uploaded as.
type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated,omitempty"`
	GuildID  string `json:"guild_id,omitempty"`
	MXC      string `json:"mxc"`
}

const (
	emojiIDPrefix  = "emoji:id:"
	emojiMXCPrefix = "emoji:mxc:"
)

// EmojiStore keeps emoji metadata in pebble, keyed by both Discord id and
// Matrix media URI.
type EmojiStore struct {
	db  *pebble.DB
	log zerolog.Logger
}

// OpenEmoji opens (or creates) the pebble database in dir.
func OpenEmoji(dir string, log zerolog.Logger) (*EmojiStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create emoji store dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open emoji store: %w", err)
	}
	return &EmojiStore{db: db, log: log.With().Str("component", "emoji_store").Logger()}, nil
}

// Close closes the database.
func (s *EmojiStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores an emoji. A changed media URI replaces the old reverse entry.
func (s *EmojiStore) Put(e *Emoji) error {
	if e.ID == "" || e.MXC == "" {
		return fmt.Errorf("emoji must have an id and a media uri")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode emoji %s: %w", e.ID, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if old, err := s.ByID(e.ID); err == nil && old.MXC != e.MXC {
		if err := b.Delete([]byte(emojiMXCPrefix+old.MXC), nil); err != nil {
			return err
		}
	}
	if err := b.Set([]byte(emojiIDPrefix+e.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(emojiMXCPrefix+e.MXC), []byte(e.ID), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to store emoji %s: %w", e.ID, err)
	}
	s.log.Debug().Str("emoji_id", e.ID).Str("name", e.Name).Msg("Stored emoji")
	return nil
}

// ByID returns the emoji with the given Discord id.
func (s *EmojiStore) ByID(id string) (*Emoji, error) {
	v, closer, err := s.db.Get([]byte(emojiIDPrefix + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read emoji %s: %w", id, err)
	}
	defer closer.Close()

	var e Emoji
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("failed to decode emoji %s: %w", id, err)
	}
	return &e, nil
}

// ByMXC returns the emoji uploaded as the given Matrix media URI.
func (s *EmojiStore) ByMXC(mxc string) (*Emoji, error) {
	v, closer, err := s.db.Get([]byte(emojiMXCPrefix + mxc))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read emoji for %s: %w", mxc, err)
	}
	id := string(v)
	closer.Close()
	return s.ByID(id)
}

// List returns every stored emoji in id order.
func (s *EmojiStore) List() ([]*Emoji, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte(emojiIDPrefix)
	var out []*Emoji
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var e Emoji
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			s.log.Warn().Err(err).Bytes("key", iter.Key()).Msg("Skipping undecodable emoji")
			continue
		}
		out = append(out, &e)
	}
	return out, iter.Error()
}
