// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventMapping links a Matrix event to one Discord message it was delivered
// as, or that it was delivered from. A Matrix event may map to many
// messages when its room is linked to several channels.
type EventMapping struct {
	MatrixEventID    string `db:"matrix_event_id"`
	MatrixRoomID     string `db:"matrix_room_id"`
	DiscordMessageID string `db:"discord_message_id"`
	DiscordChannelID string `db:"discord_channel_id"`
	DiscordGuildID   string `db:"discord_guild_id"`
	CreatedAt        int64  `db:"created_at"`
}

// InsertMapping records a delivered message. Mappings are never updated.
func (s *SQLStore) InsertMapping(ctx context.Context, m *EventMapping) error {
	if m.MatrixEventID == "" || m.DiscordMessageID == "" {
		return fmt.Errorf("mapping must have both a matrix event id and a discord message id")
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO event_mapping
			(matrix_event_id, matrix_room_id, discord_message_id, discord_channel_id, discord_guild_id, created_at)
		VALUES
			(:matrix_event_id, :matrix_room_id, :discord_message_id, :discord_channel_id, :discord_guild_id, :created_at)
	`, m)
	if err != nil {
		return fmt.Errorf("failed to insert mapping for %s: %w", m.MatrixEventID, err)
	}
	return nil
}

// MappingsByMatrixEvent returns every Discord message a Matrix event maps to.
// It returns ErrNotFound when there are none.
func (s *SQLStore) MappingsByMatrixEvent(ctx context.Context, eventID string) ([]EventMapping, error) {
	var out []EventMapping
	err := s.db.SelectContext(ctx, &out, `
		SELECT matrix_event_id, matrix_room_id, discord_message_id, discord_channel_id, discord_guild_id, created_at
		FROM event_mapping WHERE matrix_event_id = ? ORDER BY created_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mappings for %s: %w", eventID, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// MappingByDiscordMessage returns the mapping of a Discord message.
func (s *SQLStore) MappingByDiscordMessage(ctx context.Context, messageID string) (*EventMapping, error) {
	var m EventMapping
	err := s.db.GetContext(ctx, &m, `
		SELECT matrix_event_id, matrix_room_id, discord_message_id, discord_channel_id, discord_guild_id, created_at
		FROM event_mapping WHERE discord_message_id = ? ORDER BY created_at LIMIT 1
	`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up mapping for message %s: %w", messageID, err)
	}
	return &m, nil
}

// MappingsByDiscordMessage returns every Matrix event a Discord message was
// delivered as. It returns ErrNotFound when there are none.
func (s *SQLStore) MappingsByDiscordMessage(ctx context.Context, messageID string) ([]EventMapping, error) {
	var out []EventMapping
	err := s.db.SelectContext(ctx, &out, `
		SELECT matrix_event_id, matrix_room_id, discord_message_id, discord_channel_id, discord_guild_id, created_at
		FROM event_mapping WHERE discord_message_id = ? ORDER BY created_at
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mappings for message %s: %w", messageID, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// DeleteMappingsByMatrixEvent removes all mappings of a Matrix event.
func (s *SQLStore) DeleteMappingsByMatrixEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_mapping WHERE matrix_event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to delete mappings for %s: %w", eventID, err)
	}
	return nil
}

// DeleteMappingByDiscordMessage removes the mapping of a Discord message.
func (s *SQLStore) DeleteMappingByDiscordMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_mapping WHERE discord_message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete mapping for message %s: %w", messageID, err)
	}
	return nil
}

// PruneMappings deletes mappings older than maxAge and returns how many were
// removed.
func (s *SQLStore) PruneMappings(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_mapping WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune mappings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	s.log.Debug().Int64("removed", n).Msg("Pruned old event mappings")
	return n, nil
}
