// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Portal links a Matrix room to a Discord channel.
type Portal struct {
	RoomID    string `db:"matrix_room_id" json:"room_id" validate:"required,startswith=!"`
	GuildID   string `db:"discord_guild_id" json:"guild_id" validate:"required,numeric"`
	ChannelID string `db:"discord_channel_id" json:"channel_id" validate:"required,numeric"`
}

// ErrChannelLinked is returned when linking a channel that is already linked
// to another room.
var ErrChannelLinked = errors.New("channel already linked to another room")

// LinkPortal links a room to a channel. Linking an existing pair is a no-op.
// A channel is linked to at most one room; linking it to a second room
// returns ErrChannelLinked.
func (s *SQLStore) LinkPortal(ctx context.Context, p *Portal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var linked string
	err = tx.GetContext(ctx, &linked,
		`SELECT matrix_room_id FROM portal WHERE discord_channel_id = ?`, p.ChannelID)
	switch {
	case err == nil && linked == p.RoomID:
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s is linked to %s", ErrChannelLinked, p.ChannelID, linked)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to look up portal of channel %s: %w", p.ChannelID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO portal (matrix_room_id, discord_guild_id, discord_channel_id, created_at)
		VALUES (?, ?, ?, ?)
	`, p.RoomID, p.GuildID, p.ChannelID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", p.RoomID, p.ChannelID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit portal link: %w", err)
	}
	s.log.Info().Str("room_id", p.RoomID).Str("channel_id", p.ChannelID).Msg("Portal linked")
	return nil
}

// UnlinkPortal removes one room/channel link. It returns ErrNotFound when the
// pair was not linked.
func (s *SQLStore) UnlinkPortal(ctx context.Context, roomID, channelID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM portal WHERE matrix_room_id = ? AND discord_channel_id = ?`, roomID, channelID)
	if err != nil {
		return fmt.Errorf("failed to unlink %s from %s: %w", roomID, channelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePortalsByRoom removes every link of a room.
func (s *SQLStore) DeletePortalsByRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM portal WHERE matrix_room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete portals of %s: %w", roomID, err)
	}
	return nil
}

// PortalsByRoom returns the channels a room is linked to. The result is empty
// for rooms that are not bridged.
func (s *SQLStore) PortalsByRoom(ctx context.Context, roomID string) ([]Portal, error) {
	var out []Portal
	err := s.db.SelectContext(ctx, &out, `
		SELECT matrix_room_id, discord_guild_id, discord_channel_id
		FROM portal WHERE matrix_room_id = ? ORDER BY created_at
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up portals of %s: %w", roomID, err)
	}
	return out, nil
}

// PortalByChannel returns the room a channel is linked to.
func (s *SQLStore) PortalByChannel(ctx context.Context, channelID string) (*Portal, error) {
	var p Portal
	err := s.db.GetContext(ctx, &p, `
		SELECT matrix_room_id, discord_guild_id, discord_channel_id
		FROM portal WHERE discord_channel_id = ?
	`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up portal of channel %s: %w", channelID, err)
	}
	return &p, nil
}

// AllPortals lists every link.
func (s *SQLStore) AllPortals(ctx context.Context) ([]Portal, error) {
	var out []Portal
	err := s.db.SelectContext(ctx, &out, `
		SELECT matrix_room_id, discord_guild_id, discord_channel_id FROM portal ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portals: %w", err)
	}
	return out, nil
}
