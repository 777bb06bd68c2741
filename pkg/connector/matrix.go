// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient implements MatrixAPI and InviteHandler with appservice
// intents. The bridge bot reads state and media; ghosts send their own
// messages.
type MatrixClient struct {
	as          *appservice.AppService
	homeserver  *url.URL
	maxDownload int64
	log         zerolog.Logger
}

var (
	_ MatrixAPI     = (*MatrixClient)(nil)
	_ InviteHandler = (*MatrixClient)(nil)
)

// NewMatrixClient wraps an appservice. homeserver is the public base URL used
// to build media links for Discord.
func NewMatrixClient(as *appservice.AppService, homeserver string, log zerolog.Logger) (*MatrixClient, error) {
	u, err := url.Parse(homeserver)
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	return &MatrixClient{
		as:          as,
		homeserver:  u,
		maxDownload: maxDownloadSize,
		log:         log.With().Str("component", "matrix_client").Logger(),
	}, nil
}

func (c *MatrixClient) intent(asUser id.UserID) *appservice.IntentAPI {
	if asUser == "" {
		return c.as.BotIntent()
	}
	return c.as.Intent(asUser)
}

// GetProfile prefers the per-room member event and falls back to the global
// profile.
func (c *MatrixClient) GetProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Profile, error) {
	bot := c.as.BotIntent()
	var member event.MemberEventContent
	err := bot.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member)
	if err == nil && (member.Displayname != "" || member.AvatarURL != "") {
		return &Profile{
			DisplayName: member.Displayname,
			AvatarURL:   member.AvatarURL,
			RoomScoped:  true,
		}, nil
	} else if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("user_id", userID).Msg("No member event, using global profile")
	}

	resp, err := bot.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile of %s: %w", userID, err)
	}
	return &Profile{DisplayName: resp.DisplayName, AvatarURL: resp.AvatarURL.CUString()}, nil
}

func (c *MatrixClient) StateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.as.BotIntent().StateEvent(ctx, roomID, evtType, stateKey, &raw)
	if errors.Is(err, mautrix.MNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, evtType.Type)
	} else if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *MatrixClient) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	return c.as.BotIntent().GetEvent(ctx, roomID, eventID)
}

func (c *MatrixClient) SendMessage(ctx context.Context, roomID id.RoomID, asUser id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.intent(asUser).SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *MatrixClient) Redact(ctx context.Context, roomID id.RoomID, asUser id.UserID, eventID id.EventID) error {
	_, err := c.intent(asUser).RedactEvent(ctx, roomID, eventID)
	return err
}

// MediaURL builds an unauthenticated media link, since Discord fetches
// avatars and attachments without Matrix credentials.
func (c *MatrixClient) MediaURL(mxc id.ContentURIString, width, height int) (string, error) {
	uri, err := id.ParseContentURI(string(mxc))
	if err != nil {
		return "", err
	}
	if width > 0 || height > 0 {
		u := c.homeserver.JoinPath("_matrix/media/v3/thumbnail", uri.Homeserver, uri.FileID)
		q := url.Values{}
		q.Set("width", strconv.Itoa(width))
		q.Set("height", strconv.Itoa(height))
		q.Set("method", "scale")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return c.homeserver.JoinPath("_matrix/media/v3/download", uri.Homeserver, uri.FileID).String(), nil
}

func (c *MatrixClient) Download(ctx context.Context, mxc id.ContentURIString) ([]byte, error) {
	uri, err := id.ParseContentURI(string(mxc))
	if err != nil {
		return nil, err
	}
	resp, err := c.as.BotIntent().Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readLimited(resp.Body, c.maxDownload)
}

func (c *MatrixClient) Upload(ctx context.Context, data []byte, fileName, mimeType string) (id.ContentURIString, error) {
	resp, err := c.as.BotIntent().UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (c *MatrixClient) SetGhostProfile(ctx context.Context, userID id.UserID, displayName string, avatar id.ContentURIString) error {
	intent := c.as.Intent(userID)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register ghost: %w", err)
	}
	if displayName != "" {
		if err := intent.SetDisplayName(ctx, displayName); err != nil {
			return fmt.Errorf("failed to set ghost displayname: %w", err)
		}
	}
	if avatar == "" {
		return nil
	}
	uri, err := id.ParseContentURI(string(avatar))
	if err != nil {
		return err
	}
	if err := intent.SetAvatarURL(ctx, uri); err != nil {
		return fmt.Errorf("failed to set ghost avatar: %w", err)
	}
	return nil
}

// HandleInvite joins rooms the bridge bot is invited to.
func (c *MatrixClient) HandleInvite(ctx context.Context, evt *event.Event) error {
	if _, err := c.as.BotIntent().JoinRoomByID(ctx, evt.RoomID); err != nil {
		return fmt.Errorf("failed to join %s: %w", evt.RoomID, err)
	}
	zerolog.Ctx(ctx).Info().Stringer("inviter", evt.Sender).Msg("Joined room after invite")
	return nil
}

// routedEventTypes are the Matrix event types handed to the router.
var routedEventTypes = []event.Type{
	event.EventMessage,
	event.EventSticker,
	event.EventRedaction,
	event.StateMember,
	event.StateRoomName,
	event.StateTopic,
	event.StateEncryption,
}

// RegisterMatrixHandlers routes appservice transactions through r.
func RegisterMatrixHandlers(ep *appservice.EventProcessor, r *Router) {
	// Route only queues work, so handling a transaction in order is cheap and
	// keeps the chains in arrival order.
	ep.ExecMode = appservice.Sync
	for _, t := range routedEventTypes {
		ep.On(t, func(ctx context.Context, evt *event.Event) {
			_ = r.Route(ctx, evt)
		})
	}
}
