// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
	"github.com/aiku/matrix-discord-bridge/pkg/timedcache"
)

const (
	matrixEncryptionWarning  = "You have turned on encryption in this room, so the service will not bridge any new messages."
	discordEncryptionWarning = "Someone on Matrix has turned on encryption in this room, so the service will not bridge any new messages"
)

// Outcome is the terminal action taken for an inbound event.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeEcho
	OutcomeInvite
	OutcomeModeration
	OutcomeStateSync
	OutcomeRedacted
	OutcomeCommand
	OutcomeQueued
	OutcomeEncryption
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeEcho:
		return "echo"
	case OutcomeInvite:
		return "invite"
	case OutcomeModeration:
		return "moderation"
	case OutcomeStateSync:
		return "state_sync"
	case OutcomeRedacted:
		return "redacted"
	case OutcomeCommand:
		return "command"
	case OutcomeQueued:
		return "queued"
	case OutcomeEncryption:
		return "encryption"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// EventKind is the category of an inbound event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindMember
	KindName
	KindTopic
	KindRedaction
	KindMessage
	KindSticker
	KindEncryption
	KindDiscordMessage
	KindDiscordEdit
	KindDiscordDelete
)

func (k EventKind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindMember:
		return "member"
	case KindName:
		return "name"
	case KindTopic:
		return "topic"
	case KindRedaction:
		return "redaction"
	case KindMessage:
		return "message"
	case KindSticker:
		return "sticker"
	case KindEncryption:
		return "encryption"
	case KindDiscordMessage:
		return "discord_message"
	case KindDiscordEdit:
		return "discord_edit"
	case KindDiscordDelete:
		return "discord_delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// classifyEvent maps a Matrix event type to its kind. Only the type string is
// compared so events whose class was not filled in still classify.
func classifyEvent(t event.Type) EventKind {
	switch t.Type {
	case event.StateMember.Type:
		return KindMember
	case event.StateRoomName.Type:
		return KindName
	case event.StateTopic.Type:
		return KindTopic
	case event.EventRedaction.Type:
		return KindRedaction
	case event.EventMessage.Type:
		return KindMessage
	case event.EventSticker.Type:
		return KindSticker
	case event.StateEncryption.Type:
		return KindEncryption
	default:
		return KindUnknown
	}
}

// RouterDeps are the collaborators of a Router.
type RouterDeps struct {
	Matrix    MatrixAPI
	Discord   DiscordAPI
	Mappings  MappingStore
	Portals   PortalStore
	Emoji     EmojiStore
	Directory DirectoryProvider
	Hooks     Hooks
	// BotMXID is the Matrix user id of the bridge bot.
	BotMXID id.UserID
	// Registerer receives the router's metrics. Nil disables registration.
	Registerer prometheus.Registerer
	// Chains are shared with collaborators that reopen destinations. A new
	// set is created when nil.
	Chains *DeliveryChains
}

// Router classifies inbound events of both networks and delivers them through
// per-destination delivery chains. Chains are keyed by Discord channel id for
// Matrix events and by Matrix room id for Discord events.
type Router struct {
	cfg         *BridgeConfig
	domain      string
	useWebhooks bool

	matrix    MatrixAPI
	discord   DiscordAPI
	mappings  MappingStore
	portals   PortalStore
	directory DirectoryProvider
	hooks     Hooks
	botMXID   id.UserID
	botID     atomic.Pointer[string]

	chains   *DeliveryChains
	echoes   *timedcache.Cache[string, struct{}]
	relayIDs sync.Map
	ghosts   *timedcache.Cache[string, struct{}]
	profiles *ProfileCache
	emoji    *EmojiBridge

	toDiscord *matrixfmt.Converter
	toMatrix  *discordfmt.Converter
	metrics   *Metrics

	log   zerolog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a router from the bridge config.
func NewRouter(cfg *Config, deps RouterDeps, log zerolog.Logger) *Router {
	log = log.With().Str("component", "router").Logger()
	bc := &cfg.Bridge
	r := &Router{
		cfg:         bc,
		domain:      cfg.Homeserver.Domain,
		useWebhooks: cfg.Discord.UseWebhooks,
		matrix:      deps.Matrix,
		discord:     deps.Discord,
		mappings:    deps.Mappings,
		portals:     deps.Portals,
		directory:   deps.Directory,
		hooks:       deps.Hooks.withDefaults(),
		botMXID:     deps.BotMXID,
		chains:      deps.Chains,
		echoes:      timedcache.New[string, struct{}](bc.EchoWindow, timedcache.WithCapacity(bc.EchoCapacity)),
		ghosts:      timedcache.New[string, struct{}](bc.ProfileCacheTTL),
		profiles:    NewProfileCache(deps.Matrix, bc.ProfileCacheTTL, log),
		log:         log,
		now:         time.Now,
		sleep:       sleepContext,
	}
	if r.chains == nil {
		r.chains = NewDeliveryChains(log)
	}
	if r.directory == nil {
		r.directory = emptyDirectory{}
	}
	r.emoji = NewEmojiBridge(deps.Emoji, deps.Matrix, deps.Discord, log)
	r.toDiscord = matrixfmt.NewConverter(matrixfmt.Options{
		UserPrefix: bc.UserPrefix,
		RoomPrefix: bc.RoomPrefix,
		Broadcast: matrixfmt.BroadcastPolicy{
			AllowEveryone: bc.AllowEveryone,
			AllowHere:     bc.AllowHere,
		},
		EmoteNameMin: bc.EmoteNameMin,
		EmoteNameMax: bc.EmoteNameMax,
	}, r.emoji, log.With().Str("component", "matrixfmt").Logger())
	r.toMatrix = discordfmt.NewConverter(discordfmt.Options{
		Domain:     cfg.Homeserver.Domain,
		UserPrefix: bc.UserPrefix,
		RoomPrefix: bc.RoomPrefix,
	}, r.emoji, log.With().Str("component", "discordfmt").Logger())
	r.metrics = NewMetrics(deps.Registerer, r.chains)
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chains returns the router's delivery chains.
func (r *Router) Chains() *DeliveryChains {
	return r.chains
}

// Emoji returns the router's emoji bridge.
func (r *Router) Emoji() *EmojiBridge {
	return r.emoji
}

// SetDiscordBotID records the bot's own Discord user id once the gateway is
// ready. Messages from this id are never bridged.
func (r *Router) SetDiscordBotID(userID string) {
	r.botID.Store(&userID)
}

func (r *Router) discordBotID() string {
	if p := r.botID.Load(); p != nil {
		return *p
	}
	return ""
}

// PurgeCaches drops expired entries from the echo set and profile caches.
func (r *Router) PurgeCaches() int {
	return r.echoes.Purge() + r.ghosts.Purge() + r.profiles.Purge()
}

func (r *Router) ghostID(userID id.UserID) (string, bool) {
	return ParseGhostID(r.cfg.UserPrefix, r.domain, userID)
}

// isBridgeUser reports whether userID is the bridge bot or one of its ghosts.
func (r *Router) isBridgeUser(userID id.UserID) bool {
	if userID == r.botMXID {
		return true
	}
	_, ok := r.ghostID(userID)
	return ok
}

func parseContent(content *event.Content, evtType event.Type) error {
	if content.Parsed != nil {
		return nil
	}
	return content.ParseRaw(evtType)
}

// Route classifies a Matrix event and takes its terminal action. Messages are
// queued for delivery and Route returns before they are sent. Only failures
// that leave a destination in an unknown state are returned.
func (r *Router) Route(ctx context.Context, evt *event.Event) error {
	kind := classifyEvent(evt.Type)
	log := r.log.With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)

	outcome, err := r.route(ctx, kind, evt)
	r.metrics.event("matrix", kind, outcome)
	if err != nil {
		log.Err(err).Stringer("outcome", outcome).Msg("Failed to route Matrix event")
		return err
	}
	log.Debug().Stringer("outcome", outcome).Msg("Routed Matrix event")
	return nil
}

func (r *Router) route(ctx context.Context, kind EventKind, evt *event.Event) (Outcome, error) {
	if r.cfg.MaxEventAge > 0 && evt.Timestamp > 0 &&
		r.now().Sub(time.UnixMilli(evt.Timestamp)) > r.cfg.MaxEventAge {
		return OutcomeDropped, nil
	}
	if kind != KindUnknown {
		if err := parseContent(&evt.Content, evt.Type); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to parse event content")
			return OutcomeDropped, nil
		}
	}

	if kind == KindMember {
		member := evt.Content.AsMember()
		target := id.UserID(evt.GetStateKey())
		if member.Membership == event.MembershipInvite && target == r.botMXID {
			return OutcomeInvite, r.hooks.Invite.HandleInvite(ctx, evt)
		}
		if discordID, ok := r.ghostID(target); ok && evt.Sender != target &&
			(member.Membership == event.MembershipLeave || member.Membership == event.MembershipBan) {
			return r.handleModeration(ctx, evt, discordID, member)
		}
	}

	switch kind {
	case KindMember, KindName, KindTopic:
		return OutcomeStateSync, r.hooks.StateSync.SyncState(ctx, evt)
	case KindRedaction:
		return r.handleRedaction(ctx, evt)
	case KindMessage, KindSticker:
		return r.handleMatrixMessage(ctx, evt)
	case KindEncryption:
		return r.handleEncryption(ctx, evt)
	case KindUnknown:
		return OutcomeDropped, nil
	default:
		return OutcomeDropped, nil
	}
}

func (r *Router) handleModeration(ctx context.Context, evt *event.Event, discordID string, member *event.MemberEventContent) (Outcome, error) {
	action := &ModerationAction{
		RoomID:        evt.RoomID,
		Actor:         evt.Sender,
		DiscordUserID: discordID,
		Reason:        member.Reason,
	}
	switch {
	case member.Membership == event.MembershipBan:
		action.Kind = ModerationBan
	case r.previousMembership(ctx, evt) == event.MembershipBan:
		action.Kind = ModerationUnban
	default:
		action.Kind = ModerationKick
	}
	zerolog.Ctx(ctx).Info().
		Stringer("action", action.Kind).
		Str("discord_user_id", discordID).
		Msg("Propagating moderation to Discord")
	return OutcomeModeration, r.hooks.Moderation.HandleModeration(ctx, action)
}

// previousMembership returns the membership replaced by evt, from the unsigned
// prev_content or else from the replaced state event.
func (r *Router) previousMembership(ctx context.Context, evt *event.Event) event.Membership {
	if prev := evt.Unsigned.PrevContent; prev != nil {
		if err := parseContent(prev, evt.Type); err == nil {
			return prev.AsMember().Membership
		}
	}
	if evt.Unsigned.ReplacesState == "" {
		return ""
	}
	prevEvt, err := r.matrix.GetEvent(ctx, evt.RoomID, evt.Unsigned.ReplacesState)
	if err == nil {
		err = parseContent(&prevEvt.Content, prevEvt.Type)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Stringer("replaces_state", evt.Unsigned.ReplacesState).
			Msg("Failed to fetch previous membership")
		return ""
	}
	return prevEvt.Content.AsMember().Membership
}

func (r *Router) handleRedaction(ctx context.Context, evt *event.Event) (Outcome, error) {
	if r.isBridgeUser(evt.Sender) {
		return OutcomeEcho, nil
	}
	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	log := zerolog.Ctx(ctx).With().Stringer("redacts", target).Logger()

	// The redacted message may still be queued, so the mapping is looked up
	// inside each channel's chain, after the send that creates it.
	channels := make(map[string]struct{})
	if portals, err := r.portals.PortalsByRoom(ctx, evt.RoomID.String()); err != nil {
		log.Warn().Err(err).Msg("Failed to look up portals")
	} else {
		for _, p := range portals {
			channels[p.ChannelID] = struct{}{}
		}
	}
	mappings, err := r.mappings.MappingsByMatrixEvent(ctx, target.String())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to look up redacted event")
	}
	for _, m := range mappings {
		channels[m.DiscordChannelID] = struct{}{}
	}
	if len(channels) == 0 {
		log.Debug().Msg("No Discord channels for redacted event")
		return OutcomeDropped, nil
	}

	for channelID := range channels {
		r.chains.Enqueue(ctx, channelID, func(ctx context.Context) error {
			return r.deleteMapped(ctx, log, target, channelID)
		})
	}
	return OutcomeRedacted, nil
}

// deleteMapped deletes the messages in channelID that target was delivered as.
// A target with no messages there is logged and ignored.
func (r *Router) deleteMapped(ctx context.Context, log zerolog.Logger, target id.EventID, channelID string) error {
	mappings, err := r.mappings.MappingsByMatrixEvent(ctx, target.String())
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("channel_id", channelID).Msg("No Discord messages for redacted event")
		return nil
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to look up redacted event")
		return nil
	}
	var errs []error
	for _, m := range mappings {
		if m.DiscordChannelID != channelID {
			continue
		}
		err := r.discord.Delete(ctx, m.DiscordChannelID, m.DiscordMessageID)
		r.metrics.delivery("matrix", "delete", err)
		if err != nil {
			log.Err(err).
				Str("channel_id", m.DiscordChannelID).
				Str("message_id", m.DiscordMessageID).
				Msg("Failed to delete Discord message")
			errs = append(errs, err)
			continue
		}
		if err := r.mappings.DeleteMappingByDiscordMessage(ctx, m.DiscordMessageID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleEncryption warns both sides, unlinks the room and retires its chains.
// Queued work still settles. Any failure is returned.
func (r *Router) handleEncryption(ctx context.Context, evt *event.Event) (Outcome, error) {
	portals, err := r.portals.PortalsByRoom(ctx, evt.RoomID.String())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to look up portals: %w", err)
	}
	if len(portals) == 0 {
		return OutcomeDropped, nil
	}

	warnings := make([]<-chan error, len(portals))
	for i, p := range portals {
		warnings[i] = r.chains.Enqueue(ctx, p.ChannelID, func(ctx context.Context) error {
			_, err := r.discord.Send(ctx, &OutboundMessage{ChannelID: p.ChannelID, Content: discordEncryptionWarning})
			return err
		})
		r.chains.Retire(p.ChannelID)
	}
	r.chains.Retire(evt.RoomID.String())

	var errs []error
	if err := r.portals.DeletePortalsByRoom(ctx, evt.RoomID.String()); err != nil {
		errs = append(errs, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := r.matrix.SendMessage(gctx, evt.RoomID, "", &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    matrixEncryptionWarning,
		})
		if err != nil {
			return fmt.Errorf("failed to warn Matrix room: %w", err)
		}
		return nil
	})
	for i, w := range warnings {
		g.Go(func() error {
			if err := <-w; err != nil {
				return fmt.Errorf("failed to warn channel %s: %w", portals[i].ChannelID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return OutcomeFailed, fmt.Errorf("encryption handling incomplete: %w", errors.Join(errs...))
	}
	zerolog.Ctx(ctx).Info().Int("channels", len(portals)).Msg("Stopped bridging encrypted room")
	return OutcomeEncryption, nil
}

func fetchPowerLevels(ctx context.Context, api MatrixAPI, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	raw, err := api.StateEvent(ctx, roomID, event.StatePowerLevels, "")
	if err != nil {
		return nil, err
	}
	content := event.Content{VeryRaw: raw}
	if err := content.ParseRaw(event.StatePowerLevels); err != nil {
		return nil, fmt.Errorf("failed to decode power levels: %w", err)
	}
	return content.AsPowerLevels(), nil
}

// roomEncrypted reports whether roomID has an m.room.encryption state event.
func roomEncrypted(ctx context.Context, api MatrixAPI, roomID id.RoomID) (bool, error) {
	_, err := api.StateEvent(ctx, roomID, event.StateEncryption, "")
	if errors.Is(err, ErrNoState) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// canNotifyRoom checks the sender's power against the room notification
// level. It is checked live on every call.
func (r *Router) canNotifyRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) bool {
	pl, err := fetchPowerLevels(ctx, r.matrix, roomID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to fetch power levels, not converting @room")
		return false
	}
	return pl.GetUserLevel(userID) >= pl.Notifications.Room()
}

type emptyDirectory struct{}

func (emptyDirectory) MatrixDirectory(string) matrixfmt.Directory { return matrixfmt.NewSnapshot() }

func (emptyDirectory) DiscordDirectory(string) discordfmt.Directory { return discordfmt.NewSnapshot() }
