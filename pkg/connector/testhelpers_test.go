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
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

const (
	testDomain  = "example.org"
	testBot     = id.UserID("@discordbot:example.org")
	testRoom    = id.RoomID("!room:example.org")
	testGuild   = "100"
	testChannel = "200"
	testUser    = id.UserID("@alice:example.org")
)

var errFake = errors.New("fake failure")

// sentMatrix is one message sent through fakeMatrix.
type sentMatrix struct {
	RoomID  id.RoomID
	AsUser  id.UserID
	Content *event.MessageEventContent
}

// fakeMatrix is an in-memory MatrixAPI.
type fakeMatrix struct {
	mu sync.Mutex

	Profiles     map[id.UserID]*Profile
	ProfileErr   error
	profileCalls int

	// State maps "type|stateKey" to raw state content.
	State map[string]json.RawMessage

	Events        map[id.EventID]*event.Event
	getEventCalls int

	SendErr  error
	sent     []sentMatrix
	redacted []id.EventID
	nextID   int

	Media           map[id.ContentURIString][]byte
	DownloadErr     error
	DownloadLatency time.Duration
	UploadErr       error
	uploads     []string

	Ghosts map[id.UserID]string
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		Profiles: make(map[id.UserID]*Profile),
		State:    make(map[string]json.RawMessage),
		Events:   make(map[id.EventID]*event.Event),
		Media:    make(map[id.ContentURIString][]byte),
		Ghosts:   make(map[id.UserID]string),
	}
}

func (f *fakeMatrix) GetProfile(_ context.Context, _ id.RoomID, userID id.UserID) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	if f.ProfileErr != nil {
		return nil, f.ProfileErr
	}
	if p, ok := f.Profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("no profile for %s", userID)
}

func (f *fakeMatrix) StateEvent(_ context.Context, _ id.RoomID, evtType event.Type, stateKey string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.State[evtType.Type+"|"+stateKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoState, evtType.Type)
	}
	return raw, nil
}

func (f *fakeMatrix) SetPowerLevels(users map[id.UserID]int, roomNotify *int) {
	pl := map[string]any{"users": users}
	if roomNotify != nil {
		pl["notifications"] = map[string]int{"room": *roomNotify}
	}
	raw, _ := json.Marshal(pl)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State[event.StatePowerLevels.Type+"|"] = raw
}

func (f *fakeMatrix) GetEvent(_ context.Context, _ id.RoomID, eventID id.EventID) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getEventCalls++
	evt, ok := f.Events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	// Callers parse content in place, so hand out a copy.
	cp := *evt
	return &cp, nil
}

func (f *fakeMatrix) GetEventCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getEventCalls
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, asUser id.UserID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMatrix{RoomID: roomID, AsUser: asUser, Content: content})
	return id.EventID(fmt.Sprintf("$sent%d", f.nextID)), nil
}

func (f *fakeMatrix) Sent() []sentMatrix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeMatrix) Redact(_ context.Context, _ id.RoomID, _ id.UserID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return nil
}

func (f *fakeMatrix) Redacted() []id.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.redacted)
}

func (f *fakeMatrix) MediaURL(mxc id.ContentURIString, _, _ int) (string, error) {
	uri, err := id.ParseContentURI(string(mxc))
	if err != nil {
		return "", err
	}
	return "https://media.example.org/" + uri.Homeserver + "/" + uri.FileID, nil
}

func (f *fakeMatrix) Download(_ context.Context, mxc id.ContentURIString) ([]byte, error) {
	time.Sleep(f.DownloadLatency)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	data, ok := f.Media[mxc]
	if !ok {
		return nil, fmt.Errorf("media %s not found", mxc)
	}
	return data, nil
}

func (f *fakeMatrix) Upload(_ context.Context, data []byte, fileName, _ string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.uploads = append(f.uploads, fileName)
	mxc := id.ContentURIString(fmt.Sprintf("mxc://%s/up%d", testDomain, len(f.uploads)))
	f.Media[mxc] = data
	return mxc, nil
}

func (f *fakeMatrix) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.uploads)
}

func (f *fakeMatrix) SetGhostProfile(_ context.Context, userID id.UserID, displayName string, _ id.ContentURIString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ghosts[userID] = displayName
	return nil
}

// fakeDiscord is an in-memory DiscordAPI. Latency, when set, is slept before
// each send to shake out ordering bugs.
type fakeDiscord struct {
	mu sync.Mutex

	Relay        *Relay
	RelayErr     error
	SendRelayErr error
	SendErr      error
	Latency      func() time.Duration

	botSent   []*OutboundMessage
	relaySent []*OutboundMessage
	deleted   []string
	nextID    int

	Files map[string][]byte
}

var _ DiscordAPI = (*fakeDiscord)(nil)

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{Files: make(map[string][]byte)}
}

func (f *fakeDiscord) wait() {
	if f.Latency != nil {
		time.Sleep(f.Latency())
	}
}

func (f *fakeDiscord) Send(_ context.Context, msg *OutboundMessage) (string, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.nextID++
	f.botSent = append(f.botSent, msg)
	return fmt.Sprintf("%d", 9000+f.nextID), nil
}

func (f *fakeDiscord) GetRelay(context.Context, string) (*Relay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Relay, f.RelayErr
}

func (f *fakeDiscord) SendRelay(_ context.Context, _ *Relay, msg *OutboundMessage) (string, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendRelayErr != nil {
		return "", f.SendRelayErr
	}
	f.nextID++
	f.relaySent = append(f.relaySent, msg)
	return fmt.Sprintf("%d", 7000+f.nextID), nil
}

func (f *fakeDiscord) Delete(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeDiscord) Download(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[url]
	if !ok {
		return nil, fmt.Errorf("no file at %s", url)
	}
	return data, nil
}

func (f *fakeDiscord) BotSent() []*OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.botSent)
}

func (f *fakeDiscord) RelaySent() []*OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.relaySent)
}

func (f *fakeDiscord) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}

// memStore is an in-memory MappingStore and PortalStore.
type memStore struct {
	mu        sync.Mutex
	mappings  []store.EventMapping
	portals   []store.Portal
	PortalErr error
}

var (
	_ MappingStore = (*memStore)(nil)
	_ PortalStore  = (*memStore)(nil)
)

func (m *memStore) InsertMapping(_ context.Context, em *store.EventMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = append(m.mappings, *em)
	return nil
}

func (m *memStore) filter(keep func(store.EventMapping) bool) []store.EventMapping {
	var out []store.EventMapping
	for _, em := range m.mappings {
		if keep(em) {
			out = append(out, em)
		}
	}
	return out
}

func (m *memStore) MappingsByMatrixEvent(_ context.Context, eventID string) ([]store.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(em store.EventMapping) bool { return em.MatrixEventID == eventID })
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (m *memStore) MappingByDiscordMessage(ctx context.Context, messageID string) (*store.EventMapping, error) {
	out, err := m.MappingsByDiscordMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (m *memStore) MappingsByDiscordMessage(_ context.Context, messageID string) ([]store.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(em store.EventMapping) bool { return em.DiscordMessageID == messageID })
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (m *memStore) DeleteMappingsByMatrixEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = m.filter(func(em store.EventMapping) bool { return em.MatrixEventID != eventID })
	return nil
}

func (m *memStore) DeleteMappingByDiscordMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = m.filter(func(em store.EventMapping) bool { return em.DiscordMessageID != messageID })
	return nil
}

func (m *memStore) Mappings() []store.EventMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.mappings)
}

func (m *memStore) LinkPortal(_ context.Context, p *store.Portal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.portals {
		if existing.ChannelID != p.ChannelID {
			continue
		}
		if existing.RoomID != p.RoomID {
			return fmt.Errorf("%w: %s is linked to %s", store.ErrChannelLinked, p.ChannelID, existing.RoomID)
		}
		return nil
	}
	m.portals = append(m.portals, *p)
	return nil
}

func (m *memStore) UnlinkPortal(_ context.Context, roomID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.portals)
	m.portals = slices.DeleteFunc(m.portals, func(p store.Portal) bool {
		return p.RoomID == roomID && p.ChannelID == channelID
	})
	if len(m.portals) == n {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) DeletePortalsByRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PortalErr != nil {
		return m.PortalErr
	}
	m.portals = slices.DeleteFunc(m.portals, func(p store.Portal) bool { return p.RoomID == roomID })
	return nil
}

func (m *memStore) PortalsByRoom(_ context.Context, roomID string) ([]store.Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Portal
	for _, p := range m.portals {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) PortalByChannel(_ context.Context, channelID string) (*store.Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.portals {
		if p.ChannelID == channelID {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) AllPortals(context.Context) ([]store.Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.portals), nil
}

// memEmoji is an in-memory EmojiStore.
type memEmoji struct {
	mu   sync.Mutex
	byID map[string]store.Emoji
}

var _ EmojiStore = (*memEmoji)(nil)

func newMemEmoji() *memEmoji {
	return &memEmoji{byID: make(map[string]store.Emoji)}
}

func (m *memEmoji) Put(e *store.Emoji) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = *e
	return nil
}

func (m *memEmoji) ByID(emojiID string) (*store.Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[emojiID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (m *memEmoji) ByMXC(mxc string) (*store.Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.MXC == mxc {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

// staticDirectory serves the same snapshots for every guild.
type staticDirectory struct {
	matrix  *matrixfmt.Snapshot
	discord *discordfmt.Snapshot
}

func newStaticDirectory() *staticDirectory {
	return &staticDirectory{matrix: matrixfmt.NewSnapshot(), discord: discordfmt.NewSnapshot()}
}

func (d *staticDirectory) MatrixDirectory(string) matrixfmt.Directory { return d.matrix }

func (d *staticDirectory) DiscordDirectory(string) discordfmt.Directory { return d.discord }

// recordingHooks records what the router hands to its hooks.
type recordingHooks struct {
	mu         sync.Mutex
	invites    []*event.Event
	moderation []*ModerationAction
	states     []*event.Event
	commands   [][]string
}

func (h *recordingHooks) HandleInvite(_ context.Context, evt *event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invites = append(h.invites, evt)
	return nil
}

func (h *recordingHooks) HandleModeration(_ context.Context, action *ModerationAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.moderation = append(h.moderation, action)
	return nil
}

func (h *recordingHooks) SyncState(_ context.Context, evt *event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, evt)
	return nil
}

func (h *recordingHooks) HandleCommand(_ context.Context, _ *event.Event, args []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, args)
	return nil
}

func (h *recordingHooks) hooks() Hooks {
	return Hooks{Invite: h, Moderation: h, StateSync: h, Command: h}
}

// testEnv bundles a router with its fakes.
type testEnv struct {
	router  *Router
	cfg     *Config
	matrix  *fakeMatrix
	discord *fakeDiscord
	store   *memStore
	emoji   *memEmoji
	dir     *staticDirectory
	hooks   *recordingHooks
	now     time.Time
}

func testConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "https://matrix.example.org", Domain: testDomain},
		AppService: AppServiceConfig{Registration: "registration.yaml", Hostname: "127.0.0.1", Port: 29330},
		Discord:    DiscordConfig{BotToken: "token", UseWebhooks: true, WebhookName: "Matrix Bridge"},
		Bridge: BridgeConfig{
			UserPrefix:          "_discord_",
			RoomPrefix:          "_discord_",
			DisplaynameTemplate: "{{or .Nickname .GlobalName .Username}} (Discord)",
			CommandPrefix:       "!discord",
			MaxEventAge:         15 * time.Minute,
			EchoWindow:          5 * time.Minute,
			EchoCapacity:        100,
			ProfileCacheTTL:     5 * time.Minute,
			MaxAttachmentSize:   1000,
			EmoteNameMin:        1,
			EmoteNameMax:        32,
			CachePurgeInterval:  10 * time.Minute,
		},
		Database: DatabaseConfig{Path: "bridge.db", EmojiPath: "emoji"},
	}
	if err := cfg.Bridge.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// newTestEnv creates a router over fakes with one portal linking testRoom to
// testChannel. mutate may adjust the config before the router is built.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	env := &testEnv{
		cfg:     cfg,
		matrix:  newFakeMatrix(),
		discord: newFakeDiscord(),
		store:   &memStore{},
		emoji:   newMemEmoji(),
		dir:     newStaticDirectory(),
		hooks:   &recordingHooks{},
		now:     time.UnixMilli(1_700_000_000_000),
	}
	env.discord.Relay = &Relay{ID: "555", Token: "tok"}
	env.store.portals = []store.Portal{{RoomID: testRoom.String(), GuildID: testGuild, ChannelID: testChannel}}
	env.matrix.Profiles[testUser] = &Profile{DisplayName: "Alice", AvatarURL: "mxc://example.org/alice", RoomScoped: true}

	env.router = NewRouter(cfg, RouterDeps{
		Matrix:    env.matrix,
		Discord:   env.discord,
		Mappings:  env.store,
		Portals:   env.store,
		Emoji:     env.emoji,
		Directory: env.dir,
		Hooks:     env.hooks.hooks(),
		BotMXID:   testBot,
	}, zerolog.Nop())
	env.router.now = func() time.Time { return env.now }
	env.router.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(env.router.Chains().Wait)
	return env
}

// route routes evt and waits for all queued deliveries.
func (e *testEnv) route(t *testing.T, evt *event.Event) error {
	t.Helper()
	err := e.router.Route(context.Background(), evt)
	e.router.Chains().Wait()
	return err
}

// textEvent builds an m.room.message event with parsed content.
func (e *testEnv) textEvent(eventID id.EventID, sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: e.now.UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func ghostOf(discordID string) id.UserID {
	return MakeGhostID("_discord_", testDomain, discordID)
}
