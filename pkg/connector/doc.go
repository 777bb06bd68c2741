// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a relay bridge between Matrix rooms and
// Discord channels.
//
// Matrix users appear on Discord through a per-channel webhook carrying their
// display name and avatar. When webhooks are disabled or unavailable the bot
// posts the message as an embed whose author is the sender's name and avatar.
// Discord users appear on Matrix as appservice ghost users.
//
// # Core Types
//
// [Router] classifies inbound events from both networks and decides their
// outcome: drop, invite handling, moderation, state sync, redaction, command
// dispatch, or delivery.
//
// [DeliveryChains] serialize deliveries per destination. Tasks for one
// Discord channel or one Matrix room run strictly in the order they were
// queued while distinct destinations progress independently. Events are
// queued as they arrive and any slow work, media transfer for example, runs
// inside the queued task.
//
// [DiscordClient] and [MatrixClient] adapt discordgo and the mautrix
// appservice to the narrow [DiscordAPI] and [MatrixAPI] interfaces the router
// depends on.
//
// # Echo Prevention
//
// Every message sent through a webhook is remembered in a bounded
// time-limited set. A Discord message whose id is in the set, or whose
// webhook is one of ours, is an echo and is never relayed back to Matrix.
// Matrix events sent by the bridge bot or by ghost users are dropped the same
// way.
//
// # Formatting
//
// The [matrixfmt] and [discordfmt] subpackages convert message bodies between
// Matrix HTML and Discord markdown, including mentions, custom emoji and
// spoilers.
package connector
