// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-discord-bridge relays messages between Matrix rooms and
// Discord channels. It runs as a Matrix application service and a Discord
// bot at the same time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	envFile      = flag.Make().LongKey("env-file").Usage("Load environment variables from this file if it exists.").Default(".env").String()
	showVersion  = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
	wantHelp, _  = flag.MakeHelpFlag()
)

const discordIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildEmojis |
	discordgo.IntentsMessageContent

func main() {
	flag.SetHelpTitles(
		"matrix-discord-bridge - A Matrix-Discord relay bridge.",
		"matrix-discord-bridge [-hev] [-c <path>] [--env-file <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *showVersion {
		fmt.Printf("matrix-discord-bridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load env file:", err)
		os.Exit(1)
	}
	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(11)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(log.WithContext(ctx), cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped with error")
	}
	log.Info().Msg("Bridge stopped")
}

func run(ctx context.Context, cfg *connector.Config, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting matrix-discord-bridge")

	db, err := store.OpenSQL(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()
	emoji, err := store.OpenEmoji(cfg.Database.EmojiPath, log)
	if err != nil {
		return err
	}
	defer emoji.Close()

	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()
	matrix, err := connector.NewMatrixClient(as, cfg.Homeserver.Address, log)
	if err != nil {
		return err
	}

	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordIntents
	session.State.MaxMessageCount = 100
	discord := connector.NewDiscordClient(session, cfg.Discord.WebhookName, db, log)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	chains := connector.NewDeliveryChains(log)
	commands := connector.NewBridgeCommands(matrix, db, discord, chains, log)
	router := connector.NewRouter(cfg, connector.RouterDeps{
		Matrix:    matrix,
		Discord:   discord,
		Mappings:  db,
		Portals:   db,
		Emoji:     emoji,
		Directory: discord,
		Hooks: connector.Hooks{
			Invite:     matrix,
			Moderation: discord,
			StateSync:  discord,
			Command:    commands,
		},
		BotMXID:    as.BotMXID(),
		Registerer: metrics,
		Chains:     chains,
	}, log)

	maintenance, err := connector.NewMaintenance(ctx, router, db,
		cfg.Bridge.CachePurgeInterval, cfg.Database.MappingRetention, log)
	if err != nil {
		return err
	}
	maintenance.Start()
	defer func() {
		if err := maintenance.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop maintenance jobs")
		}
	}()

	connector.NewAdminAPI(router, db, metrics, log).Start(ctx, cfg.AdminAPIAddr)

	ep := appservice.NewEventProcessor(as)
	connector.RegisterMatrixHandlers(ep, router)
	ep.Start(ctx)
	defer ep.Stop()
	go as.Start()
	defer as.Stop()

	connector.AddHandlers(ctx, session, router)
	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	defer session.Close()

	log.Info().Msg("Bridge started")
	<-ctx.Done()
	log.Info().Msg("Shutting down, waiting for queued deliveries")
	chains.Wait()
	return nil
}
