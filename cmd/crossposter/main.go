// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// crossposter is a single-process daemon that relays posts from Telegram
// channels into linked MAX messenger channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/tgmx/crossposter/pkg/config"
	"github.com/tgmx/crossposter/pkg/maxapi"
	"github.com/tgmx/crossposter/pkg/relay"
	"github.com/tgmx/crossposter/pkg/store"
)

// Version is the release version, overridable at build time.
var Version = "0.1.0"

var (
	configPath     = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
	generateConfig = flag.MakeFull("e", "generate-example-config", "Write the example config to the config path and exit", "false").Bool()
	printVersion   = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
	wantHelp, _    = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"crossposter "+Version+" - Telegram to MAX channel crossposting relay.",
		"crossposter [-c config.yaml] [-e] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *printVersion {
		fmt.Println("crossposter", Version)
		return
	} else if *generateConfig {
		if err := os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	log.Info().Str("version", Version).Msg("Starting crossposter")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	rawDB, err := dbutil.NewFromConfig("crossposter", cfg.Database, dbutil.ZeroLogger(*log))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	db := store.New(rawDB, *log)
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close database")
		}
	}()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, running without link cache")
			redisClient = nil
		}
	}

	api, err := maxapi.NewClient(cfg.MaxAPI.BaseURL, cfg.MaxAPI.Token, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid MAX API config")
	}
	if botInfo, meErr := api.GetMe(ctx); meErr != nil {
		log.Warn().Err(meErr).Msg("Failed to verify MAX credentials")
	} else {
		log.Info().
			Int64("user_id", botInfo.UserID).
			Str("username", botInfo.Username).
			Msg("Authenticated with MAX")
	}

	history, err := relay.NewHTTPHistorySource(cfg.Source.BaseURL, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid source client config")
	}

	// A storage failure on the delivery log path makes further relaying
	// unsafe, so it tears the process down through the root context.
	onStorageFailure := func(failure error) {
		log.Error().Err(failure).Msg("Fatal storage failure, shutting down")
		cancel()
	}

	registry := relay.NewRegistry(db, redisClient, cfg.Redis.LinkCacheTTL, *log)
	dedup := relay.NewDedupCache(db, cfg.Relay.DedupCacheSize, *log)
	transformer := relay.NewTransformer(api, cfg.Relay.UploadAttempts, cfg.Relay.UploadRetryDelay, *log)
	// The executor outlives the root context so queued deliveries drain
	// instead of aborting on the first interrupt.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	executor := relay.NewExecutor(execCtx, db, dedup, transformer, api, relay.ExecutorConfig{
		MaxAttempts:        cfg.Relay.MaxRetryAttempts,
		RetryBaseDelay:     cfg.Relay.RetryBaseDelay,
		RetryMaxDelay:      cfg.Relay.RetryMaxDelay,
		MessagesPerSecond:  cfg.Relay.MessagesPerSecond,
		MaxConcurrentSends: cfg.Relay.MaxConcurrentSends,
		QueueSize:          cfg.Relay.QueueSize,
	}, onStorageFailure, *log)
	notifier := &relay.LogNotifier{Log: *log}
	backfill := relay.NewBackfillEngine(ctx, db, executor, history, notifier, relay.BackfillConfig{
		PageSize:         cfg.Backfill.PageSize,
		FanOut:           cfg.Backfill.FanOut,
		MaxPosts:         cfg.Backfill.MaxPosts,
		ProgressEvery:    cfg.Backfill.ProgressEvery,
		ProgressInterval: cfg.Backfill.ProgressInterval,
	}, *log)
	pipeline := relay.NewPipeline(ctx, registry, dedup, executor, backfill, relay.PipelineConfig{
		MediaGroupWindow:   cfg.Relay.MediaGroupWindow,
		MediaGroupMaxWait:  cfg.Relay.MediaGroupMaxWait,
		MediaGroupMaxParts: cfg.Relay.MediaGroupMaxParts,
	}, *log)

	server := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: relay.NewAPI(pipeline, backfill, registry, *log).Routes(),
	}
	go func() {
		log.Info().Str("listen", cfg.HTTP.Listen).Msg("Ingest API listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error().Err(serveErr).Msg("Ingest API failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ingest API shutdown failed")
	}
	// Flush buffered media groups into the queues, then drain deliveries.
	// If draining takes too long, cancel the executor context to force the
	// remaining jobs to abort.
	pipeline.Close()
	drained := make(chan struct{})
	go func() {
		executor.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Delivery drain timed out, aborting remaining jobs")
		execCancel()
		<-drained
	}
	log.Info().Msg("Shutdown complete")
}
