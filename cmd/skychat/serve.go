package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/skychat/backend/internal/config"
	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/handler"
	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	"github.com/zhouzirui/skychat/backend/internal/presentation"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/service/reply"
	"github.com/zhouzirui/skychat/backend/internal/service/sky"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	var engine *chatservice.Engine
	replies := newReplySource(ctx, cfg, func() []chat.Message { return engine.Messages() })

	var engineOpts []chatservice.Option
	if cfg.Reply.Seed != 0 {
		engineOpts = append(engineOpts, chatservice.WithRandSource(rand.NewSource(cfg.Reply.Seed)))
	}
	history := chatservice.NewHistory(store, cfg.Storage.Key, cfg.Chat.Persist, cfg.Chat.MaxHistory)
	engine = chatservice.NewEngine(cfg.Chat.EngineSettings(), history, presentation.NewChatPresenter(bus), replies, engineOpts...)
	engine.Restore(ctx)

	services := handler.Services{Chat: engine, Bus: bus}

	var surface *presentation.SkySurface
	var scheduler *sky.Scheduler
	if cfg.Sky.Enabled {
		surface = presentation.NewSkySurface(bus)
		scheduler = sky.NewScheduler(cfg.Sky.SchedulerConfig(), surface, sky.NewGenerator(nil))
		scheduler.Seed()
		scheduler.Start()
		services.Visibility = scheduler
		services.Completions = surface
		log.Info().
			Dur("spawn_interval", cfg.Sky.SpawnInterval).
			Int("initial_burst", cfg.Sky.InitialBurst).
			Msg("sky scheduler started")
	} else {
		log.Info().Msg("sky scheduler disabled by configuration")
	}
	services.Snapshot = presentation.Snapshotter(engine, surface)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(ctx, services),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage.Driver).Msg("skychat backend listening")
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		<-gctx.Done()
		if scheduler != nil {
			scheduler.Close()
		}
		return nil
	})
	return g.Wait()
}

// newReplySource picks the Ark model chain when configured and falls back to canned replies.
func newReplySource(ctx context.Context, cfg *config.Config, history reply.HistoryFunc) chatservice.ReplySource {
	var src rand.Source
	if cfg.Reply.Seed != 0 {
		src = rand.NewSource(cfg.Reply.Seed)
	}
	canned := reply.NewCanned(src)

	if cfg.Reply.Source != config.ReplySourceArk {
		return canned
	}
	if !cfg.AI.Enabled() {
		log.Warn().Msg("REPLY_SOURCE=ark but Ark credentials are missing, using canned replies")
		return canned
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize Ark chat model, using canned replies")
		return canned
	}
	modelSource, err := reply.NewModel(ctx, chatModel, "", history)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build reply chain, using canned replies")
		return canned
	}
	log.Info().Str("model", cfg.AI.Model).Msg("replies generated by Ark chat model")
	return modelSource
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
