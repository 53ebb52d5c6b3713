package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/sketchroom/api"
	"github.com/zlnvch/sketchroom/cache/redis"
	"github.com/zlnvch/sketchroom/config"
	"github.com/zlnvch/sketchroom/mq/sqsmq"
	"github.com/zlnvch/sketchroom/service"
	"github.com/zlnvch/sketchroom/store/dynamo"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	flagHostPort       string
	flagRequiredOrigin string
	flagRedisEndpoint  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Options{
			HostPort:       flagHostPort,
			RequiredOrigin: flagRequiredOrigin,
			RedisEndpoint:  flagRedisEndpoint,
		})
		if err != nil {
			return err
		}
		if err := cfg.RequireSecret(); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagHostPort, "port", "", "port to listen on")
	serveCmd.Flags().StringVar(&flagRequiredOrigin, "origin", "", "only accept websocket upgrades from this origin")
	serveCmd.Flags().StringVar(&flagRedisEndpoint, "redis", "", "redis host:port")
}

func serve(cfg *config.Config) error {
	ctx := context.Background()

	roomStore, err := dynamo.NewDynamoRoomStore(ctx, cfg.DevMode, cfg.DynamoEndpoint, cfg.DynamoTable)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create dynamodb store")
		return err
	}

	purgeQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.PurgeQueue)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create SQS MQ")
		return err
	}

	roomCache, err := redis.NewRedisRoomCache(ctx, cfg.DevMode, cfg.RedisEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create redis cache")
		return err
	}

	sketchroomAPI, err := api.NewSketchroomAPI(roomStore, purgeQueue, roomCache, cfg.JWTSecret, service.Limits{
		MaxHistory:   cfg.MaxHistory,
		MaxSnapshots: cfg.MaxSnapshots,
		ChatHistory:  cfg.ChatHistory,
	})
	if err != nil {
		return err
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(shutdownCtx)

	server := &http.Server{
		Addr:              ":" + cfg.HostPort,
		Handler:           sketchroomAPI.NewRouter(cfg.RequiredOrigin, gctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return sketchroomAPI.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.HostPort).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	})

	return g.Wait()
}
