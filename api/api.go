package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/api/rest"
	"github.com/zlnvch/sketchroom/api/ws"
	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/mq"
	"github.com/zlnvch/sketchroom/service"
	"github.com/zlnvch/sketchroom/store"
	"github.com/zlnvch/sketchroom/worker"
	"golang.org/x/sync/errgroup"
)

const (
	opBatchMilliseconds     = 500
	cutoffBatchMilliseconds = 1000
)

type SketchroomAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler

	hub           *ws.Hub
	opBatcher     *worker.OpBatcher
	cutoffBatcher *worker.CutoffBatcher
	mqConsumer    *worker.MQConsumer
}

func NewSketchroomAPI(
	roomStore store.RoomStore,
	purgeQueue mq.MessageQueue,
	roomCache cache.RoomCache,
	jwtSecret []byte,
	limits service.Limits,
) (*SketchroomAPI, error) {
	cutoffBatcher := worker.NewCutoffBatcher(roomStore, nil, cutoffBatchMilliseconds)
	opBatcher := worker.NewOpBatcher(roomStore, nil, opBatchMilliseconds, cutoffBatcher)
	mqConsumer := worker.NewMQConsumer(purgeQueue, roomStore, roomCache)

	svc, err := service.NewService(roomStore, roomCache, purgeQueue, opBatcher, jwtSecret, limits)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create service")
		return nil, err
	}

	restHandler, err := rest.NewHandler(svc)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(roomCache)

	return &SketchroomAPI{
		restHandler:   restHandler,
		wsHandler:     ws.NewHandler(svc, hub),
		hub:           hub,
		opBatcher:     opBatcher,
		cutoffBatcher: cutoffBatcher,
		mqConsumer:    mqConsumer,
	}, nil
}

// Run drives the hub and the background workers until shutdownCtx is done.
// The batchers flush what they hold before returning.
func (a *SketchroomAPI) Run(shutdownCtx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { a.hub.Run(shutdownCtx); return nil })
	g.Go(func() error { a.cutoffBatcher.Run(shutdownCtx); return nil })
	g.Go(func() error { a.opBatcher.Run(shutdownCtx); return nil })
	g.Go(func() error { a.mqConsumer.Run(shutdownCtx); return nil })
	return g.Wait()
}

func (a *SketchroomAPI) NewRouter(requiredOrigin string, shutdownCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check endpoint (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/rooms/{roomId}", func(r chi.Router) {
		r.Get("/snapshots", a.restHandler.HandleListSnapshots)
		r.Get("/snapshots/{snapshotId}/image", a.restHandler.HandleSnapshotImage)
		r.Get("/canvas.png", a.restHandler.HandleCanvasImage)
	})

	wsUpgrader := a.wsHandler.NewWsUpgrader(requiredOrigin)
	r.Get("/ws/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		a.wsHandler.ServeWS(wsUpgrader, w, r, shutdownCtx)
	})

	return r
}
