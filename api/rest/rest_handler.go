package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/service"
)

// Snapshots never change once saved, so their images can be cached forever.
const renderCacheSize = 128

type Handler struct {
	Service *service.Service
	renders *lru.Cache[string, []byte]
}

func NewHandler(svc *service.Service) (*Handler, error) {
	renders, err := lru.New[string, []byte](renderCacheSize)
	if err != nil {
		return nil, err
	}
	return &Handler{Service: svc, renders: renders}, nil
}

type snapshotsResponse struct {
	RoomId    string            `json:"roomId"`
	Snapshots []models.Snapshot `json:"snapshots"`
}

// authenticate writes the 401 itself and reports whether the request may go on.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, err := h.Service.AuthenticateToken(h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return models.User{}, false
	}
	return user, true
}

func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomId := chi.URLParam(r, "roomId")
	if err := service.ValidateRoomId(roomId); err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return "", false
	}
	return roomId, true
}

func (h *Handler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}

	snapshots, err := h.Service.ListSnapshots(r.Context(), roomId)
	if err != nil {
		log.Error().Err(err).Str("room", roomId).Msg("ListSnapshots failed")
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	h.sendResponse(w, snapshotsResponse{RoomId: roomId, Snapshots: snapshots})
}

func (h *Handler) HandleSnapshotImage(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	snapshotId := chi.URLParam(r, "snapshotId")
	if snapshotId == "" {
		http.Error(w, "missing snapshot id", http.StatusBadRequest)
		return
	}

	key := roomId + "/" + snapshotId
	if img, ok := h.renders.Get(key); ok {
		metrics.SnapshotRenders.WithLabelValues("hit").Inc()
		h.sendPNG(w, img)
		return
	}
	metrics.SnapshotRenders.WithLabelValues("miss").Inc()

	img, err := h.Service.RenderSnapshot(r.Context(), roomId, snapshotId)
	if err != nil {
		if errors.Is(err, service.ErrSnapshotNotFound) {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("room", roomId).Str("snapshot", snapshotId).Msg("RenderSnapshot failed")
		http.Error(w, "failed to render snapshot", http.StatusInternalServerError)
		return
	}
	h.renders.Add(key, img)
	h.sendPNG(w, img)
}

func (h *Handler) HandleCanvasImage(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}

	img, err := h.Service.RenderRoom(r.Context(), roomId)
	if err != nil {
		log.Error().Err(err).Str("room", roomId).Msg("RenderRoom failed")
		http.Error(w, "failed to render canvas", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.sendPNG(w, img)
}

func (h *Handler) sendPNG(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Write(img)
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
