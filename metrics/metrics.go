// Package metrics holds the gateway's prometheus collectors. They register
// with the default registry, which /metrics serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sketchroom"

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Websocket sessions connected to this instance.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Rooms with at least one local session.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Inbound websocket frames by type.",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Inbound frames discarded before dispatch, by reason.",
	}, []string{"reason"})

	OpsSequenced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_sequenced_total",
		Help:      "Operations that received a room sequence number, by kind.",
	}, []string{"kind"})

	BatchWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_writes_total",
		Help:      "Operations persisted by the write-behind batcher, by result.",
	}, []string{"result"})

	PurgeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purge_messages_total",
		Help:      "Room purge messages processed, by result.",
	}, []string{"result"})

	SnapshotRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_renders_total",
		Help:      "Snapshot PNG requests, by cache result.",
	}, []string{"cache"})
)
