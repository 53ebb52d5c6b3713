package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/store"
)

// BatchWriteSize is the DynamoDB BatchWriteItem limit.
const BatchWriteSize = 25

// Undone keys remembered so that a write arriving after its delete is skipped
const tombstoneCapacity = 4096

type DeleteOpRequest struct {
	RoomId string
	Seq    int64
	Index  int
}

type CutoffRequest struct {
	RoomId string
	Seq    int64
	// HighWater requests record the highest sequence number the room has
	// issued instead of moving its cutoff.
	HighWater bool
}

// OpRequest is exactly one of a write, a delete or a cutoff.
type OpRequest struct {
	Write  *models.OpRecord
	Delete *DeleteOpRequest
	Cutoff *CutoffRequest
}

// OpBatcher persists sequenced operations behind the live redis log.
//
// All requests share one channel and are handled in the order they were sent.
// Deletes of operations still waiting in the buffer cancel the write. Other
// deletes go to the store and leave a tombstone, so a write of the same key
// that is sent later by a racing handler is dropped.
//
// Every tick the highest sequence number seen per room, undone operations
// included, is forwarded to the cutoff batcher as a high-water mark.
type OpBatcher struct {
	RequestCh chan OpRequest

	roomStore          store.RoomStore
	cutoffBatcher      *CutoffBatcher
	clock              clock.Clock
	tickerMilliseconds int
}

func NewOpBatcher(roomStore store.RoomStore, clk clock.Clock, tickerMilliseconds int, cutoffBatcher *CutoffBatcher) *OpBatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &OpBatcher{
		RequestCh:          make(chan OpRequest, 2048), // buffer to absorb bursts
		roomStore:          roomStore,
		cutoffBatcher:      cutoffBatcher,
		clock:              clk,
		tickerMilliseconds: tickerMilliseconds,
	}
}

func (b *OpBatcher) Write(rec models.OpRecord) {
	b.RequestCh <- OpRequest{Write: &rec}
}

func (b *OpBatcher) Delete(req DeleteOpRequest) {
	b.RequestCh <- OpRequest{Delete: &req}
}

func (b *OpBatcher) Cutoff(req CutoffRequest) {
	b.RequestCh <- OpRequest{Cutoff: &req}
}

func opKey(roomId string, seq int64, index int) string {
	return fmt.Sprintf("%s#%d#%d", roomId, seq, index)
}

func (b *OpBatcher) Run(shutdownCtx context.Context) {
	ticker := b.clock.Ticker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	batch := make([]models.OpRecord, 0, BatchWriteSize)
	batchIndices := make(map[string]int, BatchWriteSize)
	tombstones, _ := lru.New[string, struct{}](tombstoneCapacity)
	// roomId -> highest seq handled since the last tick
	highSeqs := make(map[string]int64)

	// Rooms that do not fit in the cutoff batcher's buffer wait for the next tick
	forwardHighSeqs := func() {
		if b.cutoffBatcher == nil {
			clear(highSeqs)
			return
		}
		for roomId, seq := range highSeqs {
			select {
			case b.cutoffBatcher.UpdateCh <- CutoffRequest{RoomId: roomId, Seq: seq, HighWater: true}:
				delete(highSeqs, roomId)
			default:
				log.Debug().Str("room", roomId).Msg("Cutoff batcher busy, deferring high-water seq")
				return
			}
		}
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Not derived from shutdownCtx: a final flush must still complete
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		unprocessed, err := b.roomStore.WriteOperationBatch(ctx, batch)
		if err != nil {
			log.Error().Err(err).Int("batch", len(batch)).Msg("Error writing operation batch to dynamo")
		}
		metrics.BatchWrites.WithLabelValues("ok").Add(float64(len(batch) - len(unprocessed)))
		if len(unprocessed) > 0 {
			metrics.BatchWrites.WithLabelValues("failed").Add(float64(len(unprocessed)))
			log.Warn().Int("unprocessed", len(unprocessed)).Msg("Operations left unpersisted")
		}

		batch = batch[:0]
		clear(batchIndices)
	}

	// removeAt swaps the last element into idx
	removeAt := func(idx int) {
		removed := batch[idx]
		l := len(batch)
		batch[idx] = batch[l-1]
		batch = batch[:l-1]
		if idx < len(batch) {
			moved := batch[idx]
			batchIndices[opKey(moved.RoomId, moved.Seq, moved.Index)] = idx
		}
		delete(batchIndices, opKey(removed.RoomId, removed.Seq, removed.Index))
	}

	write := func(rec models.OpRecord) {
		highSeqs[rec.RoomId] = max(highSeqs[rec.RoomId], rec.Seq)
		key := opKey(rec.RoomId, rec.Seq, rec.Index)
		if tombstones.Contains(key) {
			log.Debug().Str("room", rec.RoomId).Int64("seq", rec.Seq).Msg("Skipping write of undone operation")
			return
		}
		batch = append(batch, rec)
		batchIndices[key] = len(batch) - 1
		if len(batch) == BatchWriteSize {
			flush()
		}
	}

	remove := func(req DeleteOpRequest) {
		highSeqs[req.RoomId] = max(highSeqs[req.RoomId], req.Seq)
		key := opKey(req.RoomId, req.Seq, req.Index)
		if idx, ok := batchIndices[key]; ok {
			removeAt(idx)
			return
		}
		tombstones.Add(key, struct{}{})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.roomStore.DeleteOperation(ctx, req.RoomId, req.Seq, req.Index); err != nil {
				log.Error().Err(err).Str("room", req.RoomId).Int64("seq", req.Seq).Msg("Failed to delete undone operation")
			}
		}()
	}

	cutoff := func(req CutoffRequest) {
		// Pending writes below the cutoff are already hidden; skip them
		for i := len(batch) - 1; i >= 0; i-- {
			if batch[i].RoomId == req.RoomId && batch[i].Seq < req.Seq {
				removeAt(i)
			}
		}
		if b.cutoffBatcher != nil {
			b.cutoffBatcher.UpdateCh <- req
		}
	}

	handle := func(req OpRequest) {
		switch {
		case req.Write != nil:
			write(*req.Write)
		case req.Delete != nil:
			remove(*req.Delete)
		case req.Cutoff != nil:
			cutoff(*req.Cutoff)
		}
	}

	for {
		select {
		case req := <-b.RequestCh:
			handle(req)

		case <-ticker.C:
			flush()
			forwardHighSeqs()

		case <-shutdownCtx.Done():
			// Keep what was already accepted
		drain:
			for {
				select {
				case req := <-b.RequestCh:
					handle(req)
				default:
					break drain
				}
			}
			flush()
			forwardHighSeqs()
			return
		}
	}
}
