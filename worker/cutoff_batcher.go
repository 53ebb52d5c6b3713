package worker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/store"
)

// CutoffBatcher coalesces room cutoff moves. Several clears in one tick
// become a single conditional update carrying the highest sequence number.
// High-water marks are coalesced the same way.
type CutoffBatcher struct {
	UpdateCh           chan CutoffRequest
	roomStore          store.RoomStore
	clock              clock.Clock
	tickerMilliseconds int
}

func NewCutoffBatcher(roomStore store.RoomStore, clk clock.Clock, tickerMilliseconds int) *CutoffBatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &CutoffBatcher{
		UpdateCh:           make(chan CutoffRequest, 1024),
		roomStore:          roomStore,
		clock:              clk,
		tickerMilliseconds: tickerMilliseconds,
	}
}

func (b *CutoffBatcher) Run(shutdownCtx context.Context) {
	ticker := b.clock.Ticker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	// roomId -> highest value seen since the last flush
	cutoffs := make(map[string]int64)
	highs := make(map[string]int64)

	flush := func(wait bool) {
		pending := len(cutoffs) + len(highs)
		done := make(chan struct{}, pending)
		apply := func(roomId string, seq int64, highWater bool) {
			defer func() { done <- struct{}{} }()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if highWater {
				if err := b.roomStore.RaiseHighSeq(ctx, roomId, seq); err != nil {
					log.Error().Err(err).Str("room", roomId).Int64("seq", seq).Msg("Failed to raise room high-water seq")
				}
				return
			}
			if err := b.roomStore.SetRoomCutoff(ctx, roomId, seq); err != nil {
				log.Error().Err(err).Str("room", roomId).Int64("seq", seq).Msg("Failed to set room cutoff")
			}
		}
		for roomId, seq := range cutoffs {
			go apply(roomId, seq, false)
		}
		for roomId, seq := range highs {
			go apply(roomId, seq, true)
		}
		if wait {
			for range pending {
				<-done
			}
		}
		cutoffs = make(map[string]int64)
		highs = make(map[string]int64)
	}

	for {
		select {
		case update := <-b.UpdateCh:
			target := cutoffs
			if update.HighWater {
				target = highs
			}
			if update.Seq > target[update.RoomId] {
				target[update.RoomId] = update.Seq
			}
			if len(cutoffs)+len(highs) >= 100 {
				flush(false)
			}

		case <-ticker.C:
			flush(false)

		case <-shutdownCtx.Done():
			flush(true)
			return
		}
	}
}
