// Package canvas holds a room's operation log on the client and keeps a
// raster in sync with it.
//
// Local operations render immediately as pending entries on top of the
// confirmed log. Confirmed entries arrive from the server in sequence order;
// out-of-order frames wait in a buffer until the gap fills.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/models"
)

// MaxBuffered is the number of out-of-order operations held before the
// engine asks for a full resync.
const MaxBuffered = 64

var ErrInvalidOperation = models.ErrInvalidOperation

type Options struct {
	UserId string
	// Broadcast receives every local operation that should reach the room.
	Broadcast func(op models.Operation)
	// OnResync fires once when the reorder buffer overflows.
	OnResync func()
}

// event is one sequenced entry: an operation, or a snapshot restore that
// replaces the log.
type event struct {
	op      models.Operation
	restore []models.Operation
	isReset bool
}

type Engine struct {
	opts Options

	mu              sync.Mutex
	raster          *Raster
	confirmed       []models.Operation
	pending         []models.Operation
	synced          bool
	lastSeq         int64
	buffered        map[int64]event
	resyncRequested bool
	snapshots       []models.Snapshot
}

func NewEngine(opts Options) (*Engine, error) {
	r, err := NewRaster()
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:     opts,
		raster:   r,
		buffered: make(map[int64]event),
	}, nil
}

// ApplyLocal validates op, renders it as pending and forwards it for
// broadcast. An undo with nothing to undo is ignored.
func (e *Engine) ApplyLocal(op models.Operation) (models.Operation, error) {
	if err := op.Validate(); err != nil {
		return models.Operation{}, err
	}

	if op.Id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Operation{}, fmt.Errorf("generate op id: %w", err)
		}
		op.Id = id.String()
	}
	op.UserId = e.opts.UserId
	op.Seq = 0

	e.mu.Lock()
	if _, isUndo := op.Shape.(models.Undo); isUndo && len(e.viewLocked()) == 0 {
		e.mu.Unlock()
		return models.Operation{}, nil
	}

	e.pending = append(e.pending, op)
	switch op.Shape.(type) {
	case models.Undo:
		e.rebuildLocked()
	default:
		e.drawLocked(op)
	}
	e.mu.Unlock()

	if e.opts.Broadcast != nil {
		e.opts.Broadcast(op)
	}
	return op, nil
}

// Undo is shorthand for applying an undo operation locally.
func (e *Engine) Undo() (models.Operation, error) {
	return e.ApplyLocal(models.Operation{Shape: models.Undo{}})
}

// Clear is shorthand for applying a clear operation locally.
func (e *Engine) Clear() (models.Operation, error) {
	return e.ApplyLocal(models.Operation{Shape: models.Clear{}})
}

// ApplyRemote takes an operation from the room. It is never re-broadcast.
func (e *Engine) ApplyRemote(op models.Operation) {
	if op.Seq == 0 {
		e.mu.Lock()
		e.confirmLocked(op)
		e.mu.Unlock()
		return
	}
	e.enqueue(op.Seq, event{op: op})
}

// Restore replaces the log with a snapshot at the given sequence number.
func (e *Engine) Restore(ops []models.Operation, seq int64) {
	e.enqueue(seq, event{restore: ops, isReset: true})
}

func (e *Engine) enqueue(seq int64, ev event) {
	e.mu.Lock()

	if e.synced && seq <= e.lastSeq {
		e.mu.Unlock()
		log.Debug().Int64("seq", seq).Msg("Dropping duplicate operation")
		return
	}

	if !e.synced || seq > e.lastSeq+1 {
		e.buffered[seq] = ev
		overflow := len(e.buffered) > MaxBuffered && !e.resyncRequested
		if overflow {
			e.resyncRequested = true
		}
		e.mu.Unlock()

		if overflow && e.opts.OnResync != nil {
			log.Warn().Int("buffered", MaxBuffered).Msg("Reorder buffer overflow, requesting resync")
			e.opts.OnResync()
		}
		return
	}

	e.applyLocked(seq, ev)
	e.drainLocked()
	e.mu.Unlock()
}

// Init replaces the confirmed log with the server history at seq and
// releases buffered operations that follow it.
func (e *Engine) Init(history []models.Operation, seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.confirmed = models.Surviving(history)
	e.lastSeq = seq
	e.synced = true
	e.resyncRequested = false

	seen := make(map[string]bool, len(history))
	for _, op := range history {
		seen[op.Id] = true
	}
	kept := e.pending[:0]
	for _, op := range e.pending {
		if !seen[op.Id] {
			kept = append(kept, op)
		}
	}
	e.pending = kept

	for s := range e.buffered {
		if s <= seq {
			delete(e.buffered, s)
		}
	}
	e.drainLocked()
	e.rebuildLocked()
}

func (e *Engine) drainLocked() {
	for {
		ev, ok := e.buffered[e.lastSeq+1]
		if !ok {
			return
		}
		delete(e.buffered, e.lastSeq+1)
		e.applyLocked(e.lastSeq+1, ev)
	}
}

func (e *Engine) applyLocked(seq int64, ev event) {
	e.lastSeq = seq
	if ev.isReset {
		e.confirmed = models.Surviving(ev.restore)
		e.rebuildLocked()
		return
	}
	e.confirmLocked(ev.op)
}

func (e *Engine) confirmLocked(op models.Operation) {
	idx := -1
	for i, p := range e.pending {
		if p.Id != "" && p.Id == op.Id {
			idx = i
			break
		}
	}

	e.confirmed = models.Surviving(append(e.confirmed, op))

	if idx == 0 {
		// Own echo at the head of the pending list: already on the raster.
		e.pending = e.pending[1:]
		return
	}
	if idx > 0 {
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		e.rebuildLocked()
		return
	}

	if len(e.pending) > 0 {
		e.rebuildLocked()
		return
	}
	switch op.Shape.(type) {
	case models.Undo:
		e.rebuildLocked()
	default:
		e.drawLocked(op)
	}
}

// Reject drops a pending local operation the server will never confirm.
func (e *Engine) Reject(opId string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, op := range e.pending {
		if op.Id == opId {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.rebuildLocked()
			return true
		}
	}
	return false
}

func (e *Engine) drawLocked(op models.Operation) {
	if err := e.raster.Draw(op); err != nil {
		log.Warn().Err(err).Str("opId", op.Id).Msg("Failed to render operation")
	}
}

func (e *Engine) rebuildLocked() {
	if err := e.raster.Replay(e.viewLocked()); err != nil {
		log.Warn().Err(err).Msg("Failed to replay canvas")
	}
}

func (e *Engine) viewLocked() []models.Operation {
	all := make([]models.Operation, 0, len(e.confirmed)+len(e.pending))
	all = append(all, e.confirmed...)
	all = append(all, e.pending...)
	return models.Surviving(all)
}

// Log returns the visible operations: confirmed entries followed by pending
// local ones, with clear and undo folded away.
func (e *Engine) Log() []models.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Ready reports whether the server history has been received.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

func (e *Engine) LastSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffered)
}

// SnapshotJSON serializes the visible log as a JSON array of operations.
func (e *Engine) SnapshotJSON() ([]byte, error) {
	return json.Marshal(e.Log())
}

func (e *Engine) PNG() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raster.PNG()
}

func (e *Engine) SetSnapshots(list []models.Snapshot) {
	e.mu.Lock()
	e.snapshots = append([]models.Snapshot(nil), list...)
	e.mu.Unlock()
}

func (e *Engine) Snapshots() []models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Snapshot(nil), e.snapshots...)
}

// DecodeOperations parses a JSON array of operations, skipping entries that
// fail validation.
func DecodeOperations(data []byte) ([]models.Operation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	ops := make([]models.Operation, 0, len(raw))
	for _, r := range raw {
		op, err := models.ParseOperation(r)
		if err != nil {
			if errors.Is(err, models.ErrUnknownKind) || errors.Is(err, models.ErrInvalidOperation) {
				log.Warn().Err(err).Msg("Skipping malformed operation")
				continue
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
