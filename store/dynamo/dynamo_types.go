package dynamo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zlnvch/sketchroom/models"
)

// Every item of a room lives under one partition:
//
//	META                      room directory entry
//	CUTOFF                    lowest visible and highest issued sequence numbers
//	OP#<seq:020>#<index:04>   persisted operation
//	SNAPSHOT#<uuidv7>         saved snapshot
//	CHAT#<uuidv7>             chat message
const (
	roomPrefix     = "ROOM#"
	metaSK         = "META"
	cutoffSK       = "CUTOFF"
	opPrefix       = "OP#"
	snapshotPrefix = "SNAPSHOT#"
	chatPrefix     = "CHAT#"
)

func roomPK(roomId string) string {
	return roomPrefix + roomId
}

func opSK(seq int64, index int) string {
	return fmt.Sprintf("%s%020d#%04d", opPrefix, seq, index)
}

type dynamoRoom struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Name    string `dynamodbav:"Name"`
	Admin   string `dynamodbav:"Admin"`
	Created int64  `dynamodbav:"Created"`
}

func roomFromDynamo(dr dynamoRoom) models.Room {
	return models.Room{
		Id:      strings.TrimPrefix(dr.PK, roomPrefix),
		Name:    dr.Name,
		Admin:   dr.Admin,
		Created: dr.Created,
	}
}

type dynamoCutoff struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Seq     int64  `dynamodbav:"Seq"`
	HighSeq int64  `dynamodbav:"HighSeq,omitempty"`
}

type dynamoOp struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Seq       int64  `dynamodbav:"Seq"`
	Index     int    `dynamodbav:"Index"`
	UserId    string `dynamodbav:"UserId"`
	OpContent []byte `dynamodbav:"OpContent"`
}

// Map domain OpRecord -> Dynamo
func opRecordToDynamo(r models.OpRecord) (dynamoOp, error) {
	content, err := json.Marshal(r.Op)
	if err != nil {
		return dynamoOp{}, err
	}
	return dynamoOp{
		PK:        roomPK(r.RoomId),
		SK:        opSK(r.Seq, r.Index),
		Seq:       r.Seq,
		Index:     r.Index,
		UserId:    r.Op.UserId,
		OpContent: content,
	}, nil
}

// Map Dynamo -> domain OpRecord
func opRecordFromDynamo(do dynamoOp) (models.OpRecord, error) {
	var op models.Operation
	if err := json.Unmarshal(do.OpContent, &op); err != nil {
		return models.OpRecord{}, err
	}
	op.Seq = do.Seq
	return models.OpRecord{
		RoomId: strings.TrimPrefix(do.PK, roomPrefix),
		Seq:    do.Seq,
		Index:  do.Index,
		Op:     op,
	}, nil
}

type dynamoSnapshot struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         string `dynamodbav:"Id"`
	SavedBy    string `dynamodbav:"SavedBy"`
	Created    int64  `dynamodbav:"Created"`
	Operations []byte `dynamodbav:"Operations,omitempty"`
}

// packedOp is the msgpack form of one snapshot operation. Snapshots are
// written once and read rarely, so they are kept compact.
type packedOp struct {
	Kind      models.Kind `msgpack:"k"`
	Id        string      `msgpack:"i,omitempty"`
	UserId    string      `msgpack:"u,omitempty"`
	FromX     float64     `msgpack:"fx,omitempty"`
	FromY     float64     `msgpack:"fy,omitempty"`
	ToX       float64     `msgpack:"tx,omitempty"`
	ToY       float64     `msgpack:"ty,omitempty"`
	Value     string      `msgpack:"v,omitempty"`
	Color     string      `msgpack:"c,omitempty"`
	Thickness float64     `msgpack:"w,omitempty"`
	FontSize  float64     `msgpack:"f,omitempty"`
}

func packOperations(ops []models.Operation) ([]byte, error) {
	packed := make([]packedOp, 0, len(ops))
	for _, op := range ops {
		p := packedOp{Kind: op.Kind(), Id: op.Id, UserId: op.UserId}
		switch s := op.Shape.(type) {
		case models.Stroke:
			p.FromX, p.FromY, p.ToX, p.ToY = s.FromX, s.FromY, s.ToX, s.ToY
			p.Color, p.Thickness = s.Color, s.Thickness
		case models.Box:
			p.FromX, p.FromY, p.ToX, p.ToY = s.FromX, s.FromY, s.ToX, s.ToY
			p.Color, p.Thickness = s.Color, s.Thickness
		case models.Text:
			// Text positions reuse the from fields
			p.FromX, p.FromY = s.X, s.Y
			p.Value, p.Color, p.FontSize = s.Value, s.Color, s.FontSize
		default:
			return nil, fmt.Errorf("%w: %q in snapshot", models.ErrInvalidOperation, op.Kind())
		}
		packed = append(packed, p)
	}
	return msgpack.Marshal(packed)
}

func unpackOperations(data []byte) ([]models.Operation, error) {
	if len(data) == 0 {
		return []models.Operation{}, nil
	}
	var packed []packedOp
	if err := msgpack.Unmarshal(data, &packed); err != nil {
		return nil, fmt.Errorf("unpack snapshot: %w", err)
	}

	ops := make([]models.Operation, 0, len(packed))
	for _, p := range packed {
		op := models.Operation{Id: p.Id, UserId: p.UserId}
		switch p.Kind {
		case models.KindBrush, models.KindEraser:
			op.Shape = models.Stroke{
				Eraser: p.Kind == models.KindEraser,
				FromX:  p.FromX, FromY: p.FromY, ToX: p.ToX, ToY: p.ToY,
				Color: p.Color, Thickness: p.Thickness,
			}
		case models.KindRectangle, models.KindEllipse:
			op.Shape = models.Box{
				Ellipse: p.Kind == models.KindEllipse,
				FromX:   p.FromX, FromY: p.FromY, ToX: p.ToX, ToY: p.ToY,
				Color: p.Color, Thickness: p.Thickness,
			}
		case models.KindText:
			op.Shape = models.Text{X: p.FromX, Y: p.FromY, Value: p.Value, Color: p.Color, FontSize: p.FontSize}
		default:
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownKind, p.Kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Map domain Snapshot -> Dynamo
func snapshotToDynamo(s models.Snapshot) (dynamoSnapshot, error) {
	packed, err := packOperations(s.Operations)
	if err != nil {
		return dynamoSnapshot{}, err
	}
	return dynamoSnapshot{
		PK:         roomPK(s.RoomId),
		SK:         snapshotPrefix + s.Id,
		Id:         s.Id,
		SavedBy:    s.SavedBy,
		Created:    s.Created,
		Operations: packed,
	}, nil
}

// Map Dynamo -> domain Snapshot. Listing projects the operations away, so an
// empty payload yields an empty log.
func snapshotFromDynamo(ds dynamoSnapshot) (models.Snapshot, error) {
	ops, err := unpackOperations(ds.Operations)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{
		Id:         ds.Id,
		RoomId:     strings.TrimPrefix(ds.PK, roomPrefix),
		SavedBy:    ds.SavedBy,
		Created:    ds.Created,
		Operations: ops,
	}, nil
}

type dynamoChat struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Id        string `dynamodbav:"Id"`
	Username  string `dynamodbav:"Username"`
	Message   string `dynamodbav:"Message"`
	Timestamp string `dynamodbav:"Timestamp"`
}

func chatToDynamo(m models.ChatMessage) dynamoChat {
	return dynamoChat{
		PK:        roomPK(m.RoomId),
		SK:        chatPrefix + m.Id,
		Id:        m.Id,
		Username:  m.Username,
		Message:   m.Message,
		Timestamp: m.Timestamp,
	}
}

func chatFromDynamo(dc dynamoChat) models.ChatMessage {
	return models.ChatMessage{
		Id:        dc.Id,
		RoomId:    strings.TrimPrefix(dc.PK, roomPrefix),
		Username:  dc.Username,
		Message:   dc.Message,
		Timestamp: dc.Timestamp,
	}
}
