package models

type User struct {
	Id       string
	Username string
}

// Room is the directory entry for a room. Rooms are created by the room
// directory service; the gateway only reads them.
type Room struct {
	Id      string
	Name    string
	Admin   string
	Created int64
}

type Snapshot struct {
	Id         string      `json:"id"`
	RoomId     string      `json:"roomId"`
	SavedBy    string      `json:"saved_by"`
	Created    int64       `json:"created_at"`
	Operations []Operation `json:"-"`
}

type ChatMessage struct {
	Id        string `json:"id,omitempty"`
	RoomId    string `json:"roomId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// OpRecord is one entry of a room's persisted operation log. Index is
// non-zero only for operations inserted together by a snapshot restore,
// which share a single sequence number.
type OpRecord struct {
	RoomId string
	Seq    int64
	Index  int
	Op     Operation
}
