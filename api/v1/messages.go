package v1

type OpenSessionRequest struct {
	OwnerId string `json:"owner_id"`
	TtlMs   int64  `json:"ttl_ms"`
}

type OpenSessionResponse struct {
	SessionId uint64 `json:"session_id"`
	TtlMs     int64  `json:"ttl_ms"`
}

type HeartbeatRequest struct {
	SessionId uint64 `json:"session_id"`
}

type HeartbeatResponse struct {
	SessionId uint64 `json:"session_id"`
	TtlMs     int64  `json:"ttl_ms"`
}

type CloseSessionRequest struct {
	SessionId uint64 `json:"session_id"`
}

type CloseSessionResponse struct {
	NodesDeleted int32 `json:"nodes_deleted"`
}

type CreateRequest struct {
	SessionId  uint64 `json:"session_id"`
	Path       string `json:"path"`
	Data       []byte `json:"data,omitempty"`
	Ephemeral  bool   `json:"ephemeral,omitempty"`
	Sequential bool   `json:"sequential,omitempty"`
}

type CreateResponse struct {
	Path string `json:"path"` // final path including any sequence suffix
}

type DeleteRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
	Version   int64  `json:"version"` // -1 for any
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type ExistsRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type ChildrenRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
}

type ChildrenResponse struct {
	Names []string `json:"names"`
}

type GetDataRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
}

type GetDataResponse struct {
	Data    []byte `json:"data,omitempty"`
	Version int64  `json:"version"`
}

type SetDataRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	Version   int64  `json:"version"`
}

type SetDataResponse struct {
	Version int64 `json:"version"`
}

// watch kinds
const (
	WatchKindDelete = "delete"
	WatchKindData   = "data"
)

type WatchRequest struct {
	SessionId uint64 `json:"session_id"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
}

// the first message acknowledges the registration and carries the state it was made against,
// a second one carries the event, the stream then ends
// a stream that ends after the acknowledgement alone means the watch was dropped
type WatchResponse struct {
	Registered bool   `json:"registered,omitempty"`
	Exists     bool   `json:"exists,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Version    int64  `json:"version,omitempty"`
	Event      *Event `json:"event,omitempty"`
}

type Event struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	NodeId        string `json:"node_id"`
	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address"`
	ClusterSize   int32  `json:"cluster_size"`
	State         string `json:"state"`
	Stats         *Stats `json:"stats"`
}

type Stats struct {
	Nodes      int32 `json:"nodes"`
	Ephemerals int32 `json:"ephemerals"`
	Sessions   int32 `json:"sessions"`
}
