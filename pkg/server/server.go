package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/lowkey-rwlock/api/v1"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/fsm"
	"github.com/pixperk/lowkey-rwlock/pkg/metrics"
	"github.com/pixperk/lowkey-rwlock/pkg/raft"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/pixperk/lowkey-rwlock/pkg/watch"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// backends that can describe themselves, the raft node does
type statusReporter interface {
	Status() raft.Status
}

// single process backends expose their state machine
type stateHolder interface {
	State() *fsm.FSM
}

type Server struct {
	pb.UnimplementedCoordinationServer
	backend coord.Backend
	logger  hclog.Logger
}

// wraps a coordination backend into a gRPC server
func NewServer(backend coord.Backend, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		backend: backend,
		logger:  logger.Named("grpc"),
	}
}

// sends writes through the backend, a follower answers with the leader's address
func (s *Server) apply(cmd types.Command) (any, error) {
	if !s.backend.IsLeader() {
		return nil, notLeaderError(s.backend.GetLeader())
	}
	result, err := s.backend.Apply(cmd)
	if errors.Is(err, types.ErrNotLeader) {
		return nil, notLeaderError(s.backend.GetLeader())
	}
	if err != nil {
		return nil, toGRPCError(err)
	}
	return result, nil
}

// every call but OpenSession runs on behalf of a live session
func (s *Server) checkSession(sessionID uint64) error {
	if sessionID == 0 {
		return status.Error(codes.InvalidArgument, "session_id required")
	}
	if _, alive := s.backend.Session(sessionID); !alive {
		return toGRPCError(types.ErrSessionExpired)
	}
	return nil
}

func (s *Server) OpenSession(ctx context.Context, req *pb.OpenSessionRequest) (*pb.OpenSessionResponse, error) {
	//validate request
	if req.OwnerId == "" {
		return nil, status.Error(codes.InvalidArgument, "owner_id required")
	}
	if req.TtlMs <= 0 {
		return nil, status.Error(codes.InvalidArgument, "ttl_ms must be greater than 0")
	}

	//apply request via raft
	result, err := s.apply(types.CreateSessionCmd{
		OwnerID: req.OwnerId,
		TTL:     time.Duration(req.TtlMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	session := result.(fsm.CreateSessionResponse)
	s.logger.Debug("session opened", "session_id", session.SessionID, "owner", req.OwnerId)
	return &pb.OpenSessionResponse{
		SessionId: session.SessionID,
		TtlMs:     req.TtlMs,
	}, nil
}

func (s *Server) Heartbeat(stream pb.Coordination_HeartbeatServer) error {
	for {
		//receive heartbeat from client
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		//renew the session
		result, err := s.apply(types.RenewSessionCmd{
			SessionID: req.SessionId,
		})
		if err != nil {
			metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
			return err
		}
		metrics.HeartbeatTotal.WithLabelValues("success").Inc()

		//just renewed, a whole ttl is left
		var ttl time.Duration
		if _, ok := result.(fsm.RenewSessionResponse); ok {
			if session, alive := s.backend.Session(req.SessionId); alive {
				ttl = session.TTL
			}
		}

		err = stream.Send(&pb.HeartbeatResponse{
			SessionId: req.SessionId,
			TtlMs:     ttl.Milliseconds(),
		})
		if err != nil {
			return err
		}
	}
}

func (s *Server) CloseSession(ctx context.Context, req *pb.CloseSessionRequest) (*pb.CloseSessionResponse, error) {
	result, err := s.apply(types.CloseSessionCmd{SessionID: req.SessionId})
	if err != nil {
		return nil, err
	}

	resp := result.(fsm.RemoveSessionResponse)
	s.logger.Debug("session closed", "session_id", req.SessionId, "ephemerals_deleted", resp.NodesDeleted)
	return &pb.CloseSessionResponse{NodesDeleted: int32(resp.NodesDeleted)}, nil
}

func (s *Server) Create(ctx context.Context, req *pb.CreateRequest) (*pb.CreateResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	cmd := types.CreateNodeCmd{
		Path:       req.Path,
		Data:       req.Data,
		Ephemeral:  req.Ephemeral,
		Sequential: req.Sequential,
	}
	if req.Ephemeral {
		cmd.SessionID = req.SessionId
	}

	result, err := s.apply(cmd)
	if err != nil {
		return nil, err
	}
	return &pb.CreateResponse{Path: result.(fsm.CreateNodeResponse).Path}, nil
}

func (s *Server) Delete(ctx context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	result, err := s.apply(types.DeleteNodeCmd{Path: req.Path, Version: req.Version})
	if err != nil {
		return nil, err
	}
	return &pb.DeleteResponse{Deleted: result.(fsm.DeleteNodeResponse).Deleted}, nil
}

func (s *Server) Exists(ctx context.Context, req *pb.ExistsRequest) (*pb.ExistsResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	_, exists := s.backend.Get(req.Path)
	return &pb.ExistsResponse{Exists: exists}, nil
}

func (s *Server) Children(ctx context.Context, req *pb.ChildrenRequest) (*pb.ChildrenResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	names, err := s.backend.Children(req.Path)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.ChildrenResponse{Names: names}, nil
}

func (s *Server) GetData(ctx context.Context, req *pb.GetDataRequest) (*pb.GetDataResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	node, exists := s.backend.Get(req.Path)
	if !exists {
		return nil, toGRPCError(types.ErrNoNode)
	}
	return &pb.GetDataResponse{Data: node.Data, Version: node.Version}, nil
}

func (s *Server) SetData(ctx context.Context, req *pb.SetDataRequest) (*pb.SetDataResponse, error) {
	if err := s.checkSession(req.SessionId); err != nil {
		return nil, err
	}

	result, err := s.apply(types.SetDataCmd{Path: req.Path, Data: req.Data, Version: req.Version})
	if err != nil {
		return nil, err
	}
	return &pb.SetDataResponse{Version: result.(fsm.SetDataResponse).Version}, nil
}

// registers a one-shot watch, acknowledges it with the current state, then waits for it to fire
// the registration outlives nothing: it is dropped when the stream ends
func (s *Server) Watch(req *pb.WatchRequest, stream pb.Coordination_WatchServer) error {
	if err := s.checkSession(req.SessionId); err != nil {
		return err
	}

	var kind watch.Kind
	switch req.Kind {
	case pb.WatchKindDelete:
		kind = watch.KindDelete
	case pb.WatchKindData:
		kind = watch.KindData
	default:
		return status.Errorf(codes.InvalidArgument, "unknown watch kind %q", req.Kind)
	}

	registry := s.backend.Watches()
	w := registry.Add(req.SessionId, req.Path, kind)

	//registered before the read, a change in between fires the watch
	node, exists := s.backend.Get(req.Path)
	if !exists {
		registry.Remove(w)
		if kind == watch.KindData {
			return toGRPCError(types.ErrNoNode)
		}
		return stream.Send(&pb.WatchResponse{Registered: true})
	}

	ack := &pb.WatchResponse{Registered: true, Exists: true}
	if kind == watch.KindData {
		ack.Data = node.Data
		ack.Version = node.Version
	}
	if err := stream.Send(ack); err != nil {
		registry.Remove(w)
		return err
	}

	select {
	case ev, ok := <-w.C():
		if !ok {
			//session ended or the service shut down
			return nil
		}
		return stream.Send(&pb.WatchResponse{Event: &pb.Event{Type: ev.Type.String(), Path: ev.Path}})
	case <-stream.Context().Done():
		registry.Remove(w)
		return stream.Context().Err()
	}
}

func (s *Server) GetStatus(ctx context.Context, req *pb.GetStatusRequest) (*pb.GetStatusResponse, error) {
	resp := &pb.GetStatusResponse{
		IsLeader:      s.backend.IsLeader(),
		LeaderAddress: s.backend.GetLeader(),
		ClusterSize:   1,
		State:         "Leader",
		Stats:         &pb.Stats{},
	}

	reporter, ok := s.backend.(statusReporter)
	if !ok {
		if holder, ok := s.backend.(stateHolder); ok {
			st := holder.State().Stats()
			resp.Stats = &pb.Stats{
				Nodes:      int32(st.Nodes),
				Ephemerals: int32(st.Ephemerals),
				Sessions:   int32(st.Sessions),
			}
		}
		return resp, nil
	}

	st := reporter.Status()
	resp.NodeId = st.NodeID
	resp.ClusterSize = int32(st.ClusterSize)
	resp.State = st.State
	resp.Stats = &pb.Stats{
		Nodes:      int32(st.Stats.Nodes),
		Ephemerals: int32(st.Stats.Ephemerals),
		Sessions:   int32(st.Stats.Sessions),
	}
	return resp, nil
}
