package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/lowkey-rwlock/api/v1"
	"github.com/pixperk/lowkey-rwlock/pkg/coord"
	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type options struct {
	dialOpts []grpc.DialOption
	logger   hclog.Logger
}

type Option func(*options)

// extra dial options, transport credentials default to insecure
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Client is one session against a lowkey server over gRPC
type Client struct {
	addr    string
	ownerID string
	conn    *grpc.ClientConn
	client  pb.CoordinationClient
	logger  hclog.Logger

	sessionID uint64
	ttl       time.Duration
	heartbeat pb.Coordination_HeartbeatClient //owned by the heartbeat loop

	//bounds the heartbeat and watch streams, cancelled when the session ends
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error //set once the session is closed or lost
	started   bool
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

var _ coord.Client = (*Client)(nil)

func NewClient(addr, ownerID string, opts ...Option) (*Client, error) {
	o := options{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.dialOpts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		addr:    addr,
		ownerID: ownerID,
		conn:    conn,
		client:  pb.NewCoordinationClient(conn),
		logger:  o.logger.Named("client").With("server", addr, "owner", ownerID),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Dial connects and opens a session in one go
func Dial(ctx context.Context, addr, ownerID string, ttl time.Duration, opts ...Option) (*Client, error) {
	c, err := NewClient(addr, ownerID, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx, ttl); err != nil {
		c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

// opens the session and starts heartbeating every ttl/3
func (c *Client) Start(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = coord.DefaultSessionTTL
	}

	resp, err := c.client.OpenSession(ctx, &pb.OpenSessionRequest{
		OwnerId: c.ownerID,
		TtlMs:   ttl.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("open session: %w", fromGRPCError(err))
	}

	c.mu.Lock()
	c.sessionID = resp.SessionId
	c.ttl = ttl
	c.started = true
	c.logger = c.logger.With("session_id", resp.SessionId)
	c.mu.Unlock()

	go c.heartbeatLoop()

	c.logger.Debug("session opened", "ttl", ttl)
	return nil
}

func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) heartbeatLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			err := c.beat()
			if err == nil {
				// Reset failure count on success
				if failureCount > 0 {
					c.logger.Info("heartbeat recovered", "failures", failureCount)
					failureCount = 0
				}
				continue
			}

			if errors.Is(err, types.ErrSessionExpired) || errors.Is(err, types.ErrSessionNotFound) {
				c.logger.Error("session lost", "error", err)
				c.fail(types.ErrSessionExpired)
				return
			}

			failureCount++
			c.logger.Warn("heartbeat failed", "attempt", failureCount, "error", err)
			if failureCount >= 2 {
				c.logger.Error("session may expire soon, heartbeat failing")
			}

		case <-c.stopCh:
			return
		}
	}
}

// one renewal round trip, the stream is reopened after a failure
func (c *Client) beat() error {
	if c.heartbeat == nil {
		stream, err := c.client.Heartbeat(c.ctx)
		if err != nil {
			return fromGRPCError(err)
		}
		c.heartbeat = stream
	}

	err := c.heartbeat.Send(&pb.HeartbeatRequest{SessionId: c.sessionID})
	if err == nil {
		_, err = c.heartbeat.Recv()
	} else if errors.Is(err, io.EOF) {
		//the server ended the stream, its status comes with Recv
		_, err = c.heartbeat.Recv()
	}
	if err != nil {
		c.heartbeat = nil
		return fromGRPCError(err)
	}
	return nil
}

// marks the session dead and ends every stream, pending watches close without an event
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Client) check(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if !c.started {
		return 0, fmt.Errorf("%w: session not started", types.ErrSessionClosed)
	}
	return c.sessionID, nil
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	id, err := c.check(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Exists(ctx, &pb.ExistsRequest{SessionId: id, Path: path})
	if err != nil {
		return false, fromGRPCError(err)
	}
	return resp.Exists, nil
}

func (c *Client) CreatePersistent(ctx context.Context, path string, data []byte) error {
	id, err := c.check(ctx)
	if err != nil {
		return err
	}
	_, err = c.client.Create(ctx, &pb.CreateRequest{SessionId: id, Path: path, Data: data})
	return fromGRPCError(err)
}

func (c *Client) CreateEphemeralSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	id, err := c.check(ctx)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Create(ctx, &pb.CreateRequest{
		SessionId:  id,
		Path:       types.JoinPath(parent, prefix),
		Data:       data,
		Ephemeral:  true,
		Sequential: true,
	})
	if err != nil {
		return "", fromGRPCError(err)
	}
	_, name := types.SplitPath(resp.Path)
	return name, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	id, err := c.check(ctx)
	if err != nil {
		return err
	}
	_, err = c.client.Delete(ctx, &pb.DeleteRequest{SessionId: id, Path: path, Version: types.AnyVersion})
	err = fromGRPCError(err)
	if errors.Is(err, types.ErrNoNode) {
		return nil
	}
	return err
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	id, err := c.check(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Children(ctx, &pb.ChildrenRequest{SessionId: id, Path: path})
	if err != nil {
		return nil, fromGRPCError(err)
	}
	return resp.Names, nil
}

func (c *Client) GetData(ctx context.Context, path string) ([]byte, int64, error) {
	id, err := c.check(ctx)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.client.GetData(ctx, &pb.GetDataRequest{SessionId: id, Path: path})
	if err != nil {
		return nil, 0, fromGRPCError(err)
	}
	return resp.Data, resp.Version, nil
}

func (c *Client) SetData(ctx context.Context, path string, data []byte, version int64) (int64, error) {
	id, err := c.check(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.SetData(ctx, &pb.SetDataRequest{SessionId: id, Path: path, Data: data, Version: version})
	if err != nil {
		return 0, fromGRPCError(err)
	}
	return resp.Version, nil
}

func (c *Client) WatchDelete(ctx context.Context, path string) (bool, <-chan types.Event, error) {
	ack, ch, err := c.watch(ctx, path, pb.WatchKindDelete)
	if err != nil {
		return false, nil, err
	}
	if !ack.Exists {
		return false, nil, nil
	}
	return true, ch, nil
}

func (c *Client) WatchData(ctx context.Context, path string) ([]byte, int64, <-chan types.Event, error) {
	ack, ch, err := c.watch(ctx, path, pb.WatchKindData)
	if err != nil {
		return nil, 0, nil, err
	}
	return ack.Data, ack.Version, ch, nil
}

// opens a watch stream and waits for its acknowledgement
// the stream ends with ctx or the session, the server then drops the registration
func (c *Client) watch(ctx context.Context, path, kind string) (*pb.WatchResponse, <-chan types.Event, error) {
	id, err := c.check(ctx)
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	stream, err := c.client.Watch(streamCtx, &pb.WatchRequest{SessionId: id, Path: path, Kind: kind})
	if err == nil {
		var ack *pb.WatchResponse
		ack, err = stream.Recv()
		if err == nil {
			if !ack.Exists {
				release()
				return ack, nil, nil
			}
			return ack, c.forward(stream, release), nil
		}
	}
	release()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, ctxErr
	}
	return nil, nil, fromGRPCError(err)
}

// relays the single event of a watch stream to a channel, closing it afterwards
func (c *Client) forward(stream pb.Coordination_WatchClient, release func()) <-chan types.Event {
	ch := make(chan types.Event, 1)
	go func() {
		defer release()
		defer close(ch)

		resp, err := stream.Recv()
		if err != nil || resp.Event == nil {
			return
		}
		ch <- types.Event{Type: types.ParseEventType(resp.Event.Type), Path: resp.Event.Path}
	}()
	return ch
}

func (c *Client) Status(ctx context.Context) (*pb.GetStatusResponse, error) {
	resp, err := c.client.GetStatus(ctx, &pb.GetStatusRequest{})
	return resp, fromGRPCError(err)
}

// closes the session on the server, its ephemeral nodes vanish, then drops the connection
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.err
		if prev == nil {
			c.err = types.ErrSessionClosed
		}
		started := c.started
		c.mu.Unlock()

		c.stopOnce.Do(func() { close(c.stopCh) })
		if started {
			<-c.done
		}
		if c.heartbeat != nil {
			c.heartbeat.CloseSend()
		}

		if started && prev == nil {
			_, cerr := c.client.CloseSession(ctx, &pb.CloseSessionRequest{SessionId: c.sessionID})
			cerr = fromGRPCError(cerr)
			if cerr != nil && !errors.Is(cerr, types.ErrSessionNotFound) {
				err = fmt.Errorf("close session: %w", cerr)
			}
		}

		c.cancel()
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.logger.Debug("client closed")
	})
	return err
}
