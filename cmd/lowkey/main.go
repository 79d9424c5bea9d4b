package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/lowkey-rwlock/api/v1"
	"github.com/pixperk/lowkey-rwlock/pkg/gateway"
	"github.com/pixperk/lowkey-rwlock/pkg/raft"
	"github.com/pixperk/lowkey-rwlock/pkg/server"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	var (
		nodeID       = flag.String("node-id", "", "Unique node ID (generates UUID if empty)")
		raftAddr     = flag.String("raft-addr", "127.0.0.1:7000", "Raft bind address")
		grpcAddr     = flag.String("grpc-addr", ":9000", "gRPC server address")
		httpAddr     = flag.String("http-addr", ":8080", "HTTP admin address (metrics, status)")
		dataDir      = flag.String("data-dir", "./data", "Data directory for Raft storage")
		bootstrap    = flag.Bool("bootstrap", false, "Bootstrap a new cluster")
		peers        = flag.String("peers", "", "Voters the bootstrap node adds once it leads, id=raft-addr,...")
		reapInterval = flag.Duration("reap-interval", time.Second, "How often the leader expires lapsed sessions")
		logLevel     = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "lowkey",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(logger, options{
		nodeID:       *nodeID,
		raftAddr:     *raftAddr,
		grpcAddr:     *grpcAddr,
		httpAddr:     *httpAddr,
		dataDir:      *dataDir,
		bootstrap:    *bootstrap,
		peers:        *peers,
		reapInterval: *reapInterval,
	}); err != nil {
		logger.Error("lowkey stopped", "error", err)
		os.Exit(1)
	}
}

type options struct {
	nodeID       string
	raftAddr     string
	grpcAddr     string
	httpAddr     string
	dataDir      string
	bootstrap    bool
	peers        string
	reapInterval time.Duration
}

func run(logger hclog.Logger, opts options) error {
	nid, err := parseNodeID(opts.nodeID, logger)
	if err != nil {
		return err
	}

	logger.Info("starting lowkey node",
		"node_id", nid,
		"raft", opts.raftAddr,
		"grpc", opts.grpcAddr,
		"http", opts.httpAddr,
		"data", opts.dataDir,
		"bootstrap", opts.bootstrap,
	)

	node, err := raft.NewNode(&raft.Config{
		NodeID:       nid,
		BindAddr:     opts.raftAddr,
		DataDir:      opts.dataDir,
		Bootstrap:    opts.bootstrap,
		ReapInterval: opts.reapInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create Raft node: %w", err)
	}
	defer node.Shutdown()

	grpcServer := grpc.NewServer()
	pb.RegisterCoordinationServer(grpcServer, server.NewServer(node, logger))

	listener, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.grpcAddr, err)
	}

	gwServer, err := gateway.NewServer(opts.httpAddr, dialTarget(opts.grpcAddr), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", opts.grpcAddr)
		return grpcServer.Serve(listener)
	})

	g.Go(func() error {
		return gwServer.Start(ctx)
	})

	if opts.bootstrap && opts.peers != "" {
		g.Go(func() error {
			return addPeers(ctx, node, opts.peers)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		//open heartbeat and watch streams would hold a graceful stop forever
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return gwServer.Stop(shutdownCtx)
	})

	logger.Info("lowkey is ready")

	err = g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	if err == nil {
		logger.Info("shutdown complete")
	}
	return err
}

func parseNodeID(raw string, logger hclog.Logger) (uuid.UUID, error) {
	if raw == "" {
		nid := uuid.New()
		logger.Info("generated node id", "node_id", nid)
		return nid, nil
	}
	nid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid node id: %w", err)
	}
	return nid, nil
}

// the gateway dials the local gRPC listener, a bare :port means localhost
func dialTarget(grpcAddr string) string {
	if strings.HasPrefix(grpcAddr, ":") {
		return "localhost" + grpcAddr
	}
	return grpcAddr
}

// waits for leadership, then adds each id=addr pair as a voter
func addPeers(ctx context.Context, node *raft.Node, peers string) error {
	if err := node.WaitForLeader(30 * time.Second); err != nil {
		return err
	}

	for _, peer := range strings.Split(peers, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(peer), "=")
		if !ok {
			return fmt.Errorf("invalid peer %q, want id=raft-addr", peer)
		}
		pid, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", id, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := node.AddVoter(pid, addr); err != nil {
			return fmt.Errorf("failed to add peer %s: %w", peer, err)
		}
	}
	return nil
}
