package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	gossipservice "github.com/sushant-115/versiondb/api/gossip_service"
	"github.com/sushant-115/versiondb/config"
	"github.com/sushant-115/versiondb/config/certs"
	"github.com/sushant-115/versiondb/core/catalog"
	"github.com/sushant-115/versiondb/core/chunkstore"
	"github.com/sushant-115/versiondb/core/convergence"
	"github.com/sushant-115/versiondb/core/schema"
	"github.com/sushant-115/versiondb/core/transaction"
	"github.com/sushant-115/versiondb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/versiondb/internal/telemetry"
	"github.com/sushant-115/versiondb/pkg/connection"
	"github.com/sushant-115/versiondb/pkg/logger"
	"github.com/sushant-115/versiondb/pkg/telemetry"
)

const (
	PeerPoolSize          = 2
	GrpcServerStopTimeout = 5 * time.Second
	ShutdownTimeout       = 10 * time.Second
)

var (
	configPath = flag.String("config", "versiondb.yaml", "Path to the node's YAML config")
	nodeID     = flag.String("node_id", "", "Overrides node_id from the config")
	genCerts   = flag.String("gen_certs", "", "Write a CA plus certificates for the comma-separated node ids in -cert_dir, then exit")
	certDir    = flag.String("cert_dir", "certs", "Directory -gen_certs writes to")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.Generate(*certDir, strings.Split(*genCerts, ",")...); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger, cfg.NodeID)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlogger); err != nil {
		zlogger.Fatal("Node exited with error", zap.Error(err))
	}
	zlogger.Info("Node stopped")
}

func loadConfig() (*config.Config, error) {
	if *nodeID == "" {
		return config.Load(*configPath)
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", *configPath, err)
	}
	// The override must be in place before defaults derive paths from it.
	return config.ParseWithOverride(data, func(c *config.Config) { c.NodeID = *nodeID })
}

// node holds everything run starts, in the order it must be torn down.
type node struct {
	closers  []io.Closer
	shutdown []func(context.Context) error
}

func (n *node) onClose(c io.Closer) { n.closers = append(n.closers, c) }

func (n *node) close(ctx context.Context) error {
	var errs error
	for i := len(n.shutdown) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, n.shutdown[i](ctx))
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, n.closers[i].Close())
	}
	return errs
}

func run(ctx context.Context, cfg *config.Config, zlogger *zap.Logger) (err error) {
	zlogger.Info("Starting versiondb node",
		zap.String("listenAddr", cfg.ListenAddr),
		zap.String("dataDir", cfg.DataDir),
		zap.Strings("peers", cfg.PeerIDs()),
		zap.String("catalog", cfg.Catalog.Backend),
		zap.String("chunks", cfg.Chunks.Backend),
	)

	n := &node{}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, n.close(shutdownCtx))
	}()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	n.shutdown = append(n.shutdown, telShutdown)

	logManager, err := wal.NewLogManager(cfg.WAL.Dir, zlogger, cfg.WAL.SegmentSizeBytes)
	if err != nil {
		return fmt.Errorf("failed to open commit log: %w", err)
	}
	n.onClose(logManager)

	cat, err := openCatalog(cfg, zlogger, n)
	if err != nil {
		return err
	}
	chunks, err := openChunks(ctx, cfg, zlogger, n)
	if err != nil {
		return err
	}

	registry := schema.NewRegistry()
	if err := cfg.ApplySchema(registry); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	mgr, err := transaction.NewManager(transaction.Options{
		Catalog:          cat,
		Chunks:           chunks,
		Log:              logManager,
		Registry:         registry,
		Logger:           zlogger,
		Meter:            tel.Meter,
		Tracer:           tel.Tracer,
		LedgerPruneEvery: cfg.Transactions.LedgerPruneEvery,
		ArchiveSize:      cfg.Transactions.ArchiveSize,
	})
	if err != nil {
		return err
	}
	n.onClose(mgr)
	report, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover commit log: %w", err)
	}
	zlogger.Info("Commit log recovered",
		zap.Int("pending", report.Pending),
		zap.Int("rolledForward", report.RolledForward),
		zap.Int("rolledBack", report.RolledBack),
	)

	id := convergence.NodeID(cfg.NodeID)
	store := convergence.NewManagerStore(mgr, id, zlogger)
	cnode, err := convergence.NewNode(convergence.Options{
		ID:       id,
		Registry: registry,
		Store:    store,
		Serial:   store,
		Logger:   zlogger,
		Meter:    tel.Meter,
	})
	if err != nil {
		return err
	}
	if err := cnode.Restore(ctx); err != nil {
		return err
	}

	dialCreds, serverOpts, err := transportSecurity(cfg)
	if err != nil {
		return err
	}
	pool := connection.NewConnectionPoolManager(PeerPoolSize, grpc.WithTransportCredentials(dialCreds))
	n.onClose(pool)
	client := gossipservice.NewClient(pool, gossipservice.DefaultCallTimeout)
	for _, p := range cfg.Peers {
		cnode.AddPeer(convergence.NodeID(p.ID))
		client.SetPeer(convergence.NodeID(p.ID), p.Addr)
	}

	grpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return err
	}
	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor(tel.Tracer)))
	grpcServer := grpc.NewServer(serverOpts...)
	gossipservice.RegisterGossipServer(grpcServer, gossipservice.NewServer(cnode, zlogger))

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(3)
	go func() {
		defer wg.Done()
		zlogger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- err
		}
	}()
	go func() {
		defer wg.Done()
		convergence.NewGossiper(cnode, client, cfg.Gossip, zlogger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		checkpointLoop(ctx, logManager, cfg.WAL.CheckpointInterval, zlogger)
	}()

	select {
	case <-ctx.Done():
		zlogger.Info("Shutdown signal received")
	case err = <-serveErr:
		zlogger.Error("gRPC server failed", zap.Error(err))
	}

	cancel()
	stopGRPC(grpcServer, zlogger)
	wg.Wait()
	return err
}

func openCatalog(cfg *config.Config, zlogger *zap.Logger, n *node) (transaction.Catalog, error) {
	if cfg.Catalog.Backend == config.CatalogMemory {
		return catalog.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	stable, err := catalog.OpenBolt(cfg.Catalog.Path, zlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", cfg.Catalog.Path, err)
	}
	n.onClose(stable)
	return stable, nil
}

func openChunks(ctx context.Context, cfg *config.Config, zlogger *zap.Logger, n *node) (transaction.ChunkStore, error) {
	switch cfg.Chunks.Backend {
	case config.ChunksMemory:
		return chunkstore.NewMemory(), nil
	case config.ChunksRedis:
		r := chunkstore.NewRedis(cfg.Chunks.Redis)
		n.onClose(r)
		if err := r.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis chunk store at %s unreachable: %w", cfg.Chunks.Redis.Addr, err)
		}
		return r, nil
	default:
		b, err := chunkstore.OpenBadger(cfg.Chunks.Dir, zlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open chunk store %s: %w", cfg.Chunks.Dir, err)
		}
		n.onClose(b)
		return b, nil
	}
}

// transportSecurity returns mTLS credentials when certificates are
// configured and plaintext otherwise.
func transportSecurity(cfg *config.Config) (credentials.TransportCredentials, []grpc.ServerOption, error) {
	if !cfg.TLS.Enabled() {
		return insecure.NewCredentials(), nil, nil
	}
	serverTLS, err := certs.LoadServerTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	clientTLS, err := certs.LoadClientTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ServerName)
	if err != nil {
		return nil, nil, err
	}
	return credentials.NewTLS(clientTLS), []grpc.ServerOption{grpc.Creds(credentials.NewTLS(serverTLS))}, nil
}

func checkpointLoop(ctx context.Context, lm *wal.LogManager, interval time.Duration, zlogger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := lm.Checkpoint(); err != nil {
				zlogger.Warn("Commit log checkpoint failed", zap.Error(err))
			}
		}
	}
}

func stopGRPC(s *grpc.Server, zlogger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(GrpcServerStopTimeout):
		zlogger.Warn("gRPC graceful stop timed out, forcing stop")
		s.Stop()
	}
}
