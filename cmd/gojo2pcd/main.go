package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	twophaseservice "github.com/sushant-115/gojo2pc/api/twophase_service"
	"github.com/sushant-115/gojo2pc/config"
	"github.com/sushant-115/gojo2pc/config/certs"
	"github.com/sushant-115/gojo2pc/core/checkpoint"
	"github.com/sushant-115/gojo2pc/core/lockmanager"
	"github.com/sushant-115/gojo2pc/core/storage_engine/objstore"
	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"github.com/sushant-115/gojo2pc/core/write_engine/wal"
	"github.com/sushant-115/gojo2pc/pkg/logger"
	"github.com/sushant-115/gojo2pc/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "/tmp/gojo2pc_data", "Data directory for the log, status log and checkpoints")
	grpcAddr   = flag.String("grpc_addr", "", "gRPC bind address, overrides server.grpc_addr")
	logLevel   = flag.String("log_level", "", "Log level, overrides logger.level")
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	TelemetryStopTimeout  = 5 * time.Second
)

// node holds everything the server opens and must close.
type node struct {
	cfg          config.Config
	logger       *zap.Logger
	wal          wal.Log
	status       *transaction.BoltStatusLog
	xids         *transaction.XidGenerator
	mgr          *twophase.Manager
	checkpointer *checkpoint.Checkpointer
	grpcServer   *grpc.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TelemetryStopTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fatalErr error
	var fatalOnce sync.Once
	onFatal := func(err error) {
		fatalOnce.Do(func() {
			zlogger.Error("Unrecoverable two-phase failure, stopping the server", zap.Error(err))
			fatalErr = err
			cancel()
		})
	}

	n, err := openNode(ctx, cfg, zlogger, tel, onFatal)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize node", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.checkpointer.Run(ctx, cfg.Checkpoint.Interval)
	}()
	go func() {
		defer wg.Done()
		if err := n.serve(); err != nil {
			zlogger.Error("gRPC server failed to serve", zap.Error(err))
			cancel()
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	n.close(fatalErr == nil)
	wg.Wait()
	if fatalErr != nil {
		zlogger.Sync()
		os.Exit(1)
	}
	zlogger.Info("gojo2pc node shut down gracefully")
}

func openNode(ctx context.Context, cfg config.Config, zlogger *zap.Logger, tel *telemetry.Telemetry, onFatal func(error)) (*node, error) {
	zlogger.Info("Initializing gojo2pc node",
		zap.String("grpcAddr", cfg.Server.GRPCAddr),
		zap.String("walBackend", cfg.WAL.Backend),
		zap.String("walDir", cfg.WAL.Dir),
		zap.Int("maxPreparedXacts", cfg.TwoPhase.MaxPreparedXacts),
	)
	n := &node{cfg: cfg, logger: zlogger}

	var err error
	n.wal, err = wal.Open(cfg.WAL, zlogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open write-ahead log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatusLog.Path), 0750); err != nil {
		n.wal.Close()
		return nil, fmt.Errorf("failed to create status log directory: %w", err)
	}
	n.status, err = transaction.OpenBoltStatusLog(cfg.StatusLog.Path, zlogger)
	if err != nil {
		n.wal.Close()
		return nil, err
	}

	store := checkpoint.NewStore(cfg.Checkpoint.Dir, zlogger)
	cp, err := store.Load()
	if err != nil {
		n.closeStores()
		return nil, err
	}
	zlogger.Info("Checkpoint loaded",
		zap.Uint64("redoLSN", uint64(cp.RedoLSN)),
		zap.Uint64("nextXid", uint64(cp.NextXid)),
		zap.Int("prepared", len(cp.Prepared)),
	)

	n.xids = transaction.NewXidGenerator(cp.NextXid)
	procs := transaction.NewProcArray()
	locks := lockmanager.NewLockManager(zlogger)
	callbacks := &twophase.Callbacks{}
	if err := callbacks.Register(twophase.RMLock, locks.ResourceManager()); err != nil {
		n.closeStores()
		return nil, err
	}
	dropper, err := objstore.NewFileDropper(cfg.Storage.DataDir, cfg.Storage.RemovalsPerSec, zlogger)
	if err != nil {
		n.closeStores()
		return nil, err
	}

	n.mgr, err = twophase.NewManager(cfg.TwoPhase, twophase.Deps{
		Log:        n.wal,
		Status:     n.status,
		Visibility: procs,
		SubTrans:   transaction.NewSubTransMap(),
		Xids:       n.xids,
		Cleaner:    dropper,
		Callbacks:  callbacks,
		Logger:     zlogger,
		Telemetry:  tel,
		OnFatal:    onFatal,
	})
	if err != nil {
		n.closeStores()
		return nil, err
	}
	if err := n.mgr.StartupRecovery(ctx, cp.RedoLSN, cp.Prepared); err != nil {
		n.closeStores()
		return nil, fmt.Errorf("startup recovery failed: %w", err)
	}
	n.checkpointer = checkpoint.NewCheckpointer(store, n.mgr, n.wal, n.xids, zlogger)

	svc, err := twophaseservice.NewServer(twophaseservice.Deps{
		Manager:    n.mgr,
		Locks:      locks,
		Xids:       n.xids,
		Visibility: procs,
		Status:     n.status,
		Objects:    dropper,
		Logger:     zlogger,
	})
	if err != nil {
		n.closeStores()
		return nil, err
	}
	opts := twophaseservice.ServerOptions{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Logger:            zlogger,
	}
	if cfg.Server.TLS.Enabled {
		opts.TLS, err = certs.ServerTLSConfig(cfg.Server.TLS.CAFile, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("failed to load server TLS material: %w", err)
		}
	}
	n.grpcServer = twophaseservice.NewGRPCServer(svc, opts)
	return n, nil
}

func (n *node) serve() error {
	lis, err := net.Listen("tcp", n.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Server.GRPCAddr, err)
	}
	n.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()), zap.Bool("tls", n.cfg.Server.TLS.Enabled))
	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// close stops serving and, unless the node hit a fatal error, writes a final
// checkpoint before closing the stores.
func (n *node) close(finalCheckpoint bool) {
	stopped := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GrpcServerStopTimeout):
		n.logger.Warn("gRPC graceful stop timed out, forcing stop")
		n.grpcServer.Stop()
	}

	if finalCheckpoint {
		if cp, err := n.checkpointer.Checkpoint(); err != nil {
			n.logger.Error("Final checkpoint failed", zap.Error(err))
		} else {
			n.logger.Info("Final checkpoint written", zap.Uint64("redoLSN", uint64(cp.RedoLSN)), zap.Int("prepared", len(cp.Prepared)))
		}
	}
	n.closeStores()
}

func (n *node) closeStores() {
	if err := n.wal.Close(); err != nil {
		n.logger.Error("Failed to close write-ahead log", zap.Error(err))
	}
	if err := n.status.Close(); err != nil {
		n.logger.Error("Failed to close status log", zap.Error(err))
	}
}
