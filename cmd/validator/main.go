// Command validator is a PBFT validator node process: it wires the
// state machine, transport, seal store, validator-set query, admin
// API, and gRPC status server together and runs the driver loop until
// an interrupt signal arrives, following the teacher's cmd/worker
// signal-handling shape.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/adminapi"
	"github.com/meridianchain/pbft/internal/agent"
	"github.com/meridianchain/pbft/internal/auth"
	"github.com/meridianchain/pbft/internal/config"
	"github.com/meridianchain/pbft/internal/execstub"
	"github.com/meridianchain/pbft/internal/grpcstatus"
	"github.com/meridianchain/pbft/internal/logging"
	"github.com/meridianchain/pbft/internal/metrics"
	"github.com/meridianchain/pbft/internal/pbft"
	"github.com/meridianchain/pbft/internal/rpcvalidators"
	"github.com/meridianchain/pbft/internal/sealstore"
	"github.com/meridianchain/pbft/internal/transport/natstransport"
)

func main() {
	cfg := config.Load()

	logger := logging.Must(cfg.Logging.Level)
	defer logger.Sync()

	priv, err := loadOrGenerateKey()
	if err != nil {
		logger.Fatal("failed to load node key", zap.Error(err))
	}
	self := pbft.PeerIDFromPubKey(priv.PubKey())
	logger.Info("validator identity", zap.String("peer_id", hex.EncodeToString(self[:])))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seals, err := sealstore.New(ctx, cfg.Database, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to initialize seal store", zap.Error(err))
	}
	defer seals.Close()

	nt, err := natstransport.Connect(cfg.NATS.URL, self, logger)
	if err != nil {
		logger.Fatal("failed to initialize transport", zap.Error(err))
	}
	defer nt.Close()

	validatorQuery := rpcvalidators.New(os.Getenv("EXECUTION_RPC_URL"))
	exec := execstub.New()

	membership := pbft.NewMembership(nil) // replaced by OnBlockCommit's query_validators refresh
	timeouts := pbft.NewTimeouts(cfg.Timeouts.ViewChangeMinInterval)
	state := pbft.NewState(self, membership, timeouts)

	smCfg := pbft.Config{
		IdleTimeout:           cfg.Timeouts.Idle,
		CommitTimeout:         cfg.Timeouts.Commit,
		ViewChangeTimeoutBase: cfg.Timeouts.ViewChangeBase,
		GCWindowK:             cfg.GC.Window,
		ForcedViewChangePeriod: cfg.GC.ForcedViewChangePeriod,
		RetryBase:             cfg.Retry.Base,
		RetryMax:              cfg.Retry.Max,
	}

	sm := pbft.NewStateMachine(self, priv, state, pbft.NewLog(), nt, exec, exec, seals, validatorQuery, smCfg, logger)

	m := metrics.New()
	ag := agent.New(sm, state, nt, m, logger)

	authService := auth.NewService(cfg.Admin.JWTSecret, 24*time.Hour)
	admin := adminapi.NewServer(cfg.Admin, cfg.RateLimit, state, ag, authService, logger)

	grpcSrv := grpcstatus.NewServer(grpcstatus.Config{
		Port:                  9090,
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  5 * time.Minute,
		Timeout:               20 * time.Second,
	}, state, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("agent driver loop exited", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := admin.Run(); err != nil {
			logger.Error("admin api exited", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.Start(); err != nil {
			logger.Error("grpc status server exited", zap.Error(err))
		}
	}()

	logger.Info("validator node started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down validator node")

	cancel()
	grpcSrv.Stop()
	wg.Wait()

	logger.Info("validator node exited gracefully")
}

// loadOrGenerateKey loads the node's secp256k1 key from NODE_PRIVATE_KEY
// (hex), or generates an ephemeral one for single-node demo runs.
func loadOrGenerateKey() (*btcec.PrivateKey, error) {
	if hexKey := os.Getenv("NODE_PRIVATE_KEY"); hexKey != "" {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decoding NODE_PRIVATE_KEY: %w", err)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating ephemeral node key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(buf)
	return priv, nil
}
