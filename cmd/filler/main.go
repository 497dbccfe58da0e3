// Command filler runs the intent-filler pipeline end to end: one chain
// monitor per configured chain feeding a shared scheduler, which evaluates
// the same-token and managed-asset strategies, submits bids through an
// optional coordinator, records every bid attempt, and drives the
// rebalance timer, all wired from configs/config.yml (spec.md 4.F).
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/configs"
	"github.com/duskrelay/intentfiller/internal/db"
	"github.com/duskrelay/intentfiller/internal/util"
	"github.com/duskrelay/intentfiller/pkg/abidefs"
	"github.com/duskrelay/intentfiller/pkg/cache"
	"github.com/duskrelay/intentfiller/pkg/chainclient"
	"github.com/duskrelay/intentfiller/pkg/contractclient"
	"github.com/duskrelay/intentfiller/pkg/coordinator"
	"github.com/duskrelay/intentfiller/pkg/metrics"
	"github.com/duskrelay/intentfiller/pkg/monitor"
	"github.com/duskrelay/intentfiller/pkg/rebalancer"
	"github.com/duskrelay/intentfiller/pkg/scheduler"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(log); err != nil {
		log.Fatalw("filler: fatal startup error", "error", err)
	}
}

func run(log *zap.SugaredLogger) error {
	_ = godotenv.Load()

	encryptionKey := os.Getenv("KEY")
	if encryptionKey == "" {
		return fmt.Errorf("KEY not set")
	}

	fillerKey, err := loadPrivateKey(encryptionKey)
	if err != nil {
		return fmt.Errorf("load filler private key: %w", err)
	}
	owner := crypto.PubkeyToAddress(fillerKey.PublicKey)
	log.Infow("filler: signing address derived", "address", owner)

	substrateKeyHex, err := loadSubstrateKey(encryptionKey)
	if err != nil {
		return fmt.Errorf("load substrate private key: %w", err)
	}

	conf, err := configs.LoadConfig("configs/config.yml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(m, log)

	c := cache.New(conf.ToCacheTTL())
	c.SetMetrics(m)
	for tag, on := range conf.ToSolverSelection() {
		c.SetSolverSelection(tag, on)
	}

	descriptors := conf.ToChainDescriptors()
	registry := chainclient.New()
	layer := contractclient.NewLayer(registry, c, log, abidefs.GatewayABI, abidefs.ERC20ABI, abidefs.EntryPointABI, descriptors)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	signers := make(map[filler.ChainTag]*chainclient.Pair, len(descriptors))
	for _, d := range descriptors {
		if d.WatchOnly {
			continue
		}
		pair, err := registry.Get(ctx, d.ChainID, d.RPCEndpoint, fillerKey)
		if err != nil {
			return fmt.Errorf("dial chain %s: %w", d.Tag, err)
		}
		signers[d.Tag] = pair
	}

	layer.WarmCache(ctx)

	bidStore, err := db.NewMySQLBidStore(bidStoreDSN())
	if err != nil {
		return fmt.Errorf("open bid store: %w", err)
	}
	defer bidStore.Close()

	bpsCurve, err := conf.ToBpsCurve()
	if err != nil {
		return fmt.Errorf("build filler bps curve: %w", err)
	}
	priceCurve, err := conf.ToPriceCurve()
	if err != nil {
		return fmt.Errorf("build price curve: %w", err)
	}
	maxOrderUSD, err := conf.ToMaxOrderUSD()
	if err != nil {
		return fmt.Errorf("parse maxOrderUsd: %w", err)
	}
	confirmationCurves, err := conf.ToConfirmationCurves()
	if err != nil {
		return fmt.Errorf("build confirmation curves: %w", err)
	}

	strategies := []strategy.Strategy{
		strategy.NewSameToken(layer, c, bpsCurve, abidefs.GatewayABI, descriptors, bidStore, log.Named("strategy.same-token")),
		strategy.NewManagedAsset(layer, c, priceCurve, maxOrderUSD, abidefs.GatewayABI, abidefs.ERC20ABI, abidefs.ERC7821ABI, descriptors, bidStore, owner, log.Named("strategy.managed-asset")),
	}

	coord, err := coordinator.New(conf.HyperbridgeWsURL, substrateKeyHex, conf.BundlerURL, log.Named("coordinator"))
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if coord != nil {
		if err := coord.Connect(ctx); err != nil {
			return fmt.Errorf("connect coordinator: %w", err)
		}
		defer coord.Disconnect()
	}

	// No concrete bridge adapter ships by default (spec.md 4.H): a deployment
	// that wants automatic rebalancing supplies one by constructing
	// rebalancer.NewRunner itself ahead of this point. Without one, the
	// scheduler simply never fires the rebalance timer.
	var rebalanceRunner *rebalancer.Runner

	sched := scheduler.New(scheduler.Config{
		Cache:               c,
		Layer:               layer,
		ConfirmationCurves:  confirmationCurves,
		Strategies:          strategies,
		Coordinator:         coordinatorOrNil(coord),
		Signers:             signers,
		Descriptors:         descriptors,
		RebalanceRunner:     rebalanceRunner,
		Metrics:             m,
		MaxConcurrentOrders: conf.ToMaxConcurrentOrders(),
		OnOrderDetected: func(o *filler.Order) {
			log.Infow("order detected", "commitment", o.Commitment, "source", o.Source, "destination", o.Destination)
		},
		OnOrderFilled: func(o *filler.Order, s strategy.Strategy, r strategy.Result) {
			log.Infow("order filled", "commitment", o.Commitment, "strategy", s.Name(), "transaction", r.TransactionID)
		},
		OnOrderDropped: func(o *filler.Order, reason string) {
			log.Infow("order dropped", "commitment", o.Commitment, "reason", reason)
		},
		Log: log.Named("scheduler"),
	})
	sched.RunRebalanceLoop(ctx)

	scanners := make([]*monitor.Scanner, 0, len(descriptors))
	for _, d := range descriptors {
		pair, err := registry.Get(ctx, d.ChainID, d.RPCEndpoint, nil)
		if err != nil {
			return fmt.Errorf("dial chain %s for monitor: %w", d.Tag, err)
		}
		head, err := pair.Public.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("read chain head for %s: %w", d.Tag, err)
		}
		scanner := monitor.New(d.Tag, d.GatewayAddress, abidefs.GatewayABI, monitor.EthClientReader{Client: pair.Public}, head, sched.Submit, log.Named("monitor."+d.Tag.String()), m)
		scanner.Start(ctx)
		scanners = append(scanners, scanner)
	}

	log.Infow("filler: started", "chains", len(descriptors))
	<-ctx.Done()
	log.Infow("filler: shutdown signal received, draining")

	for _, s := range scanners {
		s.Stop()
	}
	sched.Stop()
	return nil
}

// coordinatorOrNil adapts a possibly-nil *coordinator.Coordinator to the
// scheduler's strategy.Coordinator interface without leaving a non-nil
// interface wrapping a nil pointer.
func coordinatorOrNil(c *coordinator.Coordinator) strategy.Coordinator {
	if c == nil {
		return nil
	}
	return c
}

// loadPrivateKey recovers the filler's EVM signing key from the same
// ENC_PK/KEY pair the teacher used.
func loadPrivateKey(encryptionKey string) (*ecdsa.PrivateKey, error) {
	encryptedPK := os.Getenv("ENC_PK")
	if encryptedPK == "" {
		return nil, fmt.Errorf("ENC_PK not set")
	}
	plaintext, err := util.Decrypt([]byte(encryptionKey), encryptedPK)
	if err != nil {
		return nil, fmt.Errorf("decrypt ENC_PK: %w", err)
	}
	return crypto.HexToECDSA(plaintext)
}

// loadSubstrateKey recovers the coordinator's sr25519 seed the same way,
// under a second encrypted environment value sharing the filler's AES key.
// Empty when ENC_SUBSTRATE_PK is unset; the coordinator is left unconfigured
// only when hyperbridgeWsUrl is empty as well.
func loadSubstrateKey(encryptionKey string) (string, error) {
	encrypted := os.Getenv("ENC_SUBSTRATE_PK")
	if encrypted == "" {
		return "", nil
	}
	return util.Decrypt([]byte(encryptionKey), encrypted)
}

func bidStoreDSN() string {
	if dsn := os.Getenv("BID_STORE_DSN"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		envOr("MYSQL_USER", "root"), envOr("MYSQL_PASSWORD", "root"),
		envOr("MYSQL_HOST", "127.0.0.1"), envOr("MYSQL_PORT", "3306"),
		envOr("MYSQL_DATABASE", "intentfiller"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serveMetrics(m *metrics.Metrics, log *zap.SugaredLogger) {
	addr := envOr("METRICS_ADDR", ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	log.Infow("filler: metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("filler: metrics server exited", "error", err)
	}
}
