package main

import (
	"DiceLedger/internal/config"
	"DiceLedger/internal/coordination"
	"DiceLedger/internal/core"
	"DiceLedger/internal/ingestion"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/observability"
	"DiceLedger/internal/oracle"
	"DiceLedger/internal/persistence"
	"DiceLedger/internal/projection"
	"DiceLedger/internal/query"
	"DiceLedger/internal/server"
	"DiceLedger/migrations"
	"context"
	"crypto/ecdsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: DiceLedger starting...")

	if os.Getenv("GOGC") == "" {
		log.Println("WARN: GOGC not set, recommend GOGC=400 for production")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	logger := observability.NewLoggerWithLevel("diceledger", observability.ParseLogLevel(cfg.LogLevel))

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")
	healthChecker.AddProbe("postgres", func() error {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return db.PingContext(pctx)
	})

	// --- Single-writer lease ---
	// Must be held before replay: another writer could still be appending.
	var lease *coordination.Lease
	if cfg.RedisAddr != "" {
		rdb, err := coordination.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer rdb.Close()

		lease = coordination.NewLease(rdb, coordination.LeaderKey, cfg.LeaseTTL, logger)
		log.Printf("INFO: waiting for leader lease %s", coordination.LeaderKey)
		if err := lease.AcquireWait(ctx, cfg.LeaseTTL/3); err != nil {
			log.Fatalf("FATAL: acquire leader lease: %v", err)
		}
		defer lease.Release()
		healthChecker.AddProbe("leader_lease", func() error {
			if !lease.Held() {
				return coordination.ErrLeaseLost
			}
			return nil
		})
	} else {
		log.Println("WARN: DICE_REDIS_ADDR not set, running without a leader lease")
	}

	// --- Run SQL migrations ---
	migrator := newMigrator(db, cfg.MigrationsDir).WithLogger(logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: schema up to date")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSURL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		healthChecker.AddProbe("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	} else if cfg.OracleMode == config.OracleModeNATS {
		log.Fatal("FATAL: DICE_ORACLE_MODE=nats requires DICE_NATS_URL")
	}

	// --- Oracle gateway ---
	keyHashes, _ := cfg.KeyHashes()
	var (
		gateway   oracle.Gateway
		natsOrcl  *oracle.NATSGateway
		simulator *oracle.Simulator
	)
	switch cfg.OracleMode {
	case config.OracleModeNATS:
		natsOrcl = oracle.NewNATSGateway(nc, js, keyHashes, logger)
		if err := natsOrcl.RefreshKeys(ctx); err != nil {
			log.Printf("WARN: initial oracle key refresh failed: %v", err)
		}
		gateway = natsOrcl
	default:
		simulator, err = newSimulator(cfg.SimulatorPrivateKey, keyHashes)
		if err != nil {
			log.Fatalf("FATAL: oracle simulator: %v", err)
		}
		gateway = simulator
		log.Printf("INFO: simulated oracle signing as %s", simulator.Address().Hex())
	}

	// --- Channels ---
	// Persist channel blocks (backpressure), projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Settlement engine ---
	engine, err := core.NewSettlementEngine(core.Options{
		Address:        cfg.Engine(),
		Ledger:         ledger.NewTokenLedger(cfg.TokenSymbol),
		Oracle:         gateway,
		FaucetEnabled:  cfg.FaucetEnabled,
		DedupCapacity:  cfg.DedupCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		OracleTimeout:  cfg.OracleTimeout,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "core").Logger(),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(1)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			log.Fatalf("FATAL: restore snapshot: %v", err)
		}
		startSequence = snap.Sequence + 1
		log.Printf("INFO: restored snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 1")
	}

	engine.SetReplaying(true)
	replayCount, err := persistence.Replay(ctx, snapMgr, engine, startSequence, metrics)
	engine.SetReplaying(false)
	if err != nil {
		log.Fatalf("FATAL: command replay failed: %v", err)
	}
	head := engine.GetSequence() - 1
	log.Printf("INFO: replayed %d commands (head sequence %d)", replayCount, head)

	if expected := cfg.Oracle(); expected != (common.Address{}) {
		if got := engine.Config().Oracle; engine.Config().Initialized && got != expected {
			log.Printf("WARN: engine oracle %s differs from DICE_ORACLE_ADDRESS %s", got.Hex(), expected.Hex())
		}
	}

	// --- Projections catch up with the log ---
	if wm, err := projection.Watermark(ctx, db); err != nil {
		log.Fatalf("FATAL: read projection watermark: %v", err)
	} else if wm != head {
		log.Printf("INFO: projections at %d, log at %d; rebuilding", wm, head)
		if err := projection.Rebuild(ctx, db, engine.CreateSnapshotState().Engine.Bets, head); err != nil {
			log.Fatalf("FATAL: rebuild projections: %v", err)
		}
	}

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	persistWorker.SetLastPersisted(head)
	if js != nil {
		persistWorker.ForwardFlushed(publishChan)
	}
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)

	dispatcher := core.NewDispatcher(engine, cfg.DispatchQueueSize, metrics)
	commands := ingestion.NewCommandService(dispatcher)

	// --- gRPC + HTTP API ---
	apiServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		Commands:      commands,
		History:       query.NewQueryService(db),
		SnapshotMgr:   snapMgr,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// The persistence worker outlives the dispatcher: it drains the
	// channel after the last command and only then returns.
	persistDone := make(chan error, 1)
	go func() {
		persistDone <- persistWorker.Run(context.Background())
	}()

	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()
	projDone := make(chan error, 1)
	go func() {
		projDone <- projWorker.Run(drainCtx)
	}()

	var publisher *ingestion.RecordPublisher
	pubDone := make(chan error, 1)
	if js != nil {
		publisher = ingestion.NewRecordPublisher(js, publishChan, metrics, logger)
		go func() {
			pubDone <- publisher.Run(drainCtx)
		}()
	} else {
		pubDone <- nil
	}

	// --- Goroutine inventory ---
	g, gctx := errgroup.WithContext(ctx)

	// 1. Dispatcher: the only caller of ProcessEvent.
	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// 2. Leader lease renewal
	if lease != nil {
		g.Go(func() error {
			return lease.Keep(gctx)
		})
	}

	// 3. NATS fulfillment consumer
	var subscriber *ingestion.FulfillmentSubscriber
	if js != nil {
		subscriber = ingestion.NewFulfillmentSubscriber(js, dispatcher, metrics, logger)
		if err := subscriber.Subscribe(gctx); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}
	}

	// 4. Oracle key refresh / simulator auto-fulfill
	if natsOrcl != nil {
		g.Go(func() error {
			natsOrcl.RunKeyRefresh(gctx, cfg.OracleKeyRefresh)
			return nil
		})
	}
	if simulator != nil && cfg.SimulatorAutoFulfill > 0 {
		autoFulfill(gctx, simulator, dispatcher, cfg.SimulatorAutoFulfill, logger)
		log.Printf("INFO: simulator auto-fulfills after %s", cfg.SimulatorAutoFulfill)
	}

	// 5. gRPC server
	g.Go(func() error {
		return apiServer.StartGRPC(gctx)
	})

	// 6. HTTP/JSON API
	g.Go(func() error {
		return apiServer.StartHTTP(gctx)
	})

	// 7. Periodic snapshots
	g.Go(func() error {
		runPeriodicSnapshots(gctx, engine, snapMgr, persistWorker, cfg.SnapshotInterval, cfg.SnapshotCheckInterval, metrics)
		return nil
	})

	// 8. Prometheus metrics server
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr)
	})

	healthChecker.SetReady(true)
	apiServer.SetServing(true)

	log.Printf("INFO: DiceLedger ready (sequence=%d, grpc=%s, http=%s, metrics=%s)",
		engine.GetSequence(), cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown ---
	if err := g.Wait(); err != nil {
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	} else {
		log.Println("INFO: shutting down...")
	}
	healthChecker.SetReady(false)

	// --- Graceful shutdown ---
	// Dispatcher has stopped; drain persistence, then projections and
	// publishing, then take the final snapshot.
	if subscriber != nil {
		subscriber.Stop()
	}

	close(persistChan)
	if err := <-persistDone; err != nil {
		log.Printf("ERROR: persistence worker: %v", err)
	}
	close(projectionChan)
	close(publishChan)

	waitOrTimeout(projDone, 10*time.Second, "projection worker")
	waitOrTimeout(pubDone, 10*time.Second, "record publisher")
	drainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := takeSnapshot(shutdownCtx, engine, snapMgr, persistWorker, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: DiceLedger shutdown complete")
}

func newMigrator(db *sql.DB, dir string) *persistence.Migrator {
	if dir != "" {
		return persistence.NewMigrator(db, dir)
	}
	return persistence.NewMigratorFS(db, migrations.FS)
}

// newSimulator builds the dev oracle. Without configured key hashes it
// serves a single fixed key hash.
func newSimulator(privateKey string, keyHashes []common.Hash) (*oracle.Simulator, error) {
	var key *ecdsa.PrivateKey
	if privateKey != "" {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse simulator key: %w", err)
		}
		key = k
	}
	if len(keyHashes) == 0 {
		keyHashes = []common.Hash{crypto.Keccak256Hash([]byte("diceledger-simulator"))}
	}
	return oracle.NewSimulator(key, keyHashes)
}

// autoFulfill answers every accepted request after delay with random
// words, through the same parse path as NATS callbacks.
func autoFulfill(ctx context.Context, sim *oracle.Simulator, submitter ingestion.Submitter, delay time.Duration, logger zerolog.Logger) {
	sim.OnRequest(func(r oracle.Request) {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			msg, err := sim.FulfillRandom(r.CorrelationID)
			if err != nil {
				logger.Error().Err(err).Msg("simulator fulfill failed")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error().Err(err).Msg("simulator marshal failed")
				return
			}
			evt, err := ingestion.ParseFulfillment(data, time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("simulator message rejected")
				return
			}
			if _, err := submitter.Submit(ctx, evt); err != nil {
				logger.Warn().Err(err).Str("correlation_id", r.CorrelationID.Hex()).Msg("simulated fulfillment not applied")
			}
		}()
	})
}

// runPeriodicSnapshots snapshots every interval commands. A snapshot is
// saved only once the persistence worker has flushed up to its sequence,
// so recovery never starts from state the log does not contain.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.SettlementEngine,
	snapMgr *persistence.SnapshotManager,
	persistWorker *persistence.PersistenceWorker,
	interval int64,
	every time.Duration,
	metrics *observability.Metrics,
) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	lastSnapshotSeq := engine.GetSequence() - 1
	var pending *core.SnapshotState

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pending == nil {
				if engine.GetSequence()-1-lastSnapshotSeq < interval {
					continue
				}
				pending = engine.CreateSnapshotState()
			}
			if persistWorker.LastPersisted() < pending.Sequence {
				continue
			}
			if err := saveSnapshot(ctx, pending, snapMgr, metrics); err != nil {
				log.Printf("ERROR: periodic snapshot failed: %v", err)
				continue
			}
			log.Printf("INFO: snapshot taken at sequence %d", pending.Sequence)
			lastSnapshotSeq = pending.Sequence
			pending = nil
		}
	}
}

// takeSnapshot captures and saves the current state if it is durable.
func takeSnapshot(
	ctx context.Context,
	engine *core.SettlementEngine,
	snapMgr *persistence.SnapshotManager,
	persistWorker *persistence.PersistenceWorker,
	metrics *observability.Metrics,
) error {
	snap := engine.CreateSnapshotState()
	if snap.Sequence == 0 {
		return nil
	}
	if last := persistWorker.LastPersisted(); last < snap.Sequence {
		return fmt.Errorf("log persisted to %d, state at %d", last, snap.Sequence)
	}
	return saveSnapshot(ctx, snap, snapMgr, metrics)
}

func saveSnapshot(ctx context.Context, snap *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return err
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	log.Printf("INFO: Metrics server listening on %s/metrics", addr)
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func waitOrTimeout(done <-chan error, timeout time.Duration, name string) {
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: %s: %v", name, err)
		}
	case <-time.After(timeout):
		log.Printf("WARN: %s did not drain within %s", name, timeout)
	}
}
