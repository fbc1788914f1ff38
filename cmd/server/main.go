// Command server runs the paper-trading engine: the market-data
// pipeline (C1-C8) feeding live ticks to subscribed websocket clients,
// and the financial core (C9-C14) processing order placement against
// the ledger, position book, and liquidation sweep.
//
// Wiring and graceful shutdown are grounded on
// cmd/oms-server/main.go's signal-handling pattern, generalized from
// a single gRPC server's GracefulStop to this process's HTTP server
// plus the background broker/fill/liquidation loops it also owns.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/broker"
	"github.com/paperdesk/engine/internal/config"
	"github.com/paperdesk/engine/internal/eventstream"
	"github.com/paperdesk/engine/internal/execution"
	"github.com/paperdesk/engine/internal/fanout"
	"github.com/paperdesk/engine/internal/journal"
	"github.com/paperdesk/engine/internal/ledger"
	"github.com/paperdesk/engine/internal/liquidation"
	"github.com/paperdesk/engine/internal/marketdata"
	"github.com/paperdesk/engine/internal/position"
	"github.com/paperdesk/engine/internal/risksnapshot"
	"github.com/paperdesk/engine/internal/secrets"
	"github.com/paperdesk/engine/internal/snapshot"
	"github.com/paperdesk/engine/internal/storage"
	"github.com/paperdesk/engine/pkg/types"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	log := logger.WithField("component", "cmd_server")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	secretsResolver, err := secrets.New(secrets.Config{Address: cfg.VaultAddr, Token: cfg.VaultToken})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize secrets resolver")
	}
	jwtSecret, err := secretsResolver.JWTSigningKey(ctx)
	if err != nil && cfg.WSAuthRequired {
		log.WithError(err).Fatal("failed to resolve websocket JWT secret")
	}
	authSecret, err := secretsResolver.AuthSecret(ctx)
	if err != nil {
		log.WithError(err).Warn("auth secret unresolved, order placement requests will fail authentication")
	}

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	if err := storage.AutoMigrate(db); err != nil {
		log.WithError(err).Fatal("failed to migrate schema")
	}

	journalStore := storage.NewJournalStore(db)
	ledgerStore := storage.NewLedgerStore(db)
	walletStore := storage.NewWalletStore(db)
	positionStore := storage.NewPositionStore(db)
	instrumentStore := storage.NewInstrumentStore(db)
	orderStore := storage.NewOrderStore(db)
	tradeStore := storage.NewTradeStore(db)

	j := journal.New(journalStore, journalStore, log)
	walletCache := ledger.NewWalletCache(walletStore, log)
	ledgerBook := ledger.New(ledgerStore, walletCache, log)
	positionBook := position.New(positionStore, log)

	tickBus := marketdata.NewTickBus(log)
	registry := marketdata.NewSubscriptionRegistry()
	candles := marketdata.NewCandleEngine(log, []int{1, 5, 15})

	var publisher *eventstream.Publisher
	if cfg.NATSURL != "" {
		publisher, err = eventstream.New(eventstream.Config{URL: cfg.NATSURL, ClientID: "paperdesk-engine"}, log)
		if err != nil {
			log.WithError(err).Warn("failed to connect to NATS JetStream, audit events disabled")
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	execEngine := execution.New(execution.Config{PaperTradingMode: cfg.PaperTradingMode, DefaultLeverage: cfg.DefaultLeverage},
		log, instrumentStore, orderStore, tradeStore, tickBus, j, ledgerBook, walletCache, positionBook)
	if publisher != nil {
		execEngine = execEngine.WithAuditPublisher(eventstream.ExecutionAdapter{Publisher: publisher})
	}

	riskSource := risksnapshot.New(log, walletCache, positionBook, tickBus, instrumentStore, cfg.DefaultLeverage)
	liquidationEngine := liquidation.New(liquidation.Config{MaxSteps: cfg.LiquidationMaxSteps, Interval: cfg.LiquidationSweepInterval},
		log, riskSource, execEngine, walletCache, orderStore)
	if publisher != nil {
		liquidationEngine = liquidationEngine.WithEventPublisher(eventstream.LiquidationAdapter{Publisher: publisher})
	}

	brokerAdapter := broker.New(broker.Config{
		URL:            cfg.BrokerURL,
		PingInterval:   30 * time.Second,
		MessageTimeout: 60 * time.Second,
		AuthCooldown:   5 * time.Second,
	}, log)

	supervisor := marketdata.NewSupervisor(log, brokerAdapter, registry, func(tick types.NormalizedTick) {
		tickBus.EmitTick(tick)
		candles.HandleTick(tick)
	})

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url")
	}
	rdb := redis.NewClient(redisOpts)
	snapshotCache := snapshot.New(snapshot.DefaultConfig(), log, rdb, tickBus)

	fanoutServer := fanout.NewServer(fanout.Config{
		MaxSymbolsPerClient: cfg.WSMaxSymbolsPerClient,
		MaxBufferedBytes:    cfg.WSMaxBufferedBytes,
		MaxMessageSizeBytes: cfg.WSMaxMessageSizeBytes,
		AuthRequired:        cfg.WSAuthRequired,
		JWTSecret:           jwtSecret,
	}, log, registry)

	tickBus.Subscribe(func(tick types.NormalizedTick) { fanoutServer.BroadcastTick(tick) })
	candles.OnCandleUpdate(func(update types.CandleUpdate) { fanoutServer.BroadcastCandle(update) })

	if err := j.RecoverUncommitted(ctx); err != nil {
		log.WithError(err).Warn("journal recovery did not fully drain on startup")
	}

	if err := supervisor.Start(ctx); err != nil {
		log.WithError(err).Warn("market feed supervisor failed initial start, will retry on health tick")
	}
	defer supervisor.Stop()

	go runFillLoop(ctx, execEngine, log)
	go liquidationEngine.RunSweep(ctx)

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	h := &httpHandlers{exec: execEngine, snapshot: snapshotCache, authSecret: authSecret, log: log}
	api.HandleFunc("/orders", h.placeOrder).Methods(http.MethodPost)
	api.HandleFunc("/snapshot", h.getSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.PathPrefix("/api/v1/market/stream").Handler(fanoutServer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http server shutdown error")
		}
	}()

	log.WithField("port", cfg.HTTPPort).Info("paper-trading engine listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server error")
	}
	log.Info("server stopped")
}

// runFillLoop scans OPEN orders against the latest marks on a fixed
// tick, the way spec.md §5 describes the execution engine's fill path
// as a separate suspension point from order placement.
func runFillLoop(ctx context.Context, engine *execution.Engine, log *logrus.Entry) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.RunFillLoop(ctx); err != nil {
				log.WithError(err).Warn("fill loop pass failed")
			}
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
