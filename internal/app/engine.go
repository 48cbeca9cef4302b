package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"nexus-core/internal/accounts"
	"nexus-core/internal/ai"
	"nexus-core/internal/api"
	"nexus-core/internal/balance"
	"nexus-core/internal/burner"
	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/internal/firewall"
	"nexus-core/internal/healthsvc"
	"nexus-core/internal/jobs"
	"nexus-core/internal/monitor"
	"nexus-core/internal/nodeid"
	"nexus-core/internal/notify"
	"nexus-core/internal/persistence"
	"nexus-core/internal/portfolio"
	"nexus-core/internal/retry"
	"nexus-core/internal/swap"
	"nexus-core/internal/vault"
	"nexus-core/internal/worker"
	"nexus-core/pkg/config"
	"nexus-core/pkg/crypto"
	"nexus-core/pkg/db"
	"nexus-core/pkg/i18n"
	"nexus-core/pkg/jupiter"
	"nexus-core/pkg/solana"
)

const shutdownTimeout = 15 * time.Second

func (s *runtimeState) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine: workers, balance watcher, API and health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.config()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg)
		},
	}
}

// openStore opens the database and brings its schema up to date.
func openStore(path string) (*db.Database, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeConfig, fmt.Sprintf(i18n.M().DBInitFailed, path), err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, agenterr.Wrap(agenterr.CodeInternal, "apply migrations", err)
	}
	return database, nil
}

func openVault(cfg *config.Config, database *db.Database) (*vault.Vault, error) {
	keys, err := crypto.NewKeyManager(cfg.Vault.Keys, cfg.Vault.Version)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeConfig, "vault key", err)
	}
	return vault.New(database, keys), nil
}

// acquireLock keeps a second engine off the same data directory.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeInternal, "acquire engine lock", err)
	}
	if !locked {
		return nil, agenterr.Newf(agenterr.CodeConfig, i18n.M().LockHeld, path)
	}
	return lock, nil
}

// runEngine wires every component and blocks until ctx ends or the firewall
// trips. Claimed jobs finish before it returns.
func runEngine(parent context.Context, cfg *config.Config) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.M().Starting)
	log.Printf(i18n.M().ConfigLoaded, cfg.Port)

	lock, err := acquireLock(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	log.Printf(i18n.M().UsingDBPath, cfg.DBPath)
	database, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	keyVault, err := openVault(cfg, database)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Core services
	bus := events.NewBus()
	fw := firewall.New(cfg.Firewall, bus)
	var tripped atomic.Int32
	fw.SetExitFunc(func(code int) {
		tripped.Store(int32(code))
		cancel()
	})

	chain := solana.NewClient(cfg.Chain)
	subscriber := solana.NewSubscriber(cfg.Chain)
	venue := jupiter.New(cfg.Venue)
	policy := retry.FromConfig(cfg.Retry)
	notifier := notify.New(cfg.Notify)

	// Execution
	executor := swap.NewExecutor(venue, chain, keyVault, fw, policy)
	fees := burner.New(executor, cfg.Fuel, bus)
	queue := jobs.NewQueue(database, cfg.Queue, bus)

	// Balances
	refresher := balance.NewRefresher(chain, database, cfg.Chain.TierMint, policy.Named("balance"), bus)
	autoTrader := balance.NewAutoTrader(queue, cfg.AutoTrade)
	sellSOL := solana.LamportsToSOL(cfg.AutoTrade.SellLamports).String()
	watcher := balance.NewWatcher(subscriber, chain, refresher, cfg.Chain.TierMint, fw, func(ctx context.Context, acct *db.Account) {
		if autoTrader.OnUpdate(ctx, acct) {
			notifier.Notify(ctx, acct.Handle, fmt.Sprintf(i18n.M().AutoTradeQueued, sellSOL))
		}
	})
	accountSvc := accounts.NewService(database, keyVault, watcher)

	// Portfolio
	snapshots := persistence.NewBatchWriter(database.DB, 50, 2*time.Second)
	prices := portfolio.NewPriceCache(cfg.Prices.TTL)
	valuator := portfolio.NewValuator(refresher, chain, prices, snapshots, database,
		portfolio.NewBinance(cfg.Prices), portfolio.NewCoinGecko(cfg.Prices))

	// Workers
	trades := worker.NewTradeHandler(worker.TradeDeps{
		Accounts:  database,
		Swaps:     executor,
		Holdings:  chain,
		Fees:      fees,
		Refresher: refresher,
		Notifier:  notifier,
		Breaker:   fw,
	}, cfg.Fuel, cfg.Chain.QuoteMint)
	answers := worker.NewAIHandler(ai.NewOllama(cfg.AI), notifier, fw)

	pool := jobs.NewPool(queue, cfg.Queue, fw, bus, nodeid.WorkerID())
	pool.Register(jobs.TypeTrade, trades, cfg.Queue.TradeWorkers)
	if cfg.Queue.AIWorkers > 0 {
		pool.Register(jobs.TypeAI, answers, cfg.Queue.AIWorkers)
	}

	// Observability
	metrics := monitor.NewMetrics()
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Sinks: monitor.Sinks(cfg.AlertWebhookURL)}
	mon.Start(ctx)
	metrics.SetHP(fw.Snapshot().HP)

	healthSrv := healthsvc.New(fw.IsAlive())
	healthSrv.Follow(ctx, bus)
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return agenterr.Wrap(agenterr.CodeConfig, "listen for gRPC health", err)
		}
		log.Printf(i18n.M().HealthListening, lis.Addr())
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				log.Printf("❌ [health] %v", err)
			}
		}()
	}

	// Startup: recover interrupted work, then start consuming.
	recovered, err := queue.Recover(ctx)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeInternal, "recover jobs", err)
	}
	log.Printf(i18n.M().JobsRecovered, recovered)

	fw.Start(ctx)
	log.Printf(i18n.M().FirewallStarted, fw.StatusBar())

	subscriber.Start(ctx)
	watched, err := watcher.Start(ctx, database)
	if err != nil {
		return agenterr.Wrap(agenterr.CodeInternal, "start balance watcher", err)
	}
	log.Printf(i18n.M().WatcherStarted, watched)
	balance.NewResync(watcher, database, cfg.Chain.ResyncInterval).Start(ctx)
	go sweepPrices(ctx, prices, cfg.Prices.TTL)

	pool.Start(ctx)
	log.Printf(i18n.M().WorkersStarted, cfg.Queue.TradeWorkers, cfg.Queue.AIWorkers)
	go func() {
		for r := range pool.Results() {
			if !r.Success {
				log.Printf("❌ [pool] %s job %s attempt %d failed (dead=%v): %s", r.Type, r.JobID, r.Attempt, r.Dead, r.ErrorMsg)
			}
		}
	}()

	// API
	apiServer := api.NewServer(api.Deps{
		Bus:       bus,
		Accounts:  accountSvc,
		Queue:     queue,
		Breaker:   fw,
		Balances:  refresher,
		Portfolio: valuator,
		Metrics:   metrics,
	}, api.Options{
		JWTSecret:         cfg.JWTSecret,
		OperatorTokenHash: cfg.OperatorTokenHash,
		Version:           Version,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(i18n.M().ServerListening, cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf(i18n.M().APIServerError, err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println(i18n.M().ShuttingDown)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	apiServer.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ [api] shutdown: %v", err)
	}
	healthSrv.Stop()
	pool.Wait()
	subscriber.Wait()
	mon.Wait()
	if err := snapshots.Close(); err != nil {
		log.Printf("⚠️ [snapshots] final flush: %v", err)
	}

	if code := tripped.Load(); code != 0 {
		return agenterr.New(agenterr.Code(code), "firewall tripped, engine stopped to protect keys")
	}
	return nil
}

// sweepPrices evicts stale quotes so the cache stays bounded by live mints.
func sweepPrices(ctx context.Context, cache *portfolio.PriceCache, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.Cleanup()
		}
	}
}
