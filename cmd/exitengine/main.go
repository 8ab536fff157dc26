package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"exitengine/config"
	"exitengine/internal/api"
	"exitengine/internal/audit"
	"exitengine/internal/breaker"
	"exitengine/internal/engine"
	"exitengine/internal/execution"
	"exitengine/internal/ledger"
	"exitengine/internal/logger"
	"exitengine/internal/markethours"
	"exitengine/internal/metrics"
	"exitengine/internal/model"
	"exitengine/internal/notification"
	"exitengine/internal/reconcile"
	"exitengine/internal/risk"
	pebblestore "exitengine/internal/store/pebble"
	redisstore "exitengine/internal/store/redis"
	sqlitestore "exitengine/internal/store/sqlite"
	"exitengine/pkg/brokerapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logger.Init("exitengine", logger.ParseLevel(cfg.LogLevel), cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("exitengine stopped", zap.Error(err))
	}
	log.Info("exitengine stopped cleanly")
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	var cleanup closers
	defer func() {
		cancel()
		cleanup.run()
	}()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- Instruments & holidays ----
	instruments, holidays, err := cfg.LoadInstruments()
	if err != nil {
		return err
	}
	if err := markethours.AddHolidays(holidays...); err != nil {
		return fmt.Errorf("holidays: %w", err)
	}

	// ---- Audit bus ----
	bus := audit.NewBus(1024, 256, log)
	bus.OnDrop = m.AuditDrop
	mem := audit.NewMemory(2000)
	bus.Attach("memory", mem)
	hub := api.NewHub(4096, log)
	bus.Attach("ws", hub)
	if cfg.AuditJSONL != "" {
		jl, err := audit.NewJSONLRecorder(cfg.AuditJSONL)
		if err != nil {
			return err
		}
		cleanup.add(func() { jl.Close() })
		bus.Attach("jsonl", jl)
	}
	bus.Attach("alerts", notification.AuditSink{N: notifiers(cfg, log)})

	// ---- Position store ----
	store, auditQuery, err := openStore(ctx, cfg, bus, m, health, log, &cleanup)
	if err != nil {
		return err
	}
	if auditQuery == nil {
		auditQuery = api.MemoryAudit(mem)
	}

	// ---- Broker & dispatcher ----
	broker, err := openBroker(ctx, cfg, health, log)
	if err != nil {
		return err
	}
	journal, err := execution.NewJournal(cfg.JournalPath, log)
	if err != nil {
		return err
	}
	cleanup.add(func() { journal.Close() })
	health.RegisterCheck("journal", journal.Ping)

	brokerCB := breaker.New("broker", cfg.BreakerMaxFailures, cfg.BreakerReset)
	m.WatchBreaker(brokerCB)
	disp := execution.NewDispatcher(broker, journal, brokerCB, cfg.RetryPolicy(), log)
	disp.OnResult = m.DispatchResult
	disp.OnRetry = m.DispatchRetry
	if err := disp.Warm(ctx); err != nil {
		return fmt.Errorf("warm dispatcher: %w", err)
	}

	// ---- Ledger & engine ----
	l := ledger.New(log)
	guard := risk.NewGuard(cfg.RiskLimits(), l, log)
	eng := engine.New(engine.Config{Planner: cfg.Planner(), Instruments: instruments, JobTimeout: cfg.JobTimeout}, engine.Deps{
		Ledger:     l,
		Dispatcher: disp,
		Store:      store,
		Guard:      guard,
		Audit:      bus,
		Metrics:    m,
		Health:     health,
	}, log)
	n, err := eng.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info("ledger restored", zap.Int("positions", n))

	// Sinks are attached; start fan-out. Stopped after the engine closes.
	busCtx, stopBus := context.WithCancel(context.Background())
	go bus.Run(busCtx)
	cleanup.add(func() {
		stopBus()
		bus.Wait()
	})
	cleanup.add(eng.Close)

	// ---- Reconciliation ----
	rec := reconcile.New(reconcile.Config{
		Interval:    cfg.ReconcileInterval,
		SessionOnly: cfg.ReconcileSessionOnly,
	}, reconcile.Deps{
		Engine:     eng,
		Ledger:     l,
		Broker:     broker,
		Dispatcher: disp,
		Store:      store,
		Audit:      bus,
		Metrics:    m,
		Health:     health,
	}, log)
	go rec.Run(ctx)

	// ---- Market session ----
	go markethours.Watch(ctx, 30*time.Second, time.Now, func(open bool) {
		health.SetMarketOpen(open)
		if open {
			m.MarketState.Set(1)
			m.SessionTransitions.WithLabelValues("open").Inc()
		} else {
			m.MarketState.Set(0)
			m.SessionTransitions.WithLabelValues("close").Inc()
		}
		log.Info("market session", zap.String("status", markethours.StatusString(time.Now())))
	})

	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for i, s := range bus.ChannelStats() {
					m.ObserveChannel(fmt.Sprintf("audit_%d", i), s.Len, s.Cap)
				}
			}
		}
	}()
	health.StartLivenessChecker(ctx, 10*time.Second)

	// ---- HTTP ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)
	metricsSrv.Start()
	apiSrv := api.NewServer(api.Config{Addr: cfg.APIAddr, AllowedOrigins: cfg.AllowedOrigins}, api.Deps{
		Engine:     eng,
		Positions:  l,
		Intents:    journal,
		Audit:      auditQuery,
		Reconciler: rec,
		Hub:        hub,
		Health:     health,
	}, log)
	apiSrv.Start()
	cleanup.add(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		apiSrv.Stop(sctx)
		metricsSrv.Stop(sctx)
	})

	// ---- Redis signal stream ----
	errCh := make(chan error, 1)
	if cfg.SignalStream != "" {
		rs, ok := store.(interface {
			NewSignalReader(redisstore.ReaderConfig) *redisstore.SignalReader
		})
		if !ok {
			rdb, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: cfg.RedisPrefix}, log)
			if err != nil {
				return fmt.Errorf("signal stream: %w", err)
			}
			cleanup.add(func() { rdb.Close() })
			rs = rdb
		}
		reader := rs.NewSignalReader(redisstore.ReaderConfig{
			Stream:        cfg.SignalStream,
			ConsumerGroup: cfg.SignalGroup,
			ConsumerName:  cfg.SignalConsumer,
		})
		if err := reader.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("signal stream: %w", err)
		}
		go func() {
			err := reader.Consume(ctx, func(ctx context.Context, sig model.TradeSignal) error {
				_, err := eng.Process(ctx, sig)
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("signal stream: %w", err)
			}
		}()
	}

	log.Info("exitengine running",
		zap.String("api", cfg.APIAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("broker", cfg.BrokerMode),
		zap.String("market", markethours.StatusString(time.Now())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", s.String()))
		return nil
	case err := <-errCh:
		return err
	}
}

func openStore(ctx context.Context, cfg *config.Config, bus *audit.Bus, m *metrics.Metrics, health *metrics.HealthStatus, log *zap.Logger, cleanup *closers) (model.PositionStore, api.AuditQuery, error) {
	switch cfg.StoreBackend {
	case "redis":
		rdb, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: cfg.RedisPrefix}, log)
		if err != nil {
			return nil, nil, err
		}
		cb := breaker.New("redis", 5, 10*time.Second)
		m.WatchBreaker(cb)
		buffered := redisstore.NewBufferedStore(ctx, rdb, cb, 10000)
		cleanup.add(func() { buffered.Close() })
		health.RegisterCheck("redis", buffered.Ping)
		bus.Attach("redis", buffered)
		return &redisStream{BufferedStore: buffered}, nil, nil

	case "pebble":
		ps, err := pebblestore.Open(cfg.PebblePath, log)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { ps.Close() })
		bus.Attach("pebble", ps)
		return ps, func(_ context.Context, symbol string, limit int) ([]audit.Event, error) {
			return ps.RecentAudit(symbol, limit)
		}, nil

	default:
		ss, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, log)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { ss.Close() })
		health.RegisterCheck("sqlite", ss.Ping)
		bus.Attach("sqlite", ss)
		return ss, ss.AuditEvents, nil
	}
}

// redisStream exposes the buffered store's client for the signal reader.
type redisStream struct {
	*redisstore.BufferedStore
}

func (r *redisStream) NewSignalReader(cfg redisstore.ReaderConfig) *redisstore.SignalReader {
	return r.Underlying().NewSignalReader(cfg)
}

func openBroker(ctx context.Context, cfg *config.Config, health *metrics.HealthStatus, log *zap.Logger) (model.Broker, error) {
	if cfg.BrokerMode != "rest" {
		log.Warn("paper broker in use, no orders leave this process")
		return execution.NewPaperBroker(cfg.PaperSlippageBps, log), nil
	}
	c := brokerapi.New(brokerapi.Config{
		BaseURL:    cfg.BrokerURL,
		APIKey:     cfg.BrokerAPIKey,
		Username:   cfg.BrokerUsername,
		Password:   cfg.BrokerPassword,
		TOTPSecret: cfg.BrokerTOTPSecret,
		Timeout:    cfg.BrokerTimeout,
		Debug:      cfg.LogLevel == "debug",
	}, log)
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.Login(lctx); err != nil {
		return nil, err
	}
	health.RegisterCheck("broker", func(ctx context.Context) error {
		_, err := c.OpenPositions(ctx)
		return err
	})
	return c, nil
}

func notifiers(cfg *config.Config, log *zap.Logger) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log))
	}
	if cfg.AlertWebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.AlertWebhookURL, log))
	}
	return n
}
