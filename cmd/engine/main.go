package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/alerts"
	"github.com/alphaarena/engine/internal/arbiter"
	"github.com/alphaarena/engine/internal/confidence"
	"github.com/alphaarena/engine/internal/config"
	"github.com/alphaarena/engine/internal/decision"
	"github.com/alphaarena/engine/internal/engine"
	"github.com/alphaarena/engine/internal/exchange"
	"github.com/alphaarena/engine/internal/indicators"
	"github.com/alphaarena/engine/internal/journal"
	"github.com/alphaarena/engine/internal/market"
	"github.com/alphaarena/engine/internal/metrics"
	"github.com/alphaarena/engine/internal/monitor"
	"github.com/alphaarena/engine/internal/order"
	"github.com/alphaarena/engine/internal/position"
	"github.com/alphaarena/engine/internal/regime"
	"github.com/alphaarena/engine/internal/risk"
	"github.com/alphaarena/engine/internal/sentinel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := config.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	var redisCache *market.RedisCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, running without the second-level cache")
		} else {
			redisCache = market.NewRedisCache(client, cfg.Redis.TTL)
		}
	}

	mkt := market.NewService(gw, cfg.Market, redisCache)
	ind := indicators.NewService()
	classifier := regime.NewClassifier()

	registry, err := agents.LoadRegistry(cfg.Decision.AgentsDir)
	if err != nil {
		return err
	}

	var provider decision.Provider
	if cfg.Decision.Endpoint != "" {
		provider = decision.NewLLMProvider(cfg.Decision)
	} else {
		logger.Info().Msg("No completion endpoint configured, using the rule provider")
		provider = decision.NewRuleProvider()
	}
	pipeline := decision.NewPipeline(provider, cfg.Decision)

	norm := confidence.NewNormalizer()
	arb := arbiter.New(norm)

	store, err := position.NewStore(cfg.Engine.DataDir)
	if err != nil {
		return err
	}
	guard := position.NewGuard(cfg.Orders)

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return err
	}
	defer j.Close()

	orders := order.NewManager(cfg.Orders, gw, store, guard, j)
	riskEngine := risk.NewEngine(cfg.Risk)
	breakers := risk.NewBreakers(cfg.Risk)

	channels := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram)
		if err != nil {
			logger.Error().Err(err).Msg("Telegram alerter disabled")
		} else {
			channels = append(channels, tg)
		}
	}
	alertMgr := alerts.NewManager(channels...)
	orders.SetAlerts(alertMgr)

	eng, err := engine.New(cfg, engine.Deps{
		Gateway:    gw,
		Market:     mkt,
		Indicators: ind,
		Classifier: classifier,
		Registry:   registry,
		Pipeline:   pipeline,
		Arbiter:    arb,
		Normalizer: norm,
		Risk:       riskEngine,
		Breakers:   breakers,
		Store:      store,
		Orders:     orders,
		Journal:    j,
		Alerts:     alertMgr,
	})
	if err != nil {
		return err
	}

	mon := monitor.New(cfg.Monitor, gw, store, orders, j)
	sent := sentinel.New(cfg.Sentinel, gw, store, orders,
		bracketTargets(gw, mkt, ind, classifier), j)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return sent.Run(gctx) })
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info().
		Bool("dry_run", cfg.Exchange.DryRun).
		Strs("symbols", cfg.Engine.Symbols).
		Msg("AlphaArena engine running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildGateway returns the live venue gateway, or a paper gateway over
// live market data when dry-run is on.
func buildGateway(ctx context.Context, cfg *config.Config) (exchange.Gateway, error) {
	binance := exchange.NewBinanceGateway(cfg.Exchange, cfg.Risk.LatencyWindow)
	if !cfg.Exchange.DryRun {
		if err := binance.SyncTime(ctx); err != nil {
			return nil, err
		}
		return binance, nil
	}
	return exchange.NewPaperGateway(binance, 10000), nil
}

// bracketTargets recomputes a protective bracket from current market
// data, for positions whose original targets are unknown (adopted
// positions, records lost across restarts).
func bracketTargets(gw exchange.Gateway, mkt *market.Service, ind *indicators.Service, classifier *regime.Classifier) sentinel.TargetsFunc {
	return func(ctx context.Context, pos *position.Position) (float64, float64, error) {
		snap, err := mkt.Snapshot(ctx, pos.Symbol)
		if err != nil {
			return 0, 0, err
		}
		indSnap, err := ind.Compute(snap.Klines)
		if err != nil {
			return 0, 0, err
		}
		assessment := classifier.Classify(pos.Symbol, indSnap)

		tp := pos.EntryPrice + assessment.TPMultiple*indSnap.ATRFast
		sl := pos.EntryPrice - assessment.SLMultiple*indSnap.ATRFast
		if pos.Side == exchange.SideSell {
			tp = pos.EntryPrice - assessment.TPMultiple*indSnap.ATRFast
			sl = pos.EntryPrice + assessment.SLMultiple*indSnap.ATRFast
		}

		filters, err := gw.Filters(ctx, pos.Symbol)
		if err != nil {
			return 0, 0, err
		}
		return exchange.RoundTick(tp, filters.TickSize), exchange.RoundTick(sl, filters.TickSize), nil
	}
}
