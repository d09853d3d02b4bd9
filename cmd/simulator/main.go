package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/adapter/calendar"
	"github.com/quantfolio/quantfolio-backend/internal/adapter/pricefeed"
	"github.com/quantfolio/quantfolio-backend/internal/adapter/repository/memory"
	"github.com/quantfolio/quantfolio-backend/internal/adapter/repository/postgres"
	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/account"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/ledger"
	"github.com/quantfolio/quantfolio-backend/internal/usecase/scheduler"
)

const dateLayout = "2006-01-02"

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("simulator failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage: Postgres when configured, in-memory otherwise
	var store domain.StorageBackend
	if connStr := os.Getenv("DB_CONN_STR"); connStr != "" {
		pg, err := postgres.Open(connStr)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres storage")
	} else {
		store = memory.NewStore()
		logger.Info("using in-memory storage")
	}

	// 2. Metrics endpoint
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info("metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// 3. Market data and calendar
	cal := calendar.New()
	prices := pricefeed.NewStatic()

	from, to, err := simulationWindow()
	if err != nil {
		return err
	}

	// 4. Strategy tree
	root, err := buildDemoTree(ctx, store, prices, cal, from, logger)
	if err != nil {
		return fmt.Errorf("build tree: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Root:     root,
		Prices:   prices,
		Calendar: cal,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// 5. Run the cycle range, stopping cleanly on SIGTERM/SIGINT
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigChan
		logger.Info("received signal, stopping", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := sched.Run(ctx, from, to); err != nil {
		return err
	}

	logger.Info("simulation complete", zap.Time("from", from), zap.Time("to", to))
	logNAV(logger, root, to)
	return nil
}

func logNAV(logger *zap.Logger, node *account.Strategy, date time.Time) {
	if nav, ok := node.NAV(date); ok {
		logger.Info("final nav",
			zap.String("strategy", node.Instrument().Symbol), zap.Float64("nav", nav))
	}
	for _, child := range node.Children() {
		logNAV(logger, child, date)
	}
}

func simulationWindow() (time.Time, time.Time, error) {
	from := domain.Day(time.Now().AddDate(0, -1, 0))
	to := domain.Day(time.Now())
	if v := os.Getenv("SIM_START"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse SIM_START: %w", err)
		}
		from = parsed
	}
	if v := os.Getenv("SIM_END"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse SIM_END: %w", err)
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("SIM_END %s precedes SIM_START %s", to, from)
	}
	return from, to, nil
}

// buildDemoTree assembles a two-level demo: the root allocates 60/40
// into an equity child and a cash child, the equity child holds one
// security at full weight. A flat price path is seeded for the window.
func buildDemoTree(ctx context.Context, store domain.StorageBackend, prices *pricefeed.Static,
	cal domain.Calendar, start time.Time, logger *zap.Logger) (*account.Strategy, error) {

	rootInst := &domain.Instrument{ID: 1, Symbol: "DEMO-ROOT", Currency: "USD",
		Class: domain.ClassStrategy, Funding: domain.FundingTotalReturn}
	cashLong := &domain.Instrument{ID: 2, Symbol: "USD-CASH", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	cashShort := &domain.Instrument{ID: 3, Symbol: "USD-DEBT", Currency: "USD",
		Class: domain.ClassCash, Funding: domain.FundingNA}
	security := &domain.Instrument{ID: 10, Symbol: "DEMO-EQ", Currency: "USD",
		Class: domain.ClassSecurity, Funding: domain.FundingTotalReturn}
	equityInst := &domain.Instrument{ID: 20, Symbol: "DEMO-EQUITY", Currency: "USD",
		Class: domain.ClassStrategy, Funding: domain.FundingTotalReturn}
	reserveInst := &domain.Instrument{ID: 21, Symbol: "DEMO-RESERVE", Currency: "USD",
		Class: domain.ClassStrategy, Funding: domain.FundingTotalReturn}

	newBook := func(id int64) (*ledger.Portfolio, error) {
		b, err := ledger.NewPortfolio(ledger.Config{
			ID:       id,
			Currency: "USD",
			Prices:   prices,
			Calendar: cal,
			Store:    store,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		b.SetReserves("USD", cashLong, cashShort)
		return b, nil
	}

	rootBook, err := newBook(rootInst.ID)
	if err != nil {
		return nil, err
	}
	equityBook, err := newBook(equityInst.ID)
	if err != nil {
		return nil, err
	}
	reserveBook, err := newBook(reserveInst.ID)
	if err != nil {
		return nil, err
	}
	equityBook.RegisterInstrument(security)

	root, err := account.NewStrategy(account.Config{
		Instrument: rootInst,
		Book:       rootBook,
		Logic: account.ConstantWeightLogic{Weights: map[int64]float64{
			equityInst.ID:  0.6,
			reserveInst.ID: 0.4,
		}},
		InitialDate: start,
		Prices:      prices,
		Calendar:    cal,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	equityChild, err := account.NewStrategy(account.Config{
		Instrument:  equityInst,
		Book:        equityBook,
		Logic:       account.ConstantWeightLogic{Weights: map[int64]float64{security.ID: 1.0}},
		InitialDate: start,
		Prices:      prices,
		Calendar:    cal,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	reserveChild, err := account.NewStrategy(account.Config{
		Instrument:  reserveInst,
		Book:        reserveBook,
		InitialDate: start,
		Prices:      prices,
		Calendar:    cal,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	if err := root.AddSubStrategy(equityChild); err != nil {
		return nil, err
	}
	if err := root.AddSubStrategy(reserveChild); err != nil {
		return nil, err
	}
	root.AddInstrument(start, equityInst)
	root.AddInstrument(start, reserveInst)
	equityChild.AddInstrument(start, security)
	if err := root.Initialize(ctx); err != nil {
		return nil, err
	}

	// Seed a flat demo price path so every cycle can mark and book.
	for day := domain.Day(start); !day.After(domain.Day(start).AddDate(0, 2, 0)); day = day.AddDate(0, 0, 1) {
		prices.SetValue(security.ID, day, domain.SeriesMid, 100)
		prices.SetValue(security.ID, day, domain.SeriesLast, 100)
	}

	if err := root.UpdateAUM(ctx, start, 1_000_000, true); err != nil {
		return nil, err
	}
	if nav := root.NextAUM(start); math.IsNaN(nav) {
		return nil, fmt.Errorf("root aum not seeded")
	}
	return root, nil
}
