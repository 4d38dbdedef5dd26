// Command backtest runs the deterministic multi-analyst trading decision
// engine over a historical price series and prints the one-line-per-day
// iteration log followed by a run summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/allocator"
	"github.com/atlas-desktop/trading-engine/internal/analysts"
	"github.com/atlas-desktop/trading-engine/internal/auditor"
	"github.com/atlas-desktop/trading-engine/internal/backtestdriver"
	"github.com/atlas-desktop/trading-engine/internal/executor"
	"github.com/atlas-desktop/trading-engine/internal/graph"
	"github.com/atlas-desktop/trading-engine/internal/portfoliomgr"
	"github.com/atlas-desktop/trading-engine/internal/pricecache"
	"github.com/atlas-desktop/trading-engine/internal/regime"
	"github.com/atlas-desktop/trading-engine/internal/riskbudget"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dateLayout = "2006-01-02"

func main() {
	tickers := flag.String("tickers", "", "comma-separated ticker universe, e.g. AAPL,MSFT")
	sectors := flag.String("sectors", "", "comma-separated ticker=sector pairs, e.g. AAPL=tech,XOM=energy")
	dataDir := flag.String("data-dir", "./data", "directory containing <ticker>.csv price files")
	start := flag.String("start-date", "", "first business day, YYYY-MM-DD")
	end := flag.String("end-date", "", "last business day, YYYY-MM-DD")
	initialCapital := flag.String("initial-capital", "100000", "starting cash")
	marginRequirement := flag.String("margin-requirement", "0.5", "fraction of short notional held as margin")
	riskMaxShares := flag.Int64("risk-max-shares", 10000, "upstream share ceiling before risk-budget sizing narrows it")
	commission := flag.String("commission-per-share", "0.005", "flat per-share commission")
	slippageBps := flag.String("slippage-bps", "5", "slippage in basis points of notional")
	spreadBps := flag.String("spread-bps", "2", "bid/ask spread cost in basis points of notional")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if v, _ := strconv.ParseBool(os.Getenv("DETERMINISTIC_MODE")); v {
		logger.Info("running in deterministic mode")
	}

	if *tickers == "" || *start == "" || *end == "" {
		logger.Fatal("missing required flags", zap.String("usage", "--tickers=A,B --start-date=YYYY-MM-DD --end-date=YYYY-MM-DD"))
	}

	tickerList := strings.Split(*tickers, ",")
	for i := range tickerList {
		tickerList[i] = strings.TrimSpace(tickerList[i])
	}

	startDate, err := time.Parse(dateLayout, *start)
	if err != nil {
		logger.Fatal("bad start-date", zap.Error(err))
	}
	endDate, err := time.Parse(dateLayout, *end)
	if err != nil {
		logger.Fatal("bad end-date", zap.Error(err))
	}

	cap, err := decimal.NewFromString(*initialCapital)
	if err != nil {
		logger.Fatal("bad initial-capital", zap.Error(err))
	}
	margin, err := decimal.NewFromString(*marginRequirement)
	if err != nil {
		logger.Fatal("bad margin-requirement", zap.Error(err))
	}
	commissionD, err := decimal.NewFromString(*commission)
	if err != nil {
		logger.Fatal("bad commission-per-share", zap.Error(err))
	}
	slippageD, err := decimal.NewFromString(*slippageBps)
	if err != nil {
		logger.Fatal("bad slippage-bps", zap.Error(err))
	}
	spreadD, err := decimal.NewFromString(*spreadBps)
	if err != nil {
		logger.Fatal("bad spread-bps", zap.Error(err))
	}

	sectorOf := parseSectors(*sectors)

	cache := pricecache.New(logger, *dataDir)

	agents := []graph.Agent{
		analysts.NewValueComposite(logger, cache),
		analysts.NewGrowthComposite(logger, cache),
		analysts.NewValuation(logger, cache),
		analysts.NewMomentum(logger, cache),
		analysts.NewMeanReversion(logger, cache),
		regime.NewClassifier(cache),
		auditor.New(cache),
	}

	pm := portfoliomgr.New()
	rb := riskbudget.New(cache)
	alloc := allocator.New(cache, sectorOf)
	agents = append(agents, pm, rb)

	cfg := backtestdriver.Config{
		Tickers:           tickerList,
		Start:             startDate,
		End:               endDate,
		InitialCapital:    cap,
		MarginRequirement: margin,
		SectorOf:          sectorOf,
		RiskMaxShares:     *riskMaxShares,
		Costs: executor.Costs{
			CommissionPerShare: commissionD,
			SlippageBps:        slippageD,
			SpreadBps:          spreadD,
		},
	}

	driver, err := backtestdriver.New(logger, cfg, cache, agents, pm, rb, alloc, os.Stderr)
	if err != nil {
		logger.Fatal("failed to build backtest driver", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("shutdown signal received, cancelling run")
		cancel()
	}()
	defer signal.Stop(sigCh)

	summary, runErr := driver.Run(ctx)
	cancel()

	printSummary(summary)

	if runErr != nil {
		logger.Error("backtest run ended with error", zap.Error(runErr), zap.String("state", summary.State.String()))
		os.Exit(exitCodeFor(summary.State))
	}
	os.Exit(exitCodeFor(summary.State))
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func parseSectors(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

func printSummary(s backtestdriver.Summary) {
	fmt.Printf("\n--- backtest summary ---\n")
	fmt.Printf("state:          %s\n", s.State)
	fmt.Printf("days processed: %d\n", s.Days)
	fmt.Printf("final value:    $%s\n", s.FinalValue.StringFixed(2))
	fmt.Printf("total return:   %.2f%%\n", s.TotalReturnPct)
	fmt.Printf("max drawdown:   %.2f%%\n", s.MaxDrawdownPct)
	fmt.Printf("sharpe ratio:   %.3f\n", s.SharpeRatio)
	fmt.Printf("win rate:       %.2f%%\n", s.WinRatePct)
	fmt.Printf("output hash:    %s\n", s.OutputHash)
}

func exitCodeFor(s backtestdriver.State) int {
	switch s {
	case backtestdriver.StateComplete:
		return 0
	case backtestdriver.StateLiquidated:
		return 0
	case backtestdriver.StateEngineFailed:
		return 1
	default:
		return 1
	}
}
