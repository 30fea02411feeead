// Command backtest replays one date range from the command line and prints a
// portfolio summary, the trade table and the analyst scorecard.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/analyst"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/config"
	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "configuration:", err)
		return 2
	}

	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		tickers     = fs.String("tickers", "", "comma-separated instruments, e.g. AAPL,MSFT")
		analysts    = fs.String("analysts", analyst.TechnicalID, "comma-separated analyst ids")
		startFlag   = fs.String("start", "", "start date YYYY-MM-DD (default: three months before end)")
		endFlag     = fs.String("end", "", "end date YYYY-MM-DD (default: yesterday)")
		cash        = fs.String("cash", backtest.DefaultInitialCash.String(), "initial cash")
		margin      = fs.String("margin", backtest.DefaultMarginRequirement.String(), "margin requirement for shorts, 0-1")
		maxPosition = fs.String("max-position", "0.10", "max position as a fraction of portfolio value")
		stopLoss    = fs.String("stop-loss", "0.15", "stop loss fraction, 0 disables")
		dominance   = fs.String("dominance", "1", "score dominance factor K")
		floor       = fs.String("confidence-floor", "0", "ignore consensus when every confidence is below this")
		tieBreak    = fs.String("tie-break", string(aggregator.TieHold), "hold or count")
		noShorts    = fs.Bool("no-shorts", false, "disable short selling")
		riskIDs     = fs.String("risk-analysts", aggregator.DefaultRiskAnalyst, "comma-separated analysts with veto power")
		riskVeto    = fs.String("risk-veto", string(aggregator.VetoCap), "cap, block or ignore")
		signalsPath = fs.String("signals", "", "JSON file of scripted analyst signals")
		priceSrc    = fs.String("prices", env.PriceSource, "price source: yahoo or csv")
		csvDir      = fs.String("csv-dir", env.PriceCSVDir, "directory of <TICKER>.csv files")
		concurrency = fs.Int("concurrency", env.SignalConcurrency, "in-flight signal requests per day")
		asJSON      = fs.Bool("json", false, "print the full result as JSON")
		tradesCSV   = fs.String("trades-csv", "", "write the trade log to this CSV file")
		sqlitePath  = fs.String("sqlite", env.SQLitePath, "persist the run to this SQLite database")
		logLevel    = fs.String("log-level", "warn", "debug, info, warn or error")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	env.LogLevel = *logLevel
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: env.SlogLevel()}))
	slog.SetDefault(logger)

	cfg, err := buildConfig(*tickers, *analysts, *startFlag, *endFlag, *cash, *margin, *concurrency)
	if err == nil {
		cfg.Policy, err = buildPolicy(*maxPosition, *stopLoss, *dominance, *floor, *tieBreak, *riskVeto, *riskIDs, !*noShorts)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	var prices market.HistorySource
	switch *priceSrc {
	case config.PriceSourceCSV:
		prices, err = market.LoadCSVDir(*csvDir)
		if err != nil {
			fmt.Fprintln(stderr, "load prices:", err)
			return 1
		}
	case config.PriceSourceYahoo:
		prices = market.NewYahooSource(market.WithYahooLogger(logger))
	default:
		fmt.Fprintf(stderr, "unknown price source %q\n", *priceSrc)
		return 2
	}

	var completer analyst.Completer
	if env.OpenAIAPIKey != "" {
		completer = analyst.NewOpenAICompleter(env.OpenAIAPIKey, env.OpenAIModel)
	}
	registry := analyst.DefaultRegistry(prices, completer,
		analyst.WithRetries(env.LLMMaxRetries, time.Second),
		analyst.WithLLMLogger(logger),
	)
	if *signalsPath != "" {
		scripts, err := analyst.LoadScripts(*signalsPath)
		if err != nil {
			fmt.Fprintln(stderr, "load signals:", err)
			return 1
		}
		if err := registry.RegisterScripts(scripts); err != nil {
			fmt.Fprintln(stderr, "load signals:", err)
			return 1
		}
	}
	if err := registry.Check(cfg.Analysts); err != nil {
		fmt.Fprintf(stderr, "%v (available: %s)\n", err, strings.Join(registry.IDs(), ", "))
		return 2
	}

	rc, err := backtest.New(cfg, prices, registry, backtest.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	// Ctrl-C stops before the next day and still reports what ran.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now().UTC()
	res, runErr := rc.Run(ctx)
	if res == nil {
		fmt.Fprintln(stderr, "backtest:", runErr)
		return 1
	}

	if *sqlitePath != "" {
		if err := persist(*sqlitePath, rc.Config(), res, runErr, started); err != nil {
			fmt.Fprintln(stderr, "persist run:", err)
		}
	}
	if *tradesCSV != "" {
		if err := writeTradesCSVFile(*tradesCSV, res.Trades); err != nil {
			fmt.Fprintln(stderr, "write trades:", err)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	} else {
		printReport(stdout, rc.Config(), res)
	}

	switch {
	case errors.Is(runErr, backtest.ErrRunAborted):
		fmt.Fprintln(stderr, "interrupted: results cover completed days only")
		return 130
	case runErr != nil:
		fmt.Fprintln(stderr, "backtest:", runErr)
		return 1
	}
	return 0
}

func buildConfig(tickers, analysts, start, end, cash, margin string, concurrency int) (backtest.Config, error) {
	cfg := backtest.Config{
		Instruments:       splitList(tickers),
		Analysts:          splitList(analysts),
		SignalConcurrency: concurrency,
	}

	var err error
	cfg.End = backtest.Day(time.Now()).AddDate(0, 0, -1)
	if end != "" {
		if cfg.End, err = time.Parse(time.DateOnly, end); err != nil {
			return cfg, fmt.Errorf("-end: %w", err)
		}
	}
	cfg.Start = cfg.End.AddDate(0, -3, 0)
	if start != "" {
		if cfg.Start, err = time.Parse(time.DateOnly, start); err != nil {
			return cfg, fmt.Errorf("-start: %w", err)
		}
	}
	if cfg.InitialCash, err = decimal.NewFromString(cash); err != nil {
		return cfg, fmt.Errorf("-cash: %w", err)
	}
	if cfg.MarginRequirement, err = decimal.NewFromString(margin); err != nil {
		return cfg, fmt.Errorf("-margin: %w", err)
	}
	return cfg, nil
}

func buildPolicy(maxPosition, stopLoss, dominance, floor, tieBreak, veto, riskIDs string, shorts bool) (aggregator.Policy, error) {
	p := aggregator.DefaultPolicy()
	for _, f := range []struct {
		name string
		in   string
		dst  *decimal.Decimal
	}{
		{"-max-position", maxPosition, &p.MaxPositionPct},
		{"-stop-loss", stopLoss, &p.StopLossPct},
		{"-dominance", dominance, &p.Dominance},
		{"-confidence-floor", floor, &p.ConfidenceFloor},
	} {
		v, err := decimal.NewFromString(f.in)
		if err != nil {
			return p, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	p.TieBreak = aggregator.TieBreak(tieBreak)
	p.RiskVeto = aggregator.VetoMode(veto)
	p.RiskAnalysts = splitList(riskIDs)
	p.AllowShorts = shorts
	return p, p.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// persist records the finished run in a local SQLite database.
func persist(path string, cfg backtest.Config, res *backtest.Result, runErr error, started time.Time) error {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer st.Close()

	finished := time.Now().UTC()
	m := res.Metrics
	run := &model.Run{
		ID:                res.RunID,
		Status:            res.Status,
		Instruments:       cfg.Instruments,
		Analysts:          cfg.Analysts,
		StartDate:         cfg.Start,
		EndDate:           cfg.End,
		InitialCash:       cfg.InitialCash,
		MarginRequirement: cfg.MarginRequirement,
		FinalValue:        cfg.InitialCash,
		Metrics:           &m,
		CreatedAt:         started,
		FinishedAt:        &finished,
	}
	if n := len(res.Snapshots); n > 0 {
		run.FinalValue = res.Snapshots[n-1].TotalValue
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if err := st.CreateRun(ctx, run); err != nil {
		return err
	}
	if err := st.InsertSnapshots(ctx, run.ID, res.Snapshots); err != nil {
		return err
	}
	if err := st.InsertTrades(ctx, run.ID, res.Trades); err != nil {
		return err
	}
	return st.InsertDiagnostics(ctx, run.ID, res.Diagnostics)
}

func writeTradesCSVFile(path string, trades []model.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeTradesCSV(f, trades); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTradesCSV(w io.Writer, trades []model.Trade) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"seq", "date", "instrument", "action", "quantity", "price", "cash_flow", "realized_pnl", "reason"})
	for _, t := range trades {
		cw.Write([]string{
			strconv.Itoa(t.Seq),
			t.Date.Format(time.DateOnly),
			t.Instrument,
			string(t.Action),
			strconv.FormatInt(t.Quantity, 10),
			t.Price.String(),
			t.CashFlow.String(),
			t.RealizedPnL.String(),
			t.Reason,
		})
	}
	cw.Flush()
	return cw.Error()
}

func printReport(w io.Writer, cfg backtest.Config, res *backtest.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	final := cfg.InitialCash
	if n := len(res.Snapshots); n > 0 {
		final = res.Snapshots[n-1].TotalValue
	}
	m := res.Metrics
	fmt.Fprintf(tw, "PORTFOLIO SUMMARY\t%s\n", res.Status)
	fmt.Fprintf(tw, "Period\t%s to %s\n", cfg.Start.Format(time.DateOnly), cfg.End.Format(time.DateOnly))
	fmt.Fprintf(tw, "Initial capital\t%s\n", cfg.InitialCash.StringFixed(2))
	fmt.Fprintf(tw, "Final value\t%s\n", final.StringFixed(2))
	fmt.Fprintf(tw, "Total return\t%.2f%%\n", m.TotalReturn)
	fmt.Fprintf(tw, "Annualized return\t%.2f%%\n", m.AnnualizedReturn)
	fmt.Fprintf(tw, "Sharpe ratio\t%.2f\n", m.SharpeRatio)
	fmt.Fprintf(tw, "Sortino ratio\t%.2f\n", m.SortinoRatio)
	fmt.Fprintf(tw, "Max drawdown\t%.2f%%\n", m.MaxDrawdown)
	fmt.Fprintf(tw, "Win rate\t%.1f%% of %d closing trades\n", m.WinRate*100, m.ClosingTrades)
	fmt.Fprintf(tw, "Trading days\t%d\n", m.TradingDays)
	fmt.Fprintf(tw, "Skipped units\t%d\n", len(res.Diagnostics))

	fmt.Fprintln(tw, "\nDATE\tTICKER\tACTION\tQTY\tPRICE\tCASH FLOW\tREALIZED\t")
	for _, t := range res.Trades {
		if t.Action == model.ActionHold {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t\n",
			t.Date.Format(time.DateOnly), t.Instrument, t.Action, t.Quantity,
			t.Price.StringFixed(2), t.CashFlow.StringFixed(2), t.RealizedPnL.StringFixed(2))
	}

	if len(res.AnalystScores) > 0 {
		fmt.Fprintln(tw, "\nANALYST\tPREDICTIONS\tCORRECT\tACCURACY\tAVG CONFIDENCE\t")
		for _, s := range res.AnalystScores {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t%.2f\t\n", s.Analyst, s.Predictions, s.Correct, s.Accuracy, s.AvgConfidence)
		}
	}
}
