// Command inspect evaluates the rebalance policy once against live account
// and market data and prints what the bot would do. It never places orders.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"spot-rebalancer/internal/account"
	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/hl/rest"
	"spot-rebalancer/internal/logging"
	"spot-rebalancer/internal/market"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/state/sqlite"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

const defaultEnvFile = ".env"

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	showSnapshot := flag.Bool("snapshot", true, "print the last persisted status snapshot")
	asJSON := flag.Bool("json", false, "print the decision as JSON")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	user := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if user == "" {
		user = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	}
	if user == "" {
		fatal(errors.New("HL_ACCOUNT_ADDRESS or HL_WALLET_ADDRESS is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rcfg := cfg.Rebalancer
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	md := market.New(restClient, nil, rcfg.CandleInterval, log)
	spot, perp, err := md.Resolve(ctx, rcfg.Symbol, rcfg.HedgeAsset)
	if err != nil {
		fatal(err)
	}
	book, err := md.RefreshBook(ctx)
	if err != nil {
		fatal(err)
	}
	history, err := md.History(ctx, rcfg.CandleHistory)
	if err != nil {
		log.Warn("candle history unavailable", zap.Error(err))
	}

	acct := account.New(restClient, nil, log, user)
	st, err := acct.Reconcile(ctx)
	if err != nil {
		fatal(err)
	}
	pos := st.Position(spot.Base, spot.Quote, perp.Name)

	now := time.Now()
	window := strategy.FillWindow{Window: rcfg.Anchor.Window}
	if rcfg.Anchor.Window > 0 {
		raw, err := acct.FillsByTime(ctx, now.Add(-rcfg.Anchor.Window), time.Time{})
		if err != nil {
			log.Warn("fill history unavailable", zap.Error(err))
		}
		for _, f := range raw {
			if !spot.Matches(f.Coin) {
				continue
			}
			window = window.Add(strategy.Fill{Time: f.Time, Side: f.Side, Price: f.Price, Qty: f.Size})
		}
		window = window.Prune(now)
	}

	ema := strategy.EmaParamsFromConfig(rcfg.EMA).Seed(history)
	lot := exec.Lot{SzDecimals: spot.BaseSzDecimals, Spot: true}
	policy := strategy.NewPolicy(rcfg, lot.RoundQty)
	out, _ := policy.Evaluate(strategy.Inputs{
		Now:             now,
		Price:           book.Mid(),
		Position:        pos,
		DesiredNetDelta: rcfg.DesiredNetDeltaBase,
		Ema:             ema,
		Fills:           window,
	}, strategy.PolicyState{})

	if *asJSON {
		printJSON(out)
	} else {
		printOutcome(spot, perp, book, out, len(window.Fills))
	}
	if err := strategy.CheckFreshness(cfg.Risk, now, book.At, pos.At); err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	if *showSnapshot {
		printSnapshot(ctx, cfg.State.SQLitePath, spot.Symbol)
	}
}

func printOutcome(spot market.SpotContext, perp market.PerpContext, book market.Book, out strategy.Outcome, fills int) {
	t := out.Tick
	fmt.Printf("pair: %s (%s, asset %d) hedge: %s\n", spot.Symbol, spot.MidKey, spot.AssetID(), perp.Name)
	fmt.Printf("book: bid %.6f ask %.6f mid %.6f\n", book.Bid, book.Ask, book.Mid())
	fmt.Printf("position: spot %.6f futures %.6f available base %.6f quote %.6f\n",
		t.Position.SpotBase, t.Position.FuturesBase, t.Position.BaseAvailable, t.Position.QuoteAvailable)
	fmt.Printf("delta: net %.6f desired %.6f gap %.6f side %s\n", t.Delta.Net, t.Delta.Desired, t.Delta.Gap, sideLabel(t.Delta.Side))
	fmt.Printf("trend: %s ema fast %.6f slow %.6f\n", t.Trend, t.Ema.Fast, t.Ema.Slow)
	fmt.Printf("bias: ema %.3f anchor %.3f combined %.3f\n", t.Bias.EmaBias, t.Bias.AnchorBias, t.Bias.Combined)
	buy, _ := t.Anchor.BuyVWAP()
	sell, _ := t.Anchor.SellVWAP()
	fmt.Printf("anchor: %d fills buy vwap %.6f sell vwap %.6f\n", fills, buy, sell)
	for _, res := range out.Trace {
		fmt.Printf("rule %s: %s\n", res.Rule, res.Reason)
	}
	if !out.Triggered {
		fmt.Printf("decision: none (%s)\n", out.Reason)
		return
	}
	d := out.Decision
	fmt.Printf("decision: %s %.6f @ %.6f class %s reason %s (soft %.6f hard %.6f urgent %t)\n",
		d.Side, d.Qty, d.Price, d.Class, d.Reason, d.SoftThreshold, d.HardThreshold, d.Urgent)
}

func printSnapshot(ctx context.Context, path, symbol string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	store, err := sqlite.New(path)
	if err != nil {
		fmt.Printf("snapshot unavailable: %v\n", err)
		return
	}
	defer store.Close()
	snap, ok, err := state.LoadRebalanceSnapshot(ctx, store, symbol)
	if err != nil {
		fmt.Printf("snapshot unavailable: %v\n", err)
		return
	}
	if !ok {
		fmt.Println("snapshot: none")
		return
	}
	fmt.Printf("snapshot (%s):\n", time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339))
	printJSON(snap)
}

func printJSON(v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
}

func sideLabel(s strategy.Side) string {
	if s == strategy.SideNone {
		return "NONE"
	}
	return string(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
