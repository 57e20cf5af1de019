package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spot-rebalancer/internal/account"
	"spot-rebalancer/internal/alerts"
	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/hl/exchange"
	"spot-rebalancer/internal/hl/rest"
	"spot-rebalancer/internal/hl/ws"
	"spot-rebalancer/internal/market"
	"spot-rebalancer/internal/metrics"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/state/sqlite"
	"spot-rebalancer/internal/strategy"
	"spot-rebalancer/internal/timescale"

	"go.uber.org/zap"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	exchange  *exchange.Client
	market    *market.MarketData
	account   *account.Account
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    operatorChannel
	timescale *timescale.Writer
	orch      *Orchestrator

	operatorWarned bool
}

// Secrets are read from the environment: HL_WALLET_ADDRESS and
// HL_PRIVATE_KEY are required, HL_ACCOUNT_ADDRESS defaults to the wallet and
// HL_VAULT_ADDRESS is optional.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	marketWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, marketWS, cfg.Rebalancer.CandleInterval, log)

	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		_ = store.Close()
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		_ = store.Close()
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		_ = store.Close()
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(restClient, signer, vaultAddress, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	accountClient := account.New(restClient, accountWS, log, accountAddress)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		exchange:  exClient,
		market:    marketData,
		account:   accountClient,
		metrics:   m,
		prom:      prom,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		timescale: writer,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}

	rcfg := a.cfg.Rebalancer
	spot, perp, err := a.market.Resolve(ctx, rcfg.Symbol, rcfg.HedgeAsset)
	if err != nil {
		return err
	}
	a.log.Info("market resolved",
		zap.String("symbol", spot.Symbol),
		zap.String("coin", spot.MidKey),
		zap.Int("asset", spot.AssetID()),
		zap.Int("sz_decimals", spot.BaseSzDecimals),
		zap.String("hedge", perp.Name),
	)

	st, err := a.account.Reconcile(ctx)
	if err != nil {
		return err
	}
	pos := st.Position(spot.Base, spot.Quote, perp.Name)
	a.log.Info("reconciled state",
		zap.Float64("spot_base", pos.SpotBase),
		zap.Float64("futures_base", pos.FuturesBase),
		zap.Float64("quote_available", pos.QuoteAvailable),
		zap.Int("open_orders", len(st.OpenOrders)),
	)
	a.cancelStaleOrders(ctx, st.OpenOrders, spot)

	if err := a.account.Start(ctx); err != nil {
		return err
	}
	if err := a.market.Start(ctx); err != nil {
		return err
	}
	if _, err := a.market.RefreshBook(ctx); err != nil {
		a.log.Warn("initial book refresh failed", zap.Error(err))
	}
	history, err := a.market.History(ctx, rcfg.CandleHistory)
	if err != nil {
		a.log.Warn("candle history unavailable", zap.Error(err))
	}
	seedFills := a.recentFills(ctx, spot)

	lot := exec.Lot{SzDecimals: spot.BaseSzDecimals, Spot: true}
	quotes := bookQuotes{src: a.market}
	gateway := &exchangeGateway{client: a.exchange, status: a.account, asset: spot.AssetID()}
	executor := exec.NewExecutor(gateway, a.store, a.log)
	engine := exec.NewEngine(exec.ParamsFromConfig(rcfg.Execution), lot)
	driver := exec.NewDriver(engine, executor, quotes, nil, a.log, a.metrics)

	fills := make(chan strategy.Fill, 64)
	go a.forwardFills(ctx, spot, fills)

	a.orch = NewOrchestrator(rcfg, a.cfg.Risk, lot, Deps{
		Log:       a.log,
		Metrics:   a.metrics,
		Alerts:    a.alerts,
		Store:     a.store,
		Timescale: a.timescale,
		Executor:  driver,
		Positions: accountPositions{acct: a.account, base: spot.Base, quote: spot.Quote, hedge: perp.Name},
		Quotes:    quotes,
		Candles:   a.market.Closed(),
		Fills:     fills,
	})
	a.orch.Seed(history, seedFills)

	a.timescale.Start(ctx)
	a.startMetricsServer(ctx)
	a.startOperator(ctx)
	go a.watchBook(ctx)

	if err := a.alerts.Send(ctx, fmt.Sprintf("spot-rebalancer started for %s (hedge %s)", spot.Symbol, perp.Name)); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
	return a.orch.Run(ctx)
}

// cancelStaleOrders cancels resting orders on the traded pair left over from
// a previous run. Orders on other coins are not ours to touch.
func (a *App) cancelStaleOrders(ctx context.Context, orders []account.OpenOrder, spot market.SpotContext) {
	for _, o := range orders {
		if !spot.Matches(o.Coin) {
			continue
		}
		if err := a.exchange.CancelOrder(ctx, spot.AssetID(), o.OrderID); err != nil {
			if errors.Is(err, exchange.ErrNotOpen) {
				continue
			}
			a.log.Warn("failed to cancel stale order", zap.Int64("oid", o.OrderID), zap.Error(err))
			continue
		}
		a.log.Info("canceled stale order", zap.Int64("oid", o.OrderID), zap.String("side", string(o.Side)), zap.Float64("size", o.Size))
	}
}

func (a *App) recentFills(ctx context.Context, spot market.SpotContext) []strategy.Fill {
	window := a.cfg.Rebalancer.Anchor.Window
	if window <= 0 {
		return nil
	}
	raw, err := a.account.FillsByTime(ctx, time.Now().Add(-window), time.Time{})
	if err != nil {
		a.log.Warn("fill history unavailable", zap.Error(err))
		return nil
	}
	out := make([]strategy.Fill, 0, len(raw))
	for _, f := range raw {
		if sf, ok := spotFill(f, spot); ok {
			out = append(out, sf)
		}
	}
	return out
}

func (a *App) forwardFills(ctx context.Context, spot market.SpotContext, out chan<- strategy.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.account.Fills():
			sf, ok := spotFill(f, spot)
			if !ok {
				continue
			}
			select {
			case out <- sf:
			case <-ctx.Done():
				return
			}
		}
	}
}

// watchBook polls the book over REST whenever the stream has gone quiet for
// half the allowed market age.
func (a *App) watchBook(ctx context.Context) {
	limit := a.cfg.Risk.MaxMarketAge / 2
	if limit <= 0 {
		limit = 5 * time.Second
	}
	ticker := time.NewTicker(limit)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			book, ok := a.market.Book()
			if ok && time.Since(book.At) < limit {
				continue
			}
			if _, err := a.market.RefreshBook(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("book refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
