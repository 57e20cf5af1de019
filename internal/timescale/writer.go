package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"spot-rebalancer/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Decision is one policy evaluation that produced or suppressed an action.
type Decision struct {
	Time          time.Time
	ID            string
	Symbol        string
	Rule          string
	Class         string
	Reason        string
	Side          string
	Qty           float64
	Price         float64
	NetDelta      float64
	Gap           float64
	SoftThreshold float64
	HardThreshold float64
	CombinedBias  float64
	Trend         string
	Triggered     bool
}

type Execution struct {
	Time          time.Time
	ID            string
	Symbol        string
	Side          string
	State         string
	Reason        string
	Target        float64
	Filled        float64
	AvgPrice      float64
	DecisionPrice float64
	Requotes      int
	TakerUsed     bool
	Accepted      bool
	DurationMS    int64
}

type DeltaSnapshot struct {
	Time            time.Time
	Symbol          string
	Price           float64
	SpotBase        float64
	FuturesBase     float64
	NetDelta        float64
	DesiredNetDelta float64
	Gap             float64
	EmaFast         float64
	EmaSlow         float64
	CombinedBias    float64
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	decisions  chan Decision
	executions chan Execution
	deltas     chan DeltaSnapshot
	candles    chan Candle
	started    atomic.Bool
	dropDec    atomic.Uint64
	dropExec   atomic.Uint64
	dropDelta  atomic.Uint64
	dropCandle atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:         db,
		log:        log,
		schema:     schema,
		decisions:  make(chan Decision, queueSize),
		executions: make(chan Execution, queueSize),
		deltas:     make(chan DeltaSnapshot, queueSize),
		candles:    make(chan Candle, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueDecision(d Decision) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- d:
	default:
		if w.dropDec.Add(1) == 1 {
			w.log.Warn("timescale decision queue full")
		}
	}
}

func (w *Writer) EnqueueExecution(x Execution) {
	if w == nil {
		return
	}
	select {
	case w.executions <- x:
	default:
		if w.dropExec.Add(1) == 1 {
			w.log.Warn("timescale execution queue full")
		}
	}
}

func (w *Writer) EnqueueDelta(s DeltaSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.deltas <- s:
	default:
		if w.dropDelta.Add(1) == 1 {
			w.log.Warn("timescale delta queue full")
		}
	}
}

func (w *Writer) EnqueueCandle(candle Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- candle:
	default:
		if w.dropCandle.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

// Dropped reports how many rows were discarded because a queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropDec.Load() + w.dropExec.Load() + w.dropDelta.Load() + w.dropCandle.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.decisions:
			w.writeDecision(ctx, d)
		case x := <-w.executions:
			w.writeExecution(ctx, x)
		case s := <-w.deltas:
			w.writeDelta(ctx, s)
		case candle := <-w.candles:
			w.writeCandle(ctx, candle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol, interval)
	)`, w.table("market_ohlc"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		decision_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		rule TEXT NOT NULL,
		class TEXT NOT NULL,
		reason TEXT NOT NULL,
		side TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		net_delta DOUBLE PRECISION NOT NULL,
		gap DOUBLE PRECISION NOT NULL,
		soft_threshold DOUBLE PRECISION NOT NULL,
		hard_threshold DOUBLE PRECISION NOT NULL,
		combined_bias DOUBLE PRECISION NOT NULL,
		trend TEXT NOT NULL,
		triggered BOOLEAN NOT NULL
	)`, w.table("rebalance_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		execution_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL,
		target_qty DOUBLE PRECISION NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		decision_price DOUBLE PRECISION NOT NULL,
		requotes INTEGER NOT NULL,
		taker_used BOOLEAN NOT NULL,
		accepted BOOLEAN NOT NULL,
		duration_ms BIGINT NOT NULL
	)`, w.table("rebalance_executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		spot_base DOUBLE PRECISION NOT NULL,
		futures_base DOUBLE PRECISION NOT NULL,
		net_delta DOUBLE PRECISION NOT NULL,
		desired_net_delta DOUBLE PRECISION NOT NULL,
		gap DOUBLE PRECISION NOT NULL,
		ema_fast DOUBLE PRECISION NOT NULL,
		ema_slow DOUBLE PRECISION NOT NULL,
		combined_bias DOUBLE PRECISION NOT NULL
	)`, w.table("delta_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "rebalance_decisions", "rebalance_executions", "delta_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, d Decision) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, decision_id, symbol, rule, class, reason, side, qty, price,
		net_delta, gap, soft_threshold, hard_threshold, combined_bias, trend, triggered
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	)`, w.table("rebalance_decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		d.Time,
		d.ID,
		d.Symbol,
		d.Rule,
		d.Class,
		d.Reason,
		d.Side,
		d.Qty,
		d.Price,
		d.NetDelta,
		d.Gap,
		d.SoftThreshold,
		d.HardThreshold,
		d.CombinedBias,
		d.Trend,
		d.Triggered,
	); err != nil {
		w.log.Warn("timescale decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExecution(ctx context.Context, x Execution) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, execution_id, symbol, side, state, reason, target_qty, filled_qty,
		avg_price, decision_price, requotes, taker_used, accepted, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("rebalance_executions"))
	if _, err := w.db.ExecContext(ctx, query,
		x.Time,
		x.ID,
		x.Symbol,
		x.Side,
		x.State,
		x.Reason,
		x.Target,
		x.Filled,
		x.AvgPrice,
		x.DecisionPrice,
		x.Requotes,
		x.TakerUsed,
		x.Accepted,
		x.DurationMS,
	); err != nil {
		w.log.Warn("timescale execution insert failed", zap.Error(err))
	}
}

func (w *Writer) writeDelta(ctx context.Context, s DeltaSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, price, spot_base, futures_base, net_delta, desired_net_delta,
		gap, ema_fast, ema_slow, combined_bias
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("delta_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		s.Time,
		s.Symbol,
		s.Price,
		s.SpotBase,
		s.FuturesBase,
		s.NetDelta,
		s.DesiredNetDelta,
		s.Gap,
		s.EmaFast,
		s.EmaSlow,
		s.CombinedBias,
	); err != nil {
		w.log.Warn("timescale delta insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCandle(ctx context.Context, candle Candle) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, interval, open, high, low, close, volume
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, symbol, interval) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume`, w.table("market_ohlc"))
	if _, err := w.db.ExecContext(ctx, query,
		candle.Start,
		candle.Symbol,
		candle.Interval,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Volume,
	); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
