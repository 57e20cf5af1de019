package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Risk       RiskConfig       `yaml:"risk"`
	Rebalancer RebalancerConfig `yaml:"rebalancer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RiskConfig bounds how old inputs may be before a tick is skipped.
type RiskConfig struct {
	MaxMarketAge   time.Duration `yaml:"max_market_age"`
	MaxPositionAge time.Duration `yaml:"max_position_age"`
}

// RebalancerConfig drives one symbol. Symbol is the spot pair traded to
// correct delta (e.g. HYPE/USDC); HedgeAsset is the perp whose position is
// treated as the external hedge.
type RebalancerConfig struct {
	Symbol              string        `yaml:"symbol"`
	HedgeAsset          string        `yaml:"hedge_asset"`
	DesiredNetDeltaBase float64       `yaml:"desired_net_delta_base"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	PositionPoll        time.Duration `yaml:"position_poll_interval"`
	StatusInterval      time.Duration `yaml:"status_interval"`
	Cooldown            time.Duration `yaml:"cooldown"`
	CandleInterval      string        `yaml:"candle_interval"`
	CandleHistory       int           `yaml:"candle_history"`

	Thresholds   ThresholdsConfig   `yaml:"thresholds"`
	Hysteresis   HysteresisConfig   `yaml:"hysteresis"`
	Bias         BiasConfig         `yaml:"bias"`
	EMA          EMAConfig          `yaml:"ema"`
	Anchor       AnchorConfig       `yaml:"anchor"`
	EMARebalance EMARebalanceConfig `yaml:"ema_rebalance"`
	Execution    ExecutionConfig    `yaml:"execution"`
}

const (
	UnitsBase    = "base"
	UnitsPercent = "percent"

	BiasModeEMA    = "ema"
	BiasModeManual = "manual"
)

type ThresholdsConfig struct {
	Units        string  `yaml:"units"`
	Soft         float64 `yaml:"soft"`
	Hard         float64 `yaml:"hard"`
	PartialRatio float64 `yaml:"partial_ratio"`
	FloorRatio   float64 `yaml:"floor_ratio"`
}

type HysteresisConfig struct {
	Window   time.Duration `yaml:"window"`
	Fraction *float64      `yaml:"fraction"`
}

func (h HysteresisConfig) FractionValue() float64 {
	if h.Fraction == nil {
		return 0
	}
	return *h.Fraction
}

type BiasConfig struct {
	Mode           string   `yaml:"mode"`
	ManualOverride float64  `yaml:"manual_override"`
	WeightEMA      *float64 `yaml:"w_ema"`
	WeightAnchor   *float64 `yaml:"w_anchor"`
	Strength       *float64 `yaml:"strength"`
}

type EMAConfig struct {
	FastPeriod        int      `yaml:"fast_period"`
	SlowPeriod        int      `yaml:"slow_period"`
	TrendThresholdPct *float64 `yaml:"trend_threshold_pct"`
	BiasSaturationPct float64  `yaml:"bias_saturation_pct"`
}

func (e EMAConfig) TrendThresholdPctValue() float64 {
	return FloatValue(e.TrendThresholdPct, 0)
}

type AnchorConfig struct {
	Window              time.Duration `yaml:"window"`
	EdgeBpsSoft         float64       `yaml:"edge_bps_soft"`
	EdgeBpsHard         *float64      `yaml:"edge_bps_hard"`
	MaxWaitOnSoft       time.Duration `yaml:"max_wait_on_soft"`
	DegradeEdgeWithTime *bool         `yaml:"degrade_edge_with_time"`
	ExecuteOnExpiry     *bool         `yaml:"execute_on_expiry"`
}

func (a AnchorConfig) EdgeBpsHardValue() float64 {
	return FloatValue(a.EdgeBpsHard, 0)
}

type EMARebalanceConfig struct {
	Enabled              *bool         `yaml:"enabled"`
	MinPositionUSDT      float64       `yaml:"min_position_usdt"`
	Cooldown             time.Duration `yaml:"cooldown"`
	UptrendBreakoutPct   float64       `yaml:"uptrend_breakout_pct"`
	DowntrendEMATouchPct float64       `yaml:"downtrend_ema_touch_pct"`
	PartialRatio         float64       `yaml:"partial_ratio"`
}

func (e EMARebalanceConfig) EnabledValue() bool {
	return e.Enabled == nil || *e.Enabled
}

type ExecutionConfig struct {
	Maker             MakerConfig   `yaml:"maker"`
	Taker             TakerConfig   `yaml:"taker"`
	MaxWait           time.Duration `yaml:"max_wait"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SlippageCapBps    *float64      `yaml:"slippage_cap_bps"`
	MarketSlippageBps float64       `yaml:"market_slippage_bps"`
	MinTradeBase      float64       `yaml:"min_trade_base"`
	MaxTradeBase      float64       `yaml:"max_trade_base"`
	ScaleToBalance    *bool         `yaml:"scale_to_balance"`
}

// SlippageCapBpsValue is zero when the cap is disabled.
func (ex ExecutionConfig) SlippageCapBpsValue() float64 {
	return FloatValue(ex.SlippageCapBps, 0)
}

type MakerConfig struct {
	PostOnly        *bool         `yaml:"post_only"`
	QuoteImproveBps float64       `yaml:"quote_improve_bps"`
	RepriceInterval time.Duration `yaml:"reprice_interval"`
	MaxRequotes     *int          `yaml:"max_requotes"`
}

type TakerConfig struct {
	AllowedOnSoft *bool `yaml:"allowed_on_soft"`
	AllowedOnHard *bool `yaml:"allowed_on_hard"`
}

// BoolValue reads a tri-state flag, treating nil as fallback.
func FloatValue(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func BoolValue(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	cfg.REST.BaseURL = strings.TrimRight(cfg.REST.BaseURL, "/")
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/spot-rebalancer.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Risk.MaxMarketAge == 0 {
		cfg.Risk.MaxMarketAge = 30 * time.Second
	}
	if cfg.Risk.MaxPositionAge == 0 {
		cfg.Risk.MaxPositionAge = 60 * time.Second
	}
	applyRebalancerDefaults(&cfg.Rebalancer)
}

func applyRebalancerDefaults(r *RebalancerConfig) {
	if r.HedgeAsset == "" && r.Symbol != "" {
		base, _, _ := strings.Cut(r.Symbol, "/")
		r.HedgeAsset = base
	}
	if r.TickInterval == 0 {
		r.TickInterval = time.Second
	}
	if r.PositionPoll == 0 {
		r.PositionPoll = 5 * time.Second
	}
	if r.StatusInterval == 0 {
		r.StatusInterval = 30 * time.Second
	}
	if r.Cooldown == 0 {
		r.Cooldown = 10 * time.Second
	}
	if r.CandleInterval == "" {
		r.CandleInterval = "1m"
	}
	if r.CandleHistory == 0 {
		r.CandleHistory = 100
	}

	if r.Thresholds.Units == "" {
		r.Thresholds.Units = UnitsBase
	}
	if r.Thresholds.PartialRatio == 0 {
		r.Thresholds.PartialRatio = 0.5
	}
	if r.Thresholds.FloorRatio == 0 {
		r.Thresholds.FloorRatio = 0.25
	}

	if r.Hysteresis.Window == 0 {
		r.Hysteresis.Window = 30 * time.Second
	}
	if r.Hysteresis.Fraction == nil {
		fraction := 0.7
		r.Hysteresis.Fraction = &fraction
	}

	if r.Bias.Mode == "" {
		r.Bias.Mode = BiasModeEMA
	}
	if r.Bias.WeightEMA == nil {
		w := 0.5
		r.Bias.WeightEMA = &w
	}
	if r.Bias.WeightAnchor == nil {
		w := 0.5
		r.Bias.WeightAnchor = &w
	}
	if r.Bias.Strength == nil {
		s := 0.6
		r.Bias.Strength = &s
	}

	if r.EMA.FastPeriod == 0 {
		r.EMA.FastPeriod = 9
	}
	if r.EMA.SlowPeriod == 0 {
		r.EMA.SlowPeriod = 21
	}
	if r.EMA.TrendThresholdPct == nil {
		pct := 0.1
		r.EMA.TrendThresholdPct = &pct
	}
	if r.EMA.BiasSaturationPct == 0 {
		r.EMA.BiasSaturationPct = 0.5
	}

	if r.Anchor.Window == 0 {
		r.Anchor.Window = 600 * time.Second
	}
	if r.Anchor.Window < time.Minute {
		r.Anchor.Window = time.Minute
	}
	if r.Anchor.EdgeBpsSoft == 0 {
		r.Anchor.EdgeBpsSoft = 10
	}
	if r.Anchor.EdgeBpsHard == nil {
		bps := 2.0
		r.Anchor.EdgeBpsHard = &bps
	}
	if r.Anchor.MaxWaitOnSoft == 0 {
		r.Anchor.MaxWaitOnSoft = 30 * time.Second
	}
	if r.Anchor.DegradeEdgeWithTime == nil {
		enabled := true
		r.Anchor.DegradeEdgeWithTime = &enabled
	}
	if r.Anchor.ExecuteOnExpiry == nil {
		enabled := true
		r.Anchor.ExecuteOnExpiry = &enabled
	}

	if r.EMARebalance.Enabled == nil {
		enabled := true
		r.EMARebalance.Enabled = &enabled
	}
	if r.EMARebalance.MinPositionUSDT == 0 {
		r.EMARebalance.MinPositionUSDT = 100
	}
	if r.EMARebalance.Cooldown == 0 {
		r.EMARebalance.Cooldown = 60 * time.Second
	}
	if r.EMARebalance.UptrendBreakoutPct == 0 {
		r.EMARebalance.UptrendBreakoutPct = 1.0
	}
	if r.EMARebalance.DowntrendEMATouchPct == 0 {
		r.EMARebalance.DowntrendEMATouchPct = 0.2
	}
	if r.EMARebalance.PartialRatio == 0 {
		r.EMARebalance.PartialRatio = 0.3
	}

	ex := &r.Execution
	if ex.Maker.PostOnly == nil {
		enabled := true
		ex.Maker.PostOnly = &enabled
	}
	if ex.Maker.RepriceInterval == 0 {
		ex.Maker.RepriceInterval = 5 * time.Second
	}
	if ex.Maker.MaxRequotes == nil {
		requotes := 3
		ex.Maker.MaxRequotes = &requotes
	}
	if ex.Taker.AllowedOnSoft == nil {
		enabled := true
		ex.Taker.AllowedOnSoft = &enabled
	}
	if ex.Taker.AllowedOnHard == nil {
		enabled := true
		ex.Taker.AllowedOnHard = &enabled
	}
	if ex.MaxWait == 0 {
		ex.MaxWait = 30 * time.Second
	}
	if ex.PollInterval == 0 {
		ex.PollInterval = 500 * time.Millisecond
	}
	if ex.SlippageCapBps == nil {
		bps := 50.0
		ex.SlippageCapBps = &bps
	}
	if ex.MarketSlippageBps == 0 {
		ex.MarketSlippageBps = 30
	}
	if ex.MinTradeBase == 0 {
		ex.MinTradeBase = 0.000001
	}
	if ex.MaxTradeBase == 0 {
		ex.MaxTradeBase = 1_000_000
	}
	if ex.ScaleToBalance == nil {
		enabled := true
		ex.ScaleToBalance = &enabled
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func deriveWSURL(restURL string) string {
	switch {
	case strings.HasPrefix(restURL, "https://"):
		return "wss://" + strings.TrimPrefix(restURL, "https://") + "/ws"
	case strings.HasPrefix(restURL, "http://"):
		return "ws://" + strings.TrimPrefix(restURL, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

func validate(cfg *Config) error {
	if cfg.Metrics.EnabledValue() && strings.TrimSpace(cfg.Metrics.Address) == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && cfg.Telegram.OperatorPollInterval <= 0 {
		return errors.New("telegram.operator_poll_interval must be > 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Risk.MaxMarketAge < 0 || cfg.Risk.MaxPositionAge < 0 {
		return errors.New("risk ages must be >= 0")
	}
	return ValidateRebalancer(cfg.Rebalancer)
}

// ValidateRebalancer rejects combinations with undefined threshold or
// escalation semantics. It is also used for runtime operator overrides.
func ValidateRebalancer(r RebalancerConfig) error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("rebalancer.symbol is required")
	}
	if strings.TrimSpace(r.HedgeAsset) == "" {
		return errors.New("rebalancer.hedge_asset is required")
	}
	if r.TickInterval <= 0 || r.PositionPoll <= 0 || r.StatusInterval <= 0 {
		return errors.New("rebalancer intervals must be > 0")
	}
	if r.Cooldown < 0 {
		return errors.New("rebalancer.cooldown must be >= 0")
	}
	if err := ValidateThresholds(r.Thresholds); err != nil {
		return err
	}
	if r.Hysteresis.Window < 0 {
		return errors.New("rebalancer.hysteresis.window must be >= 0")
	}
	if f := r.Hysteresis.FractionValue(); f < 0 || f > 1 {
		return errors.New("rebalancer.hysteresis.fraction must be within [0,1]")
	}
	if err := validateBias(r.Bias); err != nil {
		return err
	}
	if r.EMA.FastPeriod <= 0 || r.EMA.SlowPeriod <= 0 {
		return errors.New("rebalancer.ema periods must be > 0")
	}
	if r.EMA.FastPeriod >= r.EMA.SlowPeriod {
		return errors.New("rebalancer.ema.fast_period must be < slow_period")
	}
	if r.EMA.TrendThresholdPctValue() < 0 {
		return errors.New("rebalancer.ema.trend_threshold_pct must be >= 0")
	}
	if r.EMA.BiasSaturationPct <= 0 {
		return errors.New("rebalancer.ema.bias_saturation_pct must be > 0")
	}
	if r.CandleHistory < 0 {
		return errors.New("rebalancer.candle_history must be >= 0")
	}
	if err := validateAnchor(r.Anchor); err != nil {
		return err
	}
	if err := validateEMARebalance(r.EMARebalance); err != nil {
		return err
	}
	return validateExecution(r.Execution)
}

func ValidateThresholds(t ThresholdsConfig) error {
	if t.Units != UnitsBase && t.Units != UnitsPercent {
		return fmt.Errorf("rebalancer.thresholds.units must be %q or %q", UnitsBase, UnitsPercent)
	}
	if t.Soft <= 0 {
		return errors.New("rebalancer.thresholds.soft must be > 0")
	}
	if t.Hard <= 0 {
		return errors.New("rebalancer.thresholds.hard must be > 0")
	}
	if t.Soft > t.Hard {
		return errors.New("rebalancer.thresholds.soft must be <= hard")
	}
	if t.PartialRatio <= 0 || t.PartialRatio > 1 {
		return errors.New("rebalancer.thresholds.partial_ratio must be within (0,1]")
	}
	if t.FloorRatio <= 0 || t.FloorRatio > 1 {
		return errors.New("rebalancer.thresholds.floor_ratio must be within (0,1]")
	}
	return nil
}

func validateBias(b BiasConfig) error {
	switch b.Mode {
	case BiasModeEMA:
	case BiasModeManual:
		if b.ManualOverride < -1 || b.ManualOverride > 1 {
			return errors.New("rebalancer.bias.manual_override must be within [-1,1]")
		}
	default:
		return fmt.Errorf("rebalancer.bias.mode must be %q or %q", BiasModeEMA, BiasModeManual)
	}
	if b.WeightEMA != nil && *b.WeightEMA < 0 {
		return errors.New("rebalancer.bias.w_ema must be >= 0")
	}
	if b.WeightAnchor != nil && *b.WeightAnchor < 0 {
		return errors.New("rebalancer.bias.w_anchor must be >= 0")
	}
	if b.Strength != nil && (*b.Strength < 0 || *b.Strength > 1) {
		return errors.New("rebalancer.bias.strength must be within [0,1]")
	}
	return nil
}

func validateAnchor(a AnchorConfig) error {
	if a.Window < time.Minute {
		return errors.New("rebalancer.anchor.window must be >= 1m")
	}
	if a.EdgeBpsSoft < 0 || a.EdgeBpsHardValue() < 0 {
		return errors.New("rebalancer.anchor edges must be >= 0")
	}
	if a.EdgeBpsHardValue() > a.EdgeBpsSoft {
		return errors.New("rebalancer.anchor.edge_bps_hard must be <= edge_bps_soft")
	}
	if a.MaxWaitOnSoft <= 0 {
		return errors.New("rebalancer.anchor.max_wait_on_soft must be > 0")
	}
	return nil
}

func validateEMARebalance(e EMARebalanceConfig) error {
	if !e.EnabledValue() {
		return nil
	}
	if e.MinPositionUSDT < 0 {
		return errors.New("rebalancer.ema_rebalance.min_position_usdt must be >= 0")
	}
	if e.Cooldown < 0 {
		return errors.New("rebalancer.ema_rebalance.cooldown must be >= 0")
	}
	if e.UptrendBreakoutPct <= 0 || e.DowntrendEMATouchPct <= 0 {
		return errors.New("rebalancer.ema_rebalance percentages must be > 0")
	}
	if e.PartialRatio <= 0 || e.PartialRatio > 1 {
		return errors.New("rebalancer.ema_rebalance.partial_ratio must be within (0,1]")
	}
	return nil
}

func validateExecution(ex ExecutionConfig) error {
	if ex.MaxWait <= 0 {
		return errors.New("rebalancer.execution.max_wait must be > 0")
	}
	if ex.PollInterval <= 0 {
		return errors.New("rebalancer.execution.poll_interval must be > 0")
	}
	if ex.Maker.RepriceInterval <= 0 {
		return errors.New("rebalancer.execution.maker.reprice_interval must be > 0")
	}
	if ex.Maker.MaxRequotes != nil && *ex.Maker.MaxRequotes < 0 {
		return errors.New("rebalancer.execution.maker.max_requotes must be >= 0")
	}
	if ex.Maker.QuoteImproveBps < 0 {
		return errors.New("rebalancer.execution.maker.quote_improve_bps must be >= 0")
	}
	if ex.SlippageCapBpsValue() < 0 {
		return errors.New("rebalancer.execution.slippage_cap_bps must be >= 0")
	}
	if ex.MarketSlippageBps <= 0 {
		return errors.New("rebalancer.execution.market_slippage_bps must be > 0")
	}
	if ex.MinTradeBase <= 0 {
		return errors.New("rebalancer.execution.min_trade_base must be > 0")
	}
	if ex.MaxTradeBase < ex.MinTradeBase {
		return errors.New("rebalancer.execution.max_trade_base must be >= min_trade_base")
	}
	return nil
}
