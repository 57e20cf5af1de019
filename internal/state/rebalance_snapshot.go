package state

import (
	"context"
	"encoding/json"
	"strings"
)

const rebalanceSnapshotPrefix = "rebalance:last_snapshot:"

// RebalanceSnapshot is the periodic status report of one symbol. It is
// informational only and is never used to restore policy timers.
type RebalanceSnapshot struct {
	Symbol          string  `json:"symbol"`
	Price           float64 `json:"price"`
	SpotBase        float64 `json:"spot_base"`
	FuturesBase     float64 `json:"futures_base"`
	NetDelta        float64 `json:"net_delta"`
	DesiredNetDelta float64 `json:"desired_net_delta"`
	Gap             float64 `json:"gap"`
	SoftThreshold   float64 `json:"soft_threshold"`
	HardThreshold   float64 `json:"hard_threshold"`
	Trend           string  `json:"trend"`
	EmaFast         float64 `json:"ema_fast"`
	EmaSlow         float64 `json:"ema_slow"`
	CombinedBias    float64 `json:"combined_bias"`
	BuyVWAP         float64 `json:"buy_vwap,omitempty"`
	SellVWAP        float64 `json:"sell_vwap,omitempty"`
	ExecutionState  string  `json:"execution_state"`
	Paused          bool    `json:"paused"`
	LastAction      string  `json:"last_action,omitempty"`
	LastActionAtMS  int64   `json:"last_action_at_ms,omitempty"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func RebalanceSnapshotKey(symbol string) string {
	return rebalanceSnapshotPrefix + strings.ToUpper(strings.TrimSpace(symbol))
}

func LoadRebalanceSnapshot(ctx context.Context, store Store, symbol string) (RebalanceSnapshot, bool, error) {
	if store == nil {
		return RebalanceSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RebalanceSnapshotKey(symbol))
	if err != nil {
		return RebalanceSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RebalanceSnapshot{}, false, nil
	}
	var snapshot RebalanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RebalanceSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRebalanceSnapshot(ctx context.Context, store Store, snapshot RebalanceSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RebalanceSnapshotKey(snapshot.Symbol), string(payload))
}
