package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-rebalancer/internal/state"

	"go.uber.org/zap"
)

const (
	retryAttempts  = 5
	initialBackoff = 200 * time.Millisecond
)

// Executor wraps a venue gateway with retries and client-order-id
// idempotency. Order ids are cached in memory and in the store so that a
// retried or restarted placement never sends the same cloid twice.
type Executor struct {
	gw    Gateway
	store state.Store
	log   *zap.Logger

	backoff time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func NewExecutor(gw Gateway, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		gw:      gw,
		store:   store,
		log:     log,
		backoff: initialBackoff,
		cache:   make(map[string]string),
	}
}

func (e *Executor) PlaceLimit(ctx context.Context, order LimitOrder) (string, error) {
	if order.ClientOrderID == "" {
		return e.placeLimitWithRetry(ctx, order)
	}
	key := "cloid:" + order.ClientOrderID
	if oid, ok, err := e.lookup(ctx, key); err != nil {
		return "", err
	} else if ok {
		return oid, nil
	}
	orderID, err := e.placeLimitWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	e.remember(ctx, key, orderID)
	return orderID, nil
}

func (e *Executor) PlaceMarket(ctx context.Context, order MarketOrder) (FillReport, error) {
	key := "fill:" + order.ClientOrderID
	if order.ClientOrderID != "" {
		if raw, ok, err := e.lookup(ctx, key); err != nil {
			return FillReport{}, err
		} else if ok {
			var fill FillReport
			if err := json.Unmarshal([]byte(raw), &fill); err == nil {
				return fill, nil
			}
		}
	}
	var fill FillReport
	err := e.retry(ctx, func() error {
		var err error
		fill, err = e.gw.PlaceMarket(ctx, order)
		return err
	})
	if err != nil {
		return FillReport{}, err
	}
	if order.ClientOrderID != "" {
		if payload, err := json.Marshal(fill); err == nil {
			e.remember(ctx, key, string(payload))
		}
	}
	return fill, nil
}

func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	return e.retry(ctx, func() error {
		return e.gw.Cancel(ctx, orderID)
	})
}

func (e *Executor) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var st OrderStatus
	err := e.retry(ctx, func() error {
		var err error
		st, err = e.gw.OrderStatus(ctx, orderID)
		return err
	})
	return st, err
}

func (e *Executor) lookup(ctx context.Context, key string) (string, bool, error) {
	e.mu.Lock()
	if val, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return val, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false, nil
	}
	val, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	e.mu.Lock()
	e.cache[key] = val
	e.mu.Unlock()
	return val, true, nil
}

func (e *Executor) remember(ctx context.Context, key, val string) {
	if e.store != nil {
		if err := e.store.Set(ctx, key, val); err != nil {
			e.log.Warn("failed to persist order id", zap.String("key", key), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[key] = val
	e.mu.Unlock()
}

func (e *Executor) placeLimitWithRetry(ctx context.Context, order LimitOrder) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.gw.PlaceLimit(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

// retry gives up at once on venue rejections; only transport and rate-limit
// failures are worth repeating.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrWouldCross) || errors.Is(err, ErrRejected) {
			return err
		}
		if attempt == retryAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
