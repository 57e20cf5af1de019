package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spot-rebalancer/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Client signs and posts /exchange actions. Nonces are strictly increasing
// and, once a store is attached, survive restarts.
type Client struct {
	rest          *rest.Client
	signer        *Signer
	vaultAddress  *common.Address
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	log           *zap.Logger
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

func NewClient(rc *rest.Client, signer *Signer, vaultAddress string, log *zap.Logger) (*Client, error) {
	if rc == nil {
		return nil, errors.New("rest client is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		if !common.IsHexAddress(vaultAddress) {
			return nil, fmt.Errorf("invalid vault address %q", vaultAddress)
		}
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	return &Client{
		rest:         rc,
		signer:       signer,
		vaultAddress: vault,
		log:          log,
	}, nil
}

// PlaceOrder sends a single limit order. Venue-level rejections come back as
// ErrWouldMatch, ErrNoMatch or ErrRejected.
func (c *Client) PlaceOrder(ctx context.Context, order OrderWire) (OrderResult, error) {
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce, c.vaultAddress, nil)
	if err != nil {
		return OrderResult{}, err
	}
	resp, err := c.postAction(ctx, action, sig, nonce)
	if err != nil {
		return OrderResult{}, err
	}
	return parseOrderResponse(resp)
}

func (c *Client) CancelOrder(ctx context.Context, asset int, orderID int64) error {
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelAction(action, nonce, c.vaultAddress, nil)
	if err != nil {
		return err
	}
	resp, err := c.postAction(ctx, action, sig, nonce)
	if err != nil {
		return err
	}
	return parseCancelResponse(resp)
}

func (c *Client) CancelByCloid(ctx context.Context, asset int, cloid string) error {
	action := CancelByCloidAction{Type: "cancelByCloid", Cancels: []CancelByCloidWire{{Asset: asset, Cloid: cloid}}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelByCloidAction(action, nonce, c.vaultAddress, nil)
	if err != nil {
		return err
	}
	resp, err := c.postAction(ctx, action, sig, nonce)
	if err != nil {
		return err
	}
	return parseCancelResponse(resp)
}

// TradingAddress is the account orders are placed for.
func (c *Client) TradingAddress() string {
	if c.vaultAddress != nil {
		return c.vaultAddress.Hex()
	}
	return c.signer.Address().Hex()
}

func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.rest.BaseURL(), c.signer, c.vaultAddress)
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) NonceState() (NonceState, bool) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.log != nil && c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), addr, vault)
}

func (c *Client) postAction(ctx context.Context, action any, sig Signature, nonce uint64) (exchangeResponse, error) {
	var vaultAddress *string
	if c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		vaultAddress = &addr
	}
	payload := SignedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vaultAddress,
	}
	var resp exchangeResponse
	if err := c.rest.Post(ctx, "/exchange", payload, &resp); err != nil {
		return exchangeResponse{}, err
	}
	return resp, nil
}
