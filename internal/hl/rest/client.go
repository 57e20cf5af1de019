package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited is returned for HTTP 429 so callers can back off.
var ErrRateLimited = errors.New("rate limited")

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// InfoRequest covers the /info queries that only need a type and a user.
type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type L2BookRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type CandleSnapshotRequest struct {
	Type string           `json:"type"`
	Req  CandleSnapshotIn `json:"req"`
}

type CandleSnapshotIn struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type OrderStatusRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
	Oid  any    `json:"oid"`
}

// Info decodes an /info response into out.
func (c *Client) Info(ctx context.Context, req any, out any) error {
	return c.Post(ctx, "/info", req, out)
}

func (c *Client) Post(ctx context.Context, path string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", path, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
