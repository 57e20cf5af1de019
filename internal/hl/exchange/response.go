package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Venue errors. ErrWouldMatch is a post-only (Alo) order that would have
// crossed, ErrNoMatch an Ioc order that found no liquidity and ErrNotOpen a
// cancel for an order that is already done.
var (
	ErrWouldMatch = errors.New("post-only order would have matched")
	ErrNoMatch    = errors.New("ioc order could not match")
	ErrNotOpen    = errors.New("order not open")
	ErrRejected   = errors.New("order rejected")
)

type OrderResult struct {
	OrderID  int64
	Cloid    string
	Resting  bool
	FilledSz float64
	AvgPx    float64
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusesPayload struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type restingWire struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid"`
}

type filledWire struct {
	Oid     int64  `json:"oid"`
	Cloid   string `json:"cloid"`
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
}

type orderStatusWire struct {
	Resting *restingWire `json:"resting"`
	Filled  *filledWire  `json:"filled"`
	Error   string       `json:"error"`
}

func (r exchangeResponse) statuses() ([]json.RawMessage, error) {
	if r.Status != "ok" {
		var msg string
		if err := json.Unmarshal(r.Response, &msg); err != nil {
			msg = string(r.Response)
		}
		return nil, classify(msg)
	}
	var payload statusesPayload
	if err := json.Unmarshal(r.Response, &payload); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if len(payload.Data.Statuses) == 0 {
		return nil, errors.New("exchange response has no statuses")
	}
	return payload.Data.Statuses, nil
}

func parseOrderResponse(r exchangeResponse) (OrderResult, error) {
	statuses, err := r.statuses()
	if err != nil {
		return OrderResult{}, err
	}
	var st orderStatusWire
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return OrderResult{}, fmt.Errorf("decode order status: %w", err)
	}
	switch {
	case st.Error != "":
		return OrderResult{}, classify(st.Error)
	case st.Filled != nil:
		sz, err := strconv.ParseFloat(st.Filled.TotalSz, 64)
		if err != nil {
			return OrderResult{}, fmt.Errorf("filled size %q: %w", st.Filled.TotalSz, err)
		}
		px, err := strconv.ParseFloat(st.Filled.AvgPx, 64)
		if err != nil {
			return OrderResult{}, fmt.Errorf("filled price %q: %w", st.Filled.AvgPx, err)
		}
		return OrderResult{OrderID: st.Filled.Oid, Cloid: st.Filled.Cloid, FilledSz: sz, AvgPx: px}, nil
	case st.Resting != nil:
		return OrderResult{OrderID: st.Resting.Oid, Cloid: st.Resting.Cloid, Resting: true}, nil
	}
	return OrderResult{}, fmt.Errorf("unrecognised order status %s", string(statuses[0]))
}

func parseCancelResponse(r exchangeResponse) error {
	statuses, err := r.statuses()
	if err != nil {
		return err
	}
	var ok string
	if err := json.Unmarshal(statuses[0], &ok); err == nil {
		if ok == "success" {
			return nil
		}
		return classify(ok)
	}
	var st orderStatusWire
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return fmt.Errorf("decode cancel status: %w", err)
	}
	if st.Error != "" {
		return classify(st.Error)
	}
	return nil
}

func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "post only order would have immediately matched"):
		return fmt.Errorf("%w: %s", ErrWouldMatch, msg)
	case strings.Contains(lower, "could not immediately match"):
		return fmt.Errorf("%w: %s", ErrNoMatch, msg)
	case strings.Contains(lower, "never placed, already canceled, or filled"):
		return fmt.Errorf("%w: %s", ErrNotOpen, msg)
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}
