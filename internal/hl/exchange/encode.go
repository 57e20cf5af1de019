package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// mpWriter keeps the first encoding error so key/value runs stay linear.
// Field order matters: the venue hashes the exact msgpack bytes.
type mpWriter struct {
	enc *msgpack.Encoder
	err error
}

func (w *mpWriter) mapLen(n int) {
	if w.err == nil {
		w.err = w.enc.EncodeMapLen(n)
	}
}

func (w *mpWriter) arrayLen(n int) {
	if w.err == nil {
		w.err = w.enc.EncodeArrayLen(n)
	}
}

func (w *mpWriter) str(s string) {
	if w.err == nil {
		w.err = w.enc.EncodeString(s)
	}
}

func (w *mpWriter) i64(v int64) {
	if w.err == nil {
		w.err = w.enc.EncodeInt(v)
	}
}

func (w *mpWriter) boolean(v bool) {
	if w.err == nil {
		w.err = w.enc.EncodeBool(v)
	}
}

func (w *mpWriter) value(v any) {
	if w.err == nil {
		w.err = w.enc.Encode(v)
	}
}

func newWriter(buf *bytes.Buffer) *mpWriter {
	return &mpWriter{enc: msgpack.NewEncoder(buf)}
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
	}
	var buf bytes.Buffer
	w := newWriter(&buf)
	fields := 3
	if action.Builder != nil {
		fields++
	}
	w.mapLen(fields)
	w.str("type")
	w.str(action.Type)
	w.str("orders")
	w.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		writeOrderWire(w, order)
	}
	w.str("grouping")
	w.str(action.Grouping)
	if action.Builder != nil {
		w.str("builder")
		w.value(action.Builder)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	w := newWriter(&buf)
	w.mapLen(2)
	w.str("type")
	w.str(action.Type)
	w.str("cancels")
	w.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		w.mapLen(2)
		w.str("a")
		w.i64(int64(cancel.Asset))
		w.str("o")
		w.i64(cancel.OrderID)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func EncodeCancelByCloidAction(action CancelByCloidAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	w := newWriter(&buf)
	w.mapLen(2)
	w.str("type")
	w.str(action.Type)
	w.str("cancels")
	w.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		w.mapLen(2)
		w.str("asset")
		w.i64(int64(cancel.Asset))
		w.str("cloid")
		w.str(cancel.Cloid)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func writeOrderWire(w *mpWriter, order OrderWire) {
	fields := 6
	if order.Cloid != "" {
		fields++
	}
	w.mapLen(fields)
	w.str("a")
	w.i64(int64(order.Asset))
	w.str("b")
	w.boolean(order.IsBuy)
	w.str("p")
	w.str(order.Price)
	w.str("s")
	w.str(order.Size)
	w.str("r")
	w.boolean(order.ReduceOnly)
	w.str("t")
	w.mapLen(1)
	w.str("limit")
	w.mapLen(1)
	w.str("tif")
	w.str(string(order.OrderType.Limit.Tif))
	if order.Cloid != "" {
		w.str("c")
		w.str(order.Cloid)
	}
}
