package market

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Book is the top of the order book.
type Book struct {
	Bid float64
	Ask float64
	At  time.Time
}

func (b Book) Valid() bool {
	return b.Bid > 0 && b.Ask > 0 && b.Bid <= b.Ask
}

func (b Book) Mid() float64 {
	if !b.Valid() {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

type levelWire struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2BookWire struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]levelWire `json:"levels"`
}

func parseBook(data json.RawMessage) (string, Book, error) {
	var w l2BookWire
	if err := json.Unmarshal(data, &w); err != nil {
		return "", Book{}, err
	}
	b, err := w.book()
	return w.Coin, b, err
}

func (w l2BookWire) book() (Book, error) {
	if len(w.Levels) < 2 || len(w.Levels[0]) == 0 || len(w.Levels[1]) == 0 {
		return Book{}, errors.New("l2Book missing a side")
	}
	bid, err := strconv.ParseFloat(w.Levels[0][0].Px, 64)
	if err != nil {
		return Book{}, err
	}
	ask, err := strconv.ParseFloat(w.Levels[1][0].Px, 64)
	if err != nil {
		return Book{}, err
	}
	b := Book{Bid: bid, Ask: ask}
	if !b.Valid() {
		return Book{}, errors.New("l2Book is crossed or empty")
	}
	return b, nil
}
