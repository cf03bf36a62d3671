package trade

import "encoding/json"

// TradeData, BookData and KlineData are optional typed projections
// over a StreamContent's Data: each normalizes a handful of short
// venue-specific keys into named fields while keeping the original
// payload available under Raw, mirroring the embed/extract helpers
// the trade-content sub-protocol originally shipped with.

// TradeData is a single executed trade.
type TradeData struct {
	Price    string          `json:"p"`
	Quantity string          `json:"q"`
	TradeMS  int64           `json:"T"`
	Raw      json.RawMessage `json:"raw"`
}

// EmbedTradeData normalizes a trade event into a StreamContent payload.
func EmbedTradeData(d TradeData) (json.RawMessage, error) {
	return json.Marshal(d)
}

// ExtractTradeData reads the normalized fields back out of a
// StreamContent's Data.
func ExtractTradeData(data json.RawMessage) (TradeData, error) {
	var d TradeData
	err := json.Unmarshal(data, &d)
	return d, err
}

// BookLevel is one [price, quantity] entry of an order-book side.
type BookLevel [2]string

// BookData is a normalized order-book snapshot or diff.
type BookData struct {
	Bids []BookLevel     `json:"b"`
	Asks []BookLevel     `json:"a"`
	Raw  json.RawMessage `json:"raw"`
}

// EmbedBookData normalizes a book event into a StreamContent payload.
func EmbedBookData(d BookData) (json.RawMessage, error) {
	return json.Marshal(d)
}

// ExtractBookData reads the normalized fields back out of a
// StreamContent's Data.
func ExtractBookData(data json.RawMessage) (BookData, error) {
	var d BookData
	err := json.Unmarshal(data, &d)
	return d, err
}

// KlineData is a normalized candlestick.
type KlineData struct {
	Open      string          `json:"o"`
	High      string          `json:"h"`
	Low       string          `json:"l"`
	Close     string          `json:"c"`
	OpenMS    int64           `json:"t"`
	CloseMS   int64           `json:"T"`
	IsClosed  bool            `json:"x"`
	Raw       json.RawMessage `json:"raw"`
}

// EmbedKlineData normalizes a kline event into a StreamContent payload.
func EmbedKlineData(d KlineData) (json.RawMessage, error) {
	return json.Marshal(d)
}

// ExtractKlineData reads the normalized fields back out of a
// StreamContent's Data.
func ExtractKlineData(data json.RawMessage) (KlineData, error) {
	var d KlineData
	err := json.Unmarshal(data, &d)
	return d, err
}
