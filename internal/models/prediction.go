package models

import "time"

// MissingPrediction is the stored value for a miner that did not answer.
const MissingPrediction = -1.0

// PredictionRequest is what a validator sends to a miner.
type PredictionRequest struct {
	Category  string `json:"category"`
	Pair      string `json:"pair"`
	Timestamp int64  `json:"timestamp"` // unix seconds, in the future
}

// Time returns the target timestamp as a UTC time.
func (r PredictionRequest) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// PredictionResponse is a miner's answer. Answer is nil when the miner has no prediction.
type PredictionResponse struct {
	Answer *float64 `json:"answer"`
}

// PricePrompt is a prompt the validator issued; Price is filled once the real price is known.
type PricePrompt struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Category  string   `json:"category"`
	Pair      string   `json:"pair"`
	Price     *float64 `json:"price,omitempty"`
}

// PredictionRecord is one miner answer to one prompt.
type PredictionRecord struct {
	PromptID  string  `json:"promptId"`
	Timestamp int64   `json:"timestamp"`
	MinerKey  string  `json:"minerKey"`
	Value     float64 `json:"value"`
	Category  string  `json:"category"`
	Pair      string  `json:"pair"`
}

// Missing reports whether the record carries the no-answer sentinel.
func (p PredictionRecord) Missing() bool {
	return p.Value == MissingPrediction
}

// ScoredPrediction joins a prediction with the real price of its prompt.
type ScoredPrediction struct {
	PredictionRecord
	Price float64 `json:"price"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime    time.Time `json:"openTime"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quoteVolume"`
}

// CandleSeries is a cached run of candles for a pair.
type CandleSeries struct {
	Pair      string    `json:"pair"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Module is a registered subnet member.
type Module struct {
	UID     int    `json:"uid"`
	Name    string `json:"name"`
	Key     string `json:"key"`
	Address string `json:"address"`
}

// Vote is the latest weight vector a validator set on a subnet.
type Vote struct {
	Validator string    `json:"validator"`
	UIDs      []int     `json:"uids"`
	Weights   []int     `json:"weights"`
	At        time.Time `json:"at"`
}
