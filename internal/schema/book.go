package schema

import "time"

// BookState is a best-bid/best-ask snapshot supplied by the price oracle.
type BookState struct {
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"bestBid"`
	BestAsk   float64   `json:"bestAsk"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of the snapshot.
func (b BookState) Mid() float64 {
	return (b.BestBid + b.BestAsk) / 2
}

// Valid reports whether both sides of the snapshot are usable.
func (b BookState) Valid() bool {
	return b.BestBid > 0 && b.BestAsk > 0 && b.BestAsk >= b.BestBid
}
