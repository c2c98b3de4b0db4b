// Package orderbook holds the per-instrument limit order book: resting
// orders grouped into FIFO price levels, bids best-first descending and
// asks best-first ascending.
//
// The book is single-writer. It never matches on its own; the matching
// engine drives it through Insert, Fill and Remove and every public call
// leaves the book with no empty price level.
package orderbook
