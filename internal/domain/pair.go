// Package domain defines core data structures used throughout the ledger.
package domain

import (
	"fmt"
	"strings"
)

// Pair asset pair priced against each other.
type Pair struct {
	// From base asset symbol.
	From string
	// To quote asset symbol.
	To string
}

// NewPair builds a pair from two symbols, normalising case.
func NewPair(from, to string) Pair {
	return Pair{From: NormalizeSymbol(from), To: NormalizeSymbol(to)}
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated symbol representation used by exchanges.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}

// Identity reports whether both sides are the same asset.
func (p Pair) Identity() bool {
	return p.From == p.To
}

// NormalizeSymbol upper-cases and trims an asset symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
