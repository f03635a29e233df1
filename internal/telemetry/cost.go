// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"errors"
	"fmt"
	"math"

	"github.com/jeranaias/convobot/internal/model"
)

// =============================================================================
// PRICING
// =============================================================================

// Direction selects which side of a request is being priced.
type Direction int

const (
	Input Direction = iota
	Output
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// ErrNegativeTokens is returned when a negative token count is priced.
var ErrNegativeTokens = errors.New("token count must be non-negative")

// costPrecision is the number of decimal places costs are rounded to.
const costPrecision = 6

// Pricing holds USD prices per one million tokens.
type Pricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// PriceTable maps variants to their pricing.
type PriceTable map[model.Variant]Pricing

// DefaultPrices returns the published per-million-token prices.
func DefaultPrices() PriceTable {
	return PriceTable{
		model.VariantChat:     {Input: 0.27, Output: 1.10},
		model.VariantReasoner: {Input: 0.55, Output: 2.19},
	}
}

// Merge returns a copy of t with entries from overrides replacing its own.
func (t PriceTable) Merge(overrides PriceTable) PriceTable {
	out := make(PriceTable, len(t)+len(overrides))
	for v, p := range t {
		out[v] = p
	}
	for v, p := range overrides {
		out[v] = p
	}
	return out
}

// Cost prices tokens for variant v in direction d.
// Zero tokens cost exactly zero. Results are rounded to six decimals.
func (t PriceTable) Cost(v model.Variant, tokens int, d Direction) (float64, error) {
	if tokens < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeTokens, tokens)
	}
	p, ok := t[v]
	if !ok {
		return 0, fmt.Errorf("%w: %q", model.ErrUnknownVariant, v)
	}
	if tokens == 0 {
		return 0, nil
	}

	perMillion := p.Input
	if d == Output {
		perMillion = p.Output
	}
	return round(float64(tokens) / 1_000_000 * perMillion), nil
}

func round(x float64) float64 {
	scale := math.Pow10(costPrecision)
	return math.Round(x*scale) / scale
}
